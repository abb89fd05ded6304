// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/conductor/lib/sqlitepool"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY,
	value TEXT NOT NULL
);
`

func openTestPool(t *testing.T, size int) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: size,
		Schema:   testSchema,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestOpenAppliesPragmasAndSchema(t *testing.T) {
	t.Parallel()
	pool := openTestPool(t, 2)

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	if err := sqlitex.Execute(conn, "INSERT INTO items (value) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{"first"},
	}); err != nil {
		t.Fatalf("insert into schema table: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := sqlitepool.Open(context.Background(), sqlitepool.Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}

func TestConcurrentWriters(t *testing.T) {
	t.Parallel()
	pool := openTestPool(t, 4)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Take(context.Background())
			if err != nil {
				errs <- err
				return
			}
			defer pool.Put(conn)
			for i := 0; i < 25; i++ {
				if err := sqlitex.Execute(conn, "INSERT INTO items (value) VALUES (?)", &sqlitex.ExecOptions{
					Args: []any{fmt.Sprintf("w%d-%d", worker, i)},
				}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("writer: %v", err)
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)
	var count int
	sqlitex.Execute(conn, "SELECT COUNT(*) FROM items", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if count != 200 {
		t.Fatalf("row count = %d, want 200", count)
	}
}
