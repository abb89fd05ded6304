// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL,
	resume_token      TEXT NOT NULL DEFAULT '',
	is_streaming      INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	pid             INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      INTEGER NOT NULL,
	completed_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions (conversation_id, started_at);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);

CREATE TABLE IF NOT EXISTS chunks (
	session_id      TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	type            TEXT NOT NULL,
	data            BLOB NOT NULL,
	encoding        INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
`

// Config configures Open.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// PoolSize is passed to sqlitepool.
	PoolSize int

	// Clock stamps created_at and updated_at. Defaults to
	// clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Store is the SQLite-backed implementation of the orchestrator's and
// sequencer's persistence interfaces. It is safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the database at config.Path.
func Open(ctx context.Context, config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{pool: pool, clock: clk, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// withConn runs fn on a pooled connection.
func (s *Store) withConn(ctx context.Context, operation string, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: %s: %w", operation, err)
	}
	defer s.pool.Put(conn)
	if err := fn(conn); err != nil {
		return fmt.Errorf("store: %s: %w", operation, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// newID returns a random identifier for rows created without one.
func newID() string {
	return uuid.NewString()
}
