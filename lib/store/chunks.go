// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CreateChunk stores a single chunk in its own transaction.
func (s *Store) CreateChunk(ctx context.Context, chunk Chunk) error {
	return s.CreateChunks(ctx, []Chunk{chunk})
}

// CreateChunks stores chunks atomically. A duplicate (session,
// sequence) anywhere in the batch rolls back the whole batch.
func (s *Store) CreateChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.withConn(ctx, "create chunks", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer endTransaction(&err)

		for i := range chunks {
			if err := insertChunk(conn, &chunks[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertChunk(conn *sqlite.Conn, chunk *Chunk) error {
	if chunk.SessionID == "" {
		return fmt.Errorf("chunk %d: session id is required", chunk.Sequence)
	}
	data := []byte(chunk.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	stored, encoding := encodePayload(data)
	err := sqlitex.Execute(conn, `INSERT INTO chunks
		(session_id, conversation_id, sequence, type, data, encoding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			chunk.SessionID,
			chunk.ConversationID,
			chunk.Sequence,
			chunk.Type,
			stored,
			encoding,
			toMillis(chunk.CreatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("chunk %s/%d: %w", chunk.SessionID, chunk.Sequence, err)
	}
	return nil
}

// GetChunksSince returns the chunks of sessionID with sequence greater
// than after, in sequence order. Pass -1 for the whole session.
func (s *Store) GetChunksSince(ctx context.Context, sessionID string, after int64) ([]Chunk, error) {
	var results []Chunk
	err := s.withConn(ctx, "get chunks", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT session_id, conversation_id, sequence, type, data, encoding, created_at
			FROM chunks WHERE session_id = ? AND sequence > ? ORDER BY sequence`, &sqlitex.ExecOptions{
			Args: []any{sessionID, after},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored := make([]byte, stmt.ColumnLen(4))
				stmt.ColumnBytes(4, stored)
				data, err := decodePayload(stored, stmt.ColumnInt(5))
				if err != nil {
					return err
				}
				results = append(results, Chunk{
					SessionID:      stmt.ColumnText(0),
					ConversationID: stmt.ColumnText(1),
					Sequence:       stmt.ColumnInt64(2),
					Type:           stmt.ColumnText(3),
					Data:           json.RawMessage(data),
					CreatedAt:      fromMillis(stmt.ColumnInt64(6)),
				})
				return nil
			},
		})
	})
	return results, err
}

// GetMaxSequence returns the highest stored sequence for sessionID, or
// -1 if the session has no chunks.
func (s *Store) GetMaxSequence(ctx context.Context, sessionID string) (int64, error) {
	maximum := int64(-1)
	err := s.withConn(ctx, "get max sequence", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT MAX(sequence) FROM chunks WHERE session_id = ?`, &sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if !stmt.ColumnIsNull(0) {
					maximum = stmt.ColumnInt64(0)
				}
				return nil
			},
		})
	})
	return maximum, err
}
