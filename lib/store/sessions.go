// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sessionColumns = `id, conversation_id, status, pid, error, started_at, completed_at`

// CreateSession inserts session. ID and ConversationID are required;
// StartedAt defaults to now and Status to pending.
func (s *Store) CreateSession(ctx context.Context, session Session) error {
	if session.ID == "" || session.ConversationID == "" {
		return fmt.Errorf("store: create session: id and conversation id are required")
	}
	if session.Status == "" {
		session.Status = StatusPending
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.clock.Now()
	}
	return s.withConn(ctx, "create session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				session.ID,
				session.ConversationID,
				string(session.Status),
				session.PID,
				session.Error,
				toMillis(session.StartedAt),
				toMillis(session.CompletedAt),
			},
		})
	})
}

// GetSession returns the session with id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var result Session
	found := false
	err := s.withConn(ctx, "get session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result = scanSession(stmt)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return Session{}, err
	}
	if !found {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return result, nil
}

// UpdateSession applies update to session id.
func (s *Store) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	if update.Status == "" {
		return fmt.Errorf("store: update session %s: status is required", id)
	}
	assignments := []string{"status = ?"}
	args := []any{string(update.Status)}
	if update.PID > 0 {
		assignments = append(assignments, "pid = ?")
		args = append(args, update.PID)
	}
	if update.Error != "" {
		assignments = append(assignments, "error = ?")
		args = append(args, update.Error)
	}
	if !update.CompletedAt.IsZero() {
		assignments = append(assignments, "completed_at = ?")
		args = append(args, toMillis(update.CompletedAt))
	}
	args = append(args, id)

	return s.withConn(ctx, "update session", func(conn *sqlite.Conn) error {
		query := `UPDATE sessions SET ` + strings.Join(assignments, ", ") + ` WHERE id = ?`
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListSessionsByStatus returns sessions in any of statuses, oldest
// first.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY started_at, rowid`
	return s.listSessions(ctx, "list sessions by status", query, args...)
}

// ListSessions returns the sessions of a conversation, oldest first.
func (s *Store) ListSessions(ctx context.Context, conversationID string) ([]Session, error) {
	return s.listSessions(ctx, "list sessions",
		`SELECT `+sessionColumns+` FROM sessions WHERE conversation_id = ? ORDER BY started_at, rowid`,
		conversationID)
}

func (s *Store) listSessions(ctx context.Context, operation, query string, args ...any) ([]Session, error) {
	var results []Session
	err := s.withConn(ctx, operation, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, scanSession(stmt))
				return nil
			},
		})
	})
	return results, err
}

func scanSession(stmt *sqlite.Stmt) Session {
	return Session{
		ID:             stmt.ColumnText(0),
		ConversationID: stmt.ColumnText(1),
		Status:         SessionStatus(stmt.ColumnText(2)),
		PID:            int(stmt.ColumnInt64(3)),
		Error:          stmt.ColumnText(4),
		StartedAt:      fromMillis(stmt.ColumnInt64(5)),
		CompletedAt:    fromMillis(stmt.ColumnInt64(6)),
	}
}
