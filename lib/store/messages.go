// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CreateMessage appends message to its conversation's history,
// assigning an ID and timestamp when unset.
func (s *Store) CreateMessage(ctx context.Context, message Message) (Message, error) {
	if message.ConversationID == "" {
		return Message{}, fmt.Errorf("store: create message: conversation id is required")
	}
	if message.Role != RoleUser && message.Role != RoleAssistant {
		return Message{}, fmt.Errorf("store: create message: invalid role %q", message.Role)
	}
	if message.ID == "" {
		message.ID = newID()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.clock.Now().UTC()
	}
	err := s.withConn(ctx, "create message", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				message.ID,
				message.ConversationID,
				string(message.Role),
				message.Content,
				toMillis(message.CreatedAt),
			},
		})
	})
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// ListMessages returns a conversation's history in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var results []Message
	err := s.withConn(ctx, "list messages", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, conversation_id, role, content, created_at
			FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`, &sqlitex.ExecOptions{
			Args: []any{conversationID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, scanMessage(stmt))
				return nil
			},
		})
	})
	return results, err
}

// LastUserMessage returns the newest user message of a conversation,
// or ErrNotFound.
func (s *Store) LastUserMessage(ctx context.Context, conversationID string) (Message, error) {
	var result Message
	found := false
	err := s.withConn(ctx, "last user message", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, conversation_id, role, content, created_at
			FROM messages WHERE conversation_id = ? AND role = ?
			ORDER BY created_at DESC, rowid DESC LIMIT 1`, &sqlitex.ExecOptions{
			Args: []any{conversationID, string(RoleUser)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result = scanMessage(stmt)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return Message{}, err
	}
	if !found {
		return Message{}, fmt.Errorf("user message in conversation %s: %w", conversationID, ErrNotFound)
	}
	return result, nil
}

func scanMessage(stmt *sqlite.Stmt) Message {
	return Message{
		ID:             stmt.ColumnText(0),
		ConversationID: stmt.ColumnText(1),
		Role:           Role(stmt.ColumnText(2)),
		Content:        stmt.ColumnText(3),
		CreatedAt:      fromMillis(stmt.ColumnInt64(4)),
	}
}
