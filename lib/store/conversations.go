// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const conversationColumns = `id, agent_id, model, working_directory, resume_token, is_streaming, created_at, updated_at`

// CreateConversation inserts conversation, assigning an ID and
// timestamps when they are unset, and returns the stored row.
func (s *Store) CreateConversation(ctx context.Context, conversation Conversation) (Conversation, error) {
	if conversation.AgentID == "" {
		return Conversation{}, fmt.Errorf("store: create conversation: agent id is required")
	}
	if conversation.ID == "" {
		conversation.ID = newID()
	}
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	conversation.UpdatedAt = now

	err := s.withConn(ctx, "create conversation", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				conversation.ID,
				conversation.AgentID,
				conversation.Model,
				conversation.WorkingDirectory,
				conversation.ResumeToken,
				boolInt(conversation.IsStreaming),
				toMillis(conversation.CreatedAt),
				toMillis(conversation.UpdatedAt),
			},
		})
	})
	if err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}

// GetConversation returns the conversation with id, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var result Conversation
	found := false
	err := s.withConn(ctx, "get conversation", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result = scanConversation(stmt)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return Conversation{}, err
	}
	if !found {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return result, nil
}

// ListConversations returns every conversation, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	var results []Conversation
	err := s.withConn(ctx, "list conversations", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, scanConversation(stmt))
				return nil
			},
		})
	})
	return results, err
}

// SetResumeToken records the agent-side session handle used to
// continue conversation id on its next run.
func (s *Store) SetResumeToken(ctx context.Context, id, token string) error {
	return s.updateConversation(ctx, "set resume token", id,
		`UPDATE conversations SET resume_token = ?, updated_at = ? WHERE id = ?`,
		token, toMillis(s.clock.Now()), id)
}

// SetIsStreaming sets whether conversation id has a run in flight.
func (s *Store) SetIsStreaming(ctx context.Context, id string, streaming bool) error {
	return s.updateConversation(ctx, "set streaming", id,
		`UPDATE conversations SET is_streaming = ?, updated_at = ? WHERE id = ?`,
		boolInt(streaming), toMillis(s.clock.Now()), id)
}

func (s *Store) updateConversation(ctx context.Context, operation, id, query string, args ...any) error {
	return s.withConn(ctx, operation, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// GetResumableConversations returns conversations that have a resume
// token and whose most recent session was interrupted at or after
// since. Recovery passes its own start time so that only runs cut
// short by the restart are re-driven, not ones a user cancelled
// earlier.
func (s *Store) GetResumableConversations(ctx context.Context, since time.Time) ([]Conversation, error) {
	var results []Conversation
	err := s.withConn(ctx, "get resumable conversations", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT c.id, c.agent_id, c.model, c.working_directory, c.resume_token,
			       c.is_streaming, c.created_at, c.updated_at
			FROM conversations c
			JOIN sessions s ON s.id = (
				SELECT latest.id FROM sessions latest
				WHERE latest.conversation_id = c.id
				ORDER BY latest.started_at DESC, latest.rowid DESC
				LIMIT 1
			)
			WHERE c.resume_token != ''
			  AND s.status = ?
			  AND s.completed_at >= ?
			ORDER BY s.started_at, c.id`, &sqlitex.ExecOptions{
			Args: []any{string(StatusInterrupted), toMillis(since)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				results = append(results, scanConversation(stmt))
				return nil
			},
		})
	})
	return results, err
}

func scanConversation(stmt *sqlite.Stmt) Conversation {
	return Conversation{
		ID:               stmt.ColumnText(0),
		AgentID:          stmt.ColumnText(1),
		Model:            stmt.ColumnText(2),
		WorkingDirectory: stmt.ColumnText(3),
		ResumeToken:      stmt.ColumnText(4),
		IsStreaming:      stmt.ColumnInt64(5) != 0,
		CreatedAt:        fromMillis(stmt.ColumnInt64(6)),
		UpdatedAt:        fromMillis(stmt.ColumnInt64(7)),
	}
}
