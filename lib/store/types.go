// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for ids that do not exist.
var ErrNotFound = errors.New("store: not found")

// SessionStatus is the lifecycle state of one agent run.
type SessionStatus string

const (
	StatusPending     SessionStatus = "pending"
	StatusActive      SessionStatus = "active"
	StatusComplete    SessionStatus = "complete"
	StatusError       SessionStatus = "error"
	StatusInterrupted SessionStatus = "interrupted"
	StatusIncomplete  SessionStatus = "incomplete"
)

// Terminal reports whether no further transitions follow s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusInterrupted, StatusIncomplete:
		return true
	}
	return false
}

// Role is the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is a durable thread of messages with one agent.
type Conversation struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agentId"`
	Model            string    `json:"model,omitempty"`
	WorkingDirectory string    `json:"workingDirectory"`
	ResumeToken      string    `json:"resumeToken,omitempty"`
	IsStreaming      bool      `json:"isStreaming"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Session is one execution of an agent subprocess for a conversation.
type Session struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Status         SessionStatus `json:"status"`
	PID            int           `json:"pid,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    time.Time     `json:"completedAt,omitzero"`
}

// SessionUpdate changes a session row. Status is always written; the
// other fields are written only when non-zero.
type SessionUpdate struct {
	Status      SessionStatus
	PID         int
	Error       string
	CompletedAt time.Time
}

// Chunk is one normalized event of a session, in sequence order.
type Chunk struct {
	SessionID      string          `json:"sessionId"`
	ConversationID string          `json:"conversationId"`
	Sequence       int64           `json:"sequence"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Message is a user prompt or assistant reply in a conversation's
// history.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}
