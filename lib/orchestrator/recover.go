// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/conductor/lib/store"
)

// RecoveryReport describes what Recover did.
type RecoveryReport struct {
	// Interrupted lists the sessions left active or pending by a
	// previous process.
	Interrupted []string `json:"interrupted"`

	// Resumed lists the conversations scheduled to re-run their last
	// user message.
	Resumed []string `json:"resumed"`
}

// Recover reconciles state left by an unclean stop. Sessions still
// marked active or pending are marked interrupted, and each
// conversation whose latest session was interrupted that way re-runs
// its last user message. Re-runs are spaced RecoveryStagger apart.
// Call it once, after New and before serving input.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	start := o.clock.Now()

	sessions, err := o.store.ListSessionsByStatus(ctx, store.StatusActive, store.StatusPending)
	if err != nil {
		return report, fmt.Errorf("listing unfinished sessions: %w", err)
	}
	o.mu.Lock()
	live := make(map[string]bool, len(o.executions))
	for _, exec := range o.executions {
		live[exec.sessionID] = true
	}
	o.mu.Unlock()

	cleared := make(map[string]bool)
	for _, session := range sessions {
		if live[session.ID] {
			continue
		}
		if err := o.store.UpdateSession(ctx, session.ID, store.SessionUpdate{
			Status:      store.StatusInterrupted,
			Error:       "interrupted by restart",
			CompletedAt: start,
		}); err != nil {
			return report, fmt.Errorf("interrupting session %s: %w", session.ID, err)
		}
		report.Interrupted = append(report.Interrupted, session.ID)
		if cleared[session.ConversationID] {
			continue
		}
		cleared[session.ConversationID] = true
		if err := o.store.SetIsStreaming(ctx, session.ConversationID, false); err != nil {
			return report, fmt.Errorf("clearing streaming flag of %s: %w", session.ConversationID, err)
		}
	}

	conversations, err := o.store.GetResumableConversations(ctx, start)
	if err != nil {
		return report, fmt.Errorf("listing resumable conversations: %w", err)
	}
	for _, conversation := range conversations {
		message, err := o.store.LastUserMessage(ctx, conversation.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("loading last message of %s: %w", conversation.ID, err)
		}
		input := QueuedMessage{
			Content:   message.Content,
			AgentID:   conversation.AgentID,
			Model:     conversation.Model,
			MessageID: message.ID,
		}
		conversationID := conversation.ID
		delay := time.Duration(len(report.Resumed)) * o.config.RecoveryStagger
		report.Resumed = append(report.Resumed, conversationID)

		// AfterFunc may run the callback inline, so no lock is held.
		timer := o.clock.AfterFunc(delay, func() {
			o.redrive(conversationID, input)
		})
		o.mu.Lock()
		o.recoveryTimers = append(o.recoveryTimers, timer)
		o.mu.Unlock()
	}

	o.logger.Info("recovery complete",
		"interrupted", len(report.Interrupted),
		"resumed", len(report.Resumed),
	)
	return report, nil
}

// redrive starts input recovered from a previous process, or puts it
// at the head of the queue if the conversation has become busy.
func (o *Orchestrator) redrive(conversationID string, input QueuedMessage) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	if o.busyLocked(conversationID) {
		o.queues[conversationID] = append([]QueuedMessage{input}, o.queues[conversationID]...)
		o.mu.Unlock()
		return
	}
	exec := o.claimLocked(conversationID, input)
	o.mu.Unlock()

	o.logger.Info("resuming interrupted conversation",
		"conversation_id", conversationID,
		"message_id", input.MessageID,
	)
	if err := o.begin(exec); err != nil {
		o.abandon(exec, err)
	}
}
