// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"github.com/bureau-foundation/conductor/lib/fanout"
)

// armRetry starts the cooldown timer of an installed rate limit and
// announces it.
func (o *Orchestrator) armRetry(entry *rateLimitEntry, sessionID string) {
	state := entry.state
	timer := o.clock.AfterFunc(state.Cooldown, func() {
		o.retryRateLimited(entry)
	})
	o.mu.Lock()
	if o.rateLimits[state.ConversationID] == entry {
		entry.timer = timer
	}
	o.mu.Unlock()

	o.logger.Warn("rate limited, retry scheduled",
		"conversation_id", state.ConversationID,
		"session_id", sessionID,
		"cooldown", state.Cooldown,
		"retry_count", state.RetryCount,
	)
	o.publisher.Publish(fanout.Event{
		Type:           fanout.TypeRateLimitHit,
		SessionID:      sessionID,
		ConversationID: state.ConversationID,
		Fields: map[string]any{
			"retryAt":    state.RetryAt.UnixMilli(),
			"cooldownMs": state.Cooldown.Milliseconds(),
			"retryCount": state.RetryCount,
		},
	})
}

// retryRateLimited re-drives the input that hit the rate limit.
func (o *Orchestrator) retryRateLimited(entry *rateLimitEntry) {
	conversationID := entry.state.ConversationID
	o.mu.Lock()
	if o.shuttingDown || o.rateLimits[conversationID] != entry {
		o.mu.Unlock()
		return
	}
	delete(o.rateLimits, conversationID)
	exec := o.claimLocked(conversationID, entry.input)
	o.mu.Unlock()

	o.logger.Info("rate limit cooldown over, retrying",
		"conversation_id", conversationID,
		"retry_count", entry.state.RetryCount,
	)
	o.publisher.Publish(fanout.Event{
		Type:           fanout.TypeRateLimitClear,
		ConversationID: conversationID,
		Fields:         map[string]any{"retryCount": entry.state.RetryCount},
	})
	if exec == nil {
		return
	}
	if err := o.begin(exec); err != nil {
		o.abandon(exec, err)
	}
}
