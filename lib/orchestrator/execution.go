// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/conductor/lib/agentprofile"
	"github.com/bureau-foundation/conductor/lib/fanout"
	"github.com/bureau-foundation/conductor/lib/normalize"
	"github.com/bureau-foundation/conductor/lib/ratelimit"
	"github.com/bureau-foundation/conductor/lib/runner"
	"github.com/bureau-foundation/conductor/lib/store"
)

// execution is a claimed run slot. Its presence in
// Orchestrator.executions is what makes a conversation busy.
type execution struct {
	conversationID string
	sessionID      string
	input          QueuedMessage
	startTime      time.Time

	// Guarded by Orchestrator.mu.
	pid          int
	lastActivity time.Time
	cancel       context.CancelFunc
	finished     bool
	ended        outcome
	persistErr   error
	deadChecks   int

	// stateMu orders session row writes and chunk appends from the
	// run goroutine against finalization. The fields after it are
	// guarded by it.
	stateMu       sync.Mutex
	acp           bool
	assistantText strings.Builder
	errorText     string
	resumeToken   string
}

// outcome is how an execution ended.
type outcome struct {
	status      store.SessionStatus
	reason      string
	recoverable bool

	// rateLimit is set when the failure was an upstream rate limit.
	rateLimit *ratelimit.Signal
}

// begin creates the session row and launches the run. On error the
// caller abandons the claim.
func (o *Orchestrator) begin(exec *execution) error {
	ctx, cancel := o.ioContext()
	defer cancel()

	conversation, err := o.store.GetConversation(ctx, exec.conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	profile, err := o.profiles.Lookup(exec.input.AgentID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	finished := exec.finished
	o.mu.Unlock()
	if finished {
		// Cancelled before the session row existed.
		o.runs.Done()
		return nil
	}
	if err := o.store.CreateSession(ctx, store.Session{
		ID:             exec.sessionID,
		ConversationID: exec.conversationID,
		Status:         store.StatusPending,
		StartedAt:      exec.startTime,
	}); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if err := o.store.SetIsStreaming(ctx, exec.conversationID, true); err != nil {
		o.logger.Warn("marking conversation streaming", "conversation_id", exec.conversationID, "error", err)
	}

	exec.acp = profile.Protocol == agentprofile.ACP
	runContext, cancelRun := context.WithCancel(o.runContext)
	o.mu.Lock()
	if exec.finished {
		// Ended while the row was being created, so the end state may
		// have been written before the row existed.
		ended, shuttingDown := exec.ended, o.shuttingDown
		o.mu.Unlock()
		cancelRun()
		if !shuttingDown {
			o.settleUnlaunched(ctx, exec, ended)
		}
		o.runs.Done()
		return nil
	}
	exec.cancel = cancelRun
	o.mu.Unlock()

	o.logger.Info("execution started",
		"conversation_id", exec.conversationID,
		"session_id", exec.sessionID,
		"agent", profile.ID,
		"resume", conversation.ResumeToken != "",
	)
	o.publisher.Publish(fanout.Event{
		Type:           fanout.TypeStreamingStart,
		SessionID:      exec.sessionID,
		ConversationID: exec.conversationID,
		Fields: map[string]any{
			"messageId": exec.input.MessageID,
			"agentId":   profile.ID,
		},
	})

	go o.run(runContext, cancelRun, exec, runner.Request{
		Prompt:           exec.input.Content,
		WorkingDirectory: conversation.WorkingDirectory,
		Profile:          profile,
		ResumeToken:      conversation.ResumeToken,
		Model:            exec.input.Model,
	})
	return nil
}

// settleUnlaunched rewrites the end state of an execution finalized
// before begin created its session row.
func (o *Orchestrator) settleUnlaunched(ctx context.Context, exec *execution, ended outcome) {
	if err := o.store.UpdateSession(ctx, exec.sessionID, store.SessionUpdate{
		Status:      ended.status,
		Error:       ended.reason,
		CompletedAt: o.clock.Now(),
	}); err != nil {
		o.logger.Error("recording session outcome", "session_id", exec.sessionID, "status", string(ended.status), "error", err)
	}
	if err := o.store.SetIsStreaming(ctx, exec.conversationID, false); err != nil {
		o.logger.Warn("clearing streaming flag", "conversation_id", exec.conversationID, "error", err)
	}
}

// abandon releases a claim whose execution never launched.
func (o *Orchestrator) abandon(exec *execution, cause error) {
	o.mu.Lock()
	if exec.finished {
		o.mu.Unlock()
		o.runs.Done()
		return
	}
	exec.finished = true
	if o.executions[exec.conversationID] == exec {
		delete(o.executions, exec.conversationID)
	}
	next := o.popLocked(exec.conversationID)
	o.mu.Unlock()
	o.runs.Done()

	o.logger.Error("execution failed to start",
		"conversation_id", exec.conversationID,
		"session_id", exec.sessionID,
		"error", cause,
	)
	ctx, cancel := o.ioContext()
	defer cancel()
	if err := o.store.SetIsStreaming(ctx, exec.conversationID, false); err != nil {
		o.logger.Warn("clearing streaming flag", "conversation_id", exec.conversationID, "error", err)
	}
	o.recordHistory(ctx, exec.conversationID, "Error: "+cause.Error())
	o.publisher.Publish(fanout.Event{
		Type:           fanout.TypeStreamingError,
		SessionID:      exec.sessionID,
		ConversationID: exec.conversationID,
		Fields: map[string]any{
			"error":       cause.Error(),
			"status":      string(store.StatusError),
			"recoverable": true,
		},
	})
	o.startClaimed(next)
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, exec *execution, request runner.Request) {
	defer o.runs.Done()
	defer cancel()

	agentRun, err := o.launcher.Launch(ctx, request)
	if err != nil {
		o.finalize(exec, o.classify(exec, runner.Result{}, err))
		return
	}
	for update := range agentRun.Updates() {
		if update.Event == nil {
			o.markActive(exec, update.PID)
			continue
		}
		o.record(exec, *update.Event)
	}
	result, err := agentRun.Wait()
	o.finalize(exec, o.classify(exec, result, err))
}

// stopRun cancels the execution's run context.
func (o *Orchestrator) stopRun(exec *execution) {
	o.mu.Lock()
	cancel := exec.cancel
	o.mu.Unlock()
	cancel()
}

func (o *Orchestrator) markActive(exec *execution, pid int) {
	exec.stateMu.Lock()
	defer exec.stateMu.Unlock()

	o.mu.Lock()
	if exec.finished {
		o.mu.Unlock()
		return
	}
	respawn := exec.pid != 0
	exec.pid = pid
	exec.lastActivity = o.clock.Now()
	exec.deadChecks = 0
	o.mu.Unlock()

	ctx, cancel := o.ioContext()
	defer cancel()
	if err := o.store.UpdateSession(ctx, exec.sessionID, store.SessionUpdate{
		Status: store.StatusActive,
		PID:    pid,
	}); err != nil {
		o.logger.Warn("marking session active", "session_id", exec.sessionID, "error", err)
	}
	o.logger.Info("agent running",
		"conversation_id", exec.conversationID,
		"session_id", exec.sessionID,
		"pid", pid,
		"respawn", respawn,
	)
}

func (o *Orchestrator) record(exec *execution, event normalize.Event) {
	exec.stateMu.Lock()
	defer exec.stateMu.Unlock()

	o.mu.Lock()
	if exec.finished {
		o.mu.Unlock()
		return
	}
	exec.lastActivity = o.clock.Now()
	o.mu.Unlock()

	if event.ResumeToken != "" {
		exec.resumeToken = event.ResumeToken
	}
	if text := normalize.AssistantText(event); text != "" {
		// ACP agents stream one message in chunks; direct agents send
		// whole messages.
		if !exec.acp && exec.assistantText.Len() > 0 {
			exec.assistantText.WriteString("\n\n")
		}
		exec.assistantText.WriteString(text)
	}
	if text := normalize.ErrorText(event); text != "" {
		exec.errorText = text
	}

	ctx, cancel := o.ioContext()
	defer cancel()
	if _, err := o.sequencer.Append(ctx, exec.sessionID, exec.conversationID, string(event.Type), event.Data); err != nil {
		o.mu.Lock()
		if exec.persistErr == nil {
			exec.persistErr = err
			exec.cancel()
		}
		o.mu.Unlock()
	}
}

// classify maps a run's end to an outcome.
func (o *Orchestrator) classify(exec *execution, result runner.Result, err error) outcome {
	exec.stateMu.Lock()
	errorText := exec.errorText
	exec.stateMu.Unlock()
	o.mu.Lock()
	persistErr := exec.persistErr
	o.mu.Unlock()

	if persistErr != nil {
		return outcome{status: store.StatusError, reason: "persisting output: " + persistErr.Error(), recoverable: true}
	}
	if err == nil && errorText == "" {
		return outcome{status: store.StatusComplete}
	}
	if errors.Is(err, context.Canceled) {
		return outcome{status: store.StatusInterrupted, reason: "interrupted", recoverable: true}
	}

	cause := err
	if cause == nil {
		cause = errors.New(errorText)
	}
	if signal, limited := ratelimit.Detect(o.clock.Now(), cause.Error(), errorText, result.Stderr); limited {
		limitErr := &ratelimit.Error{RetryAfter: signal.RetryAfter, Cause: cause}
		return outcome{status: store.StatusError, reason: limitErr.Error(), recoverable: true, rateLimit: &signal}
	}
	return outcome{status: store.StatusError, reason: cause.Error(), recoverable: true}
}

// finalize records an execution's terminal state, publishes its end
// event and hands the slot to whatever comes next. Only the first call
// for an execution has any effect.
func (o *Orchestrator) finalize(exec *execution, result outcome) {
	conversationID := exec.conversationID

	o.mu.Lock()
	if exec.finished {
		o.mu.Unlock()
		return
	}
	exec.finished = true
	exec.ended = result
	shuttingDown := o.shuttingDown
	attempt := 0
	if result.rateLimit != nil {
		attempt = o.retryCounts[conversationID] + 1
	}
	o.mu.Unlock()

	ctx, cancel := o.ioContext()
	defer cancel()

	// Waits out an in-flight append; later ones see finished.
	exec.stateMu.Lock()
	flushErr := o.sequencer.Flush(ctx)
	assistantText := exec.assistantText.String()
	resumeToken := exec.resumeToken
	exec.stateMu.Unlock()
	o.sequencer.Forget(exec.sessionID)

	o.mu.Lock()
	persistErr := exec.persistErr
	o.mu.Unlock()
	if persistErr == nil {
		persistErr = flushErr
	}
	if persistErr != nil && result.status == store.StatusComplete {
		result = outcome{status: store.StatusError, reason: "persisting output: " + persistErr.Error(), recoverable: true}
	}

	if shuttingDown {
		o.mu.Lock()
		if o.executions[conversationID] == exec {
			delete(o.executions, conversationID)
		}
		o.mu.Unlock()
		o.logger.Info("execution stopped for shutdown",
			"conversation_id", conversationID,
			"session_id", exec.sessionID,
		)
		return
	}

	permanent := result.rateLimit != nil && attempt > o.config.RateLimitRetries
	var cooldown time.Duration
	if result.rateLimit != nil && !permanent {
		cooldown = ratelimit.Cooldown(result.rateLimit.RetryAfter, attempt, o.config.RateLimitBase, o.config.RateLimitMaxCooldown)
	}

	if err := o.store.UpdateSession(ctx, exec.sessionID, store.SessionUpdate{
		Status:      result.status,
		Error:       result.reason,
		CompletedAt: o.clock.Now(),
	}); err != nil {
		o.logger.Error("recording session outcome", "session_id", exec.sessionID, "status", string(result.status), "error", err)
	}
	if resumeToken != "" {
		if err := o.store.SetResumeToken(ctx, conversationID, resumeToken); err != nil {
			o.logger.Error("saving resume token", "conversation_id", conversationID, "error", err)
		}
	}
	if err := o.store.SetIsStreaming(ctx, conversationID, false); err != nil {
		o.logger.Warn("clearing streaming flag", "conversation_id", conversationID, "error", err)
	}

	switch {
	case result.status == store.StatusComplete:
		if assistantText != "" {
			o.recordHistory(ctx, conversationID, assistantText)
		}
	case permanent:
		o.recordHistory(ctx, conversationID, fmt.Sprintf("Rate limit exceeded; giving up after %d retries", o.config.RateLimitRetries))
	case result.rateLimit != nil:
		o.recordHistory(ctx, conversationID, fmt.Sprintf("Rate limited; retrying in %s (attempt %d of %d)", cooldown, attempt, o.config.RateLimitRetries))
	case result.status == store.StatusInterrupted:
		o.recordHistory(ctx, conversationID, "Interrupted: "+result.reason)
	default:
		o.recordHistory(ctx, conversationID, "Error: "+result.reason)
	}

	logger := o.logger.With("conversation_id", conversationID, "session_id", exec.sessionID)
	if result.status == store.StatusComplete {
		logger.Info("execution complete")
		o.publisher.Publish(fanout.Event{
			Type:           fanout.TypeStreamingComplete,
			SessionID:      exec.sessionID,
			ConversationID: conversationID,
		})
	} else {
		logger.Warn("execution failed", "status", string(result.status), "reason", result.reason)
		o.publisher.Publish(fanout.Event{
			Type:           fanout.TypeStreamingError,
			SessionID:      exec.sessionID,
			ConversationID: conversationID,
			Fields: map[string]any{
				"error":       result.reason,
				"status":      string(result.status),
				"recoverable": result.recoverable && !permanent,
			},
		})
	}

	o.mu.Lock()
	if o.executions[conversationID] == exec {
		delete(o.executions, conversationID)
	}
	var next *execution
	var entry *rateLimitEntry
	if result.rateLimit != nil && !permanent {
		o.retryCounts[conversationID] = attempt
		entry = &rateLimitEntry{
			state: RateLimitState{
				ConversationID: conversationID,
				RetryAt:        o.clock.Now().Add(cooldown),
				Cooldown:       cooldown,
				RetryCount:     attempt,
			},
			input: exec.input,
		}
		o.rateLimits[conversationID] = entry
	} else {
		delete(o.retryCounts, conversationID)
		next = o.popLocked(conversationID)
	}
	o.mu.Unlock()

	if entry != nil {
		o.armRetry(entry, exec.sessionID)
	}
	o.startClaimed(next)
}

// recordHistory appends an assistant message to the conversation.
func (o *Orchestrator) recordHistory(ctx context.Context, conversationID, content string) {
	if _, err := o.store.CreateMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        content,
	}); err != nil {
		o.logger.Error("recording history message", "conversation_id", conversationID, "error", err)
	}
}
