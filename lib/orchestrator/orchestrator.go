// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/conductor/lib/agentprofile"
	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/fanout"
	"github.com/bureau-foundation/conductor/lib/process"
	"github.com/bureau-foundation/conductor/lib/runner"
	"github.com/bureau-foundation/conductor/lib/sequencer"
	"github.com/bureau-foundation/conductor/lib/store"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultHealthInterval       = 30 * time.Second
	DefaultStartupTimeout       = 60 * time.Second
	DefaultStuckTimeout         = 10 * time.Minute
	DefaultRateLimitBase        = 60 * time.Second
	DefaultRateLimitMaxCooldown = 30 * time.Minute
	DefaultRateLimitRetries     = 3
	DefaultRecoveryStagger      = 2 * time.Second
)

// storeTimeout bounds store calls made outside a caller's context.
const storeTimeout = 30 * time.Second

var (
	// ErrNotRunning is returned by Cancel for a conversation with
	// nothing to cancel.
	ErrNotRunning = errors.New("conversation has no running execution")

	// ErrShuttingDown is returned by Submit after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")

	// ErrEmptyMessage is returned by Submit for blank content.
	ErrEmptyMessage = errors.New("message content is empty")
)

// Store is the persistence the orchestrator needs. *store.Store
// implements it.
type Store interface {
	sequencer.Store

	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	SetResumeToken(ctx context.Context, id, token string) error
	SetIsStreaming(ctx context.Context, id string, streaming bool) error
	GetResumableConversations(ctx context.Context, since time.Time) ([]store.Conversation, error)

	CreateSession(ctx context.Context, session store.Session) error
	UpdateSession(ctx context.Context, id string, update store.SessionUpdate) error
	ListSessionsByStatus(ctx context.Context, statuses ...store.SessionStatus) ([]store.Session, error)

	CreateMessage(ctx context.Context, message store.Message) (store.Message, error)
	LastUserMessage(ctx context.Context, conversationID string) (store.Message, error)
}

// Publisher delivers events to real-time clients. *fanout.Router
// implements it.
type Publisher interface {
	Publish(event fanout.Event)
	PublishChunks(chunks []store.Chunk)
}

// Profiles resolves agent ids. *agentprofile.Registry implements it.
type Profiles interface {
	Lookup(id string) (agentprofile.Profile, error)
}

// Launcher starts agent runs.
type Launcher interface {
	Launch(ctx context.Context, request runner.Request) (AgentRun, error)
}

// AgentRun is a started agent run. *runner.Run implements it.
type AgentRun interface {
	Updates() <-chan runner.Update
	Wait() (runner.Result, error)
}

// FromRunner adapts a Runner to a Launcher.
func FromRunner(r *runner.Runner) Launcher {
	return runnerLauncher{runner: r}
}

type runnerLauncher struct {
	runner *runner.Runner
}

func (l runnerLauncher) Launch(ctx context.Context, request runner.Request) (AgentRun, error) {
	run, err := l.runner.Start(ctx, request)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Config configures an Orchestrator.
type Config struct {
	Store     Store
	Publisher Publisher
	Profiles  Profiles
	Launcher  Launcher
	Clock     clock.Clock
	Logger    *slog.Logger

	// SequencerBatchSize and SequencerFlushInterval configure the
	// chunk sequencer the orchestrator owns.
	SequencerBatchSize     int
	SequencerFlushInterval time.Duration

	HealthInterval time.Duration
	StartupTimeout time.Duration
	StuckTimeout   time.Duration

	RateLimitBase        time.Duration
	RateLimitMaxCooldown time.Duration
	RateLimitRetries     int

	RecoveryStagger time.Duration

	// Alive, Terminate and Kill act on agent process groups. They
	// default to the lib/process implementations.
	Alive     func(pid int) bool
	Terminate func(pid int) error
	Kill      func(pid int) error
}

// QueuedMessage is user input waiting for its conversation to become
// idle.
type QueuedMessage struct {
	Content   string `json:"content"`
	AgentID   string `json:"agentId"`
	Model     string `json:"model,omitempty"`
	MessageID string `json:"messageId"`
}

// SubmitRequest is user input for a conversation. AgentID and Model
// default to the conversation's.
type SubmitRequest struct {
	Content   string `json:"content"`
	AgentID   string `json:"agentId,omitempty"`
	Model     string `json:"model,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// SubmitResult reports what Submit did with the input.
type SubmitResult struct {
	SessionID   string `json:"sessionId,omitempty"`
	MessageID   string `json:"messageId"`
	Queued      bool   `json:"queued,omitempty"`
	QueueLength int    `json:"queueLength,omitempty"`
}

// RateLimitState describes a conversation cooling down after a rate
// limit.
type RateLimitState struct {
	ConversationID string        `json:"conversationId"`
	RetryAt        time.Time     `json:"retryAt"`
	Cooldown       time.Duration `json:"cooldown"`
	RetryCount     int           `json:"retryCount"`
}

// ExecutionStatus is a snapshot of a conversation's runtime state.
type ExecutionStatus struct {
	Running      bool            `json:"running"`
	SessionID    string          `json:"sessionId,omitempty"`
	PID          int             `json:"pid,omitempty"`
	StartedAt    time.Time       `json:"startedAt,omitzero"`
	LastActivity time.Time       `json:"lastActivity,omitzero"`
	QueueLength  int             `json:"queueLength"`
	RateLimit    *RateLimitState `json:"rateLimit,omitempty"`
}

// rateLimitEntry is an installed cooldown. input is re-driven when
// timer fires.
type rateLimitEntry struct {
	state RateLimitState
	input QueuedMessage
	timer *clock.Timer
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	config    Config
	store     Store
	publisher Publisher
	profiles  Profiles
	launcher  Launcher
	clock     clock.Clock
	logger    *slog.Logger
	sequencer *sequencer.Sequencer

	// runContext parents every execution; stopRuns cancels them all.
	runContext context.Context
	stopRuns   context.CancelFunc
	runs       sync.WaitGroup

	// mu guards the maps below and the mutable fields of every
	// execution. It is never held across I/O.
	mu             sync.Mutex
	executions     map[string]*execution
	queues         map[string][]QueuedMessage
	rateLimits     map[string]*rateLimitEntry
	retryCounts    map[string]int
	recoveryTimers []*clock.Timer
	shuttingDown   bool
}

// New returns an Orchestrator. Call Start to run health checks.
func New(config Config) (*Orchestrator, error) {
	var errs []error
	if config.Store == nil {
		errs = append(errs, errors.New("orchestrator: Store is required"))
	}
	if config.Publisher == nil {
		errs = append(errs, errors.New("orchestrator: Publisher is required"))
	}
	if config.Profiles == nil {
		errs = append(errs, errors.New("orchestrator: Profiles is required"))
	}
	if config.Launcher == nil {
		errs = append(errs, errors.New("orchestrator: Launcher is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = DefaultHealthInterval
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = DefaultStartupTimeout
	}
	if config.StuckTimeout <= 0 {
		config.StuckTimeout = DefaultStuckTimeout
	}
	if config.RateLimitBase <= 0 {
		config.RateLimitBase = DefaultRateLimitBase
	}
	if config.RateLimitMaxCooldown <= 0 {
		config.RateLimitMaxCooldown = DefaultRateLimitMaxCooldown
	}
	if config.RateLimitRetries <= 0 {
		config.RateLimitRetries = DefaultRateLimitRetries
	}
	if config.RecoveryStagger <= 0 {
		config.RecoveryStagger = DefaultRecoveryStagger
	}
	if config.Alive == nil {
		config.Alive = process.Alive
	}
	if config.Terminate == nil {
		config.Terminate = process.TerminateGroup
	}
	if config.Kill == nil {
		config.Kill = process.KillGroup
	}

	runContext, stopRuns := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:      config,
		store:       config.Store,
		publisher:   config.Publisher,
		profiles:    config.Profiles,
		launcher:    config.Launcher,
		clock:       config.Clock,
		logger:      config.Logger,
		runContext:  runContext,
		stopRuns:    stopRuns,
		executions:  make(map[string]*execution),
		queues:      make(map[string][]QueuedMessage),
		rateLimits:  make(map[string]*rateLimitEntry),
		retryCounts: make(map[string]int),
	}
	o.sequencer = sequencer.New(sequencer.Config{
		Store:         config.Store,
		Clock:         config.Clock,
		Logger:        config.Logger,
		BatchSize:     config.SequencerBatchSize,
		FlushInterval: config.SequencerFlushInterval,
		OnPersisted:   config.Publisher.PublishChunks,
		OnFailed:      o.chunkFailed,
	})
	return o, nil
}

// Sequencer returns the chunk sequencer, for catch-up reads and
// fan-out replay.
func (o *Orchestrator) Sequencer() *sequencer.Sequencer {
	return o.sequencer
}

// Start runs the health check loop until ctx is done or Shutdown is
// called.
func (o *Orchestrator) Start(ctx context.Context) {
	ticker := o.clock.NewTicker(o.config.HealthInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.CheckHealth(ctx)
			case <-ctx.Done():
				return
			case <-o.runContext.Done():
				return
			}
		}
	}()
}

// Shutdown stops all executions and flushes pending chunks. Session
// rows of stopped executions are left as they are for Recover to
// reconcile on the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shuttingDown = true
	for _, entry := range o.rateLimits {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	for _, timer := range o.recoveryTimers {
		timer.Stop()
	}
	o.recoveryTimers = nil
	running := len(o.executions)
	o.mu.Unlock()

	o.logger.Info("orchestrator shutting down", "running", running)
	o.stopRuns()

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for executions: %w", ctx.Err()))
	}
	if err := o.sequencer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing chunks: %w", err))
	}
	return errors.Join(errs...)
}

// Submit persists user input and either starts an execution or
// queues the input behind the running one.
func (o *Orchestrator) Submit(ctx context.Context, conversationID string, request SubmitRequest) (SubmitResult, error) {
	if request.Content == "" {
		return SubmitResult{}, ErrEmptyMessage
	}
	o.mu.Lock()
	stopping := o.shuttingDown
	o.mu.Unlock()
	if stopping {
		return SubmitResult{}, ErrShuttingDown
	}
	conversation, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return SubmitResult{}, err
	}
	if request.AgentID == "" {
		request.AgentID = conversation.AgentID
	}
	if request.Model == "" {
		request.Model = conversation.Model
	}
	if _, err := o.profiles.Lookup(request.AgentID); err != nil {
		return SubmitResult{}, err
	}

	message, err := o.store.CreateMessage(ctx, store.Message{
		ID:             request.MessageID,
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        request.Content,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("persisting user message: %w", err)
	}
	input := QueuedMessage{
		Content:   request.Content,
		AgentID:   request.AgentID,
		Model:     request.Model,
		MessageID: message.ID,
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return SubmitResult{}, ErrShuttingDown
	}
	if o.busyLocked(conversationID) {
		o.queues[conversationID] = append(o.queues[conversationID], input)
		length := len(o.queues[conversationID])
		o.mu.Unlock()

		o.logger.Info("message queued",
			"conversation_id", conversationID,
			"message_id", message.ID,
			"queue_length", length,
		)
		o.publisher.Publish(fanout.Event{
			Type:           fanout.TypeQueueStatus,
			ConversationID: conversationID,
			Fields:         map[string]any{"queueLength": length, "messageId": message.ID},
		})
		return SubmitResult{MessageID: message.ID, Queued: true, QueueLength: length}, nil
	}
	exec := o.claimLocked(conversationID, input)
	o.mu.Unlock()

	if err := o.begin(exec); err != nil {
		o.abandon(exec, err)
		return SubmitResult{}, err
	}
	return SubmitResult{SessionID: exec.sessionID, MessageID: message.ID}, nil
}

// Cancel kills a conversation's running execution and marks it
// interrupted. A conversation cooling down after a rate limit has its
// retry cancelled instead.
func (o *Orchestrator) Cancel(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	exec := o.executions[conversationID]
	if exec == nil {
		entry, limited := o.rateLimits[conversationID]
		if !limited {
			o.mu.Unlock()
			return ErrNotRunning
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(o.rateLimits, conversationID)
		delete(o.retryCounts, conversationID)
		next := o.popLocked(conversationID)
		o.mu.Unlock()

		o.logger.Info("rate limit retry cancelled", "conversation_id", conversationID)
		o.publisher.Publish(fanout.Event{Type: fanout.TypeRateLimitClear, ConversationID: conversationID})
		o.startClaimed(next)
		return nil
	}
	pid := exec.pid
	o.mu.Unlock()

	if pid > 0 {
		if err := o.config.Kill(pid); err != nil {
			o.logger.Warn("killing agent", "conversation_id", conversationID, "pid", pid, "error", err)
		}
	}
	o.finalize(exec, outcome{
		status:      store.StatusInterrupted,
		reason:      "cancelled",
		recoverable: true,
	})
	o.stopRun(exec)
	return nil
}

// Queue returns a copy of a conversation's pending input.
func (o *Orchestrator) Queue(conversationID string) []QueuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueuedMessage(nil), o.queues[conversationID]...)
}

// Status returns a snapshot of a conversation's runtime state.
func (o *Orchestrator) Status(conversationID string) ExecutionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := ExecutionStatus{QueueLength: len(o.queues[conversationID])}
	if exec := o.executions[conversationID]; exec != nil {
		status.Running = true
		status.SessionID = exec.sessionID
		status.PID = exec.pid
		status.StartedAt = exec.startTime
		status.LastActivity = exec.lastActivity
	}
	if entry := o.rateLimits[conversationID]; entry != nil {
		state := entry.state
		status.RateLimit = &state
	}
	return status
}

// busyLocked reports whether new input for conversationID must wait.
// A non-empty queue counts as busy so input is started in order.
func (o *Orchestrator) busyLocked(conversationID string) bool {
	return o.executions[conversationID] != nil ||
		o.rateLimits[conversationID] != nil ||
		len(o.queues[conversationID]) > 0
}

// claimLocked reserves the conversation's execution slot for input.
// It returns nil during shutdown.
func (o *Orchestrator) claimLocked(conversationID string, input QueuedMessage) *execution {
	if o.shuttingDown {
		return nil
	}
	now := o.clock.Now()
	exec := &execution{
		conversationID: conversationID,
		sessionID:      uuid.NewString(),
		input:          input,
		startTime:      now,
		lastActivity:   now,
		cancel:         func() {},
	}
	o.executions[conversationID] = exec
	o.runs.Add(1)
	return exec
}

// popLocked claims the head of the queue, if any.
func (o *Orchestrator) popLocked(conversationID string) *execution {
	queue := o.queues[conversationID]
	if len(queue) == 0 || o.shuttingDown {
		return nil
	}
	input := queue[0]
	if len(queue) == 1 {
		delete(o.queues, conversationID)
	} else {
		o.queues[conversationID] = queue[1:]
	}
	return o.claimLocked(conversationID, input)
}

// startClaimed begins a claimed execution. nil is a no-op.
func (o *Orchestrator) startClaimed(exec *execution) {
	if exec == nil {
		return
	}
	o.publisher.Publish(fanout.Event{
		Type:           fanout.TypeQueueUpdated,
		ConversationID: exec.conversationID,
		Fields:         map[string]any{"queueLength": len(o.Queue(exec.conversationID))},
	})
	if err := o.begin(exec); err != nil {
		o.abandon(exec, err)
	}
}

func (o *Orchestrator) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// chunkFailed is the sequencer's OnFailed sink. The owning execution
// is stopped; it finishes with an error once its run returns.
func (o *Orchestrator) chunkFailed(chunk store.Chunk, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, exec := range o.executions {
		if exec.sessionID != chunk.SessionID {
			continue
		}
		if exec.persistErr == nil {
			exec.persistErr = err
			exec.cancel()
		}
		return
	}
}
