// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/store"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 50 * time.Millisecond
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("sequencer closed")

// Store is the chunk persistence the sequencer writes through.
// *store.Store implements it.
type Store interface {
	CreateChunk(ctx context.Context, chunk store.Chunk) error
	CreateChunks(ctx context.Context, chunks []store.Chunk) error
	GetChunksSince(ctx context.Context, sessionID string, after int64) ([]store.Chunk, error)
	GetMaxSequence(ctx context.Context, sessionID string) (int64, error)
}

// Config configures a Sequencer.
type Config struct {
	Store  Store
	Clock  clock.Clock
	Logger *slog.Logger

	// BatchSize is the buffered chunk count that triggers an
	// immediate flush.
	BatchSize int

	// FlushInterval bounds how long a chunk waits in the buffer.
	FlushInterval time.Duration

	// OnPersisted receives every durably written chunk, in sequence
	// order per session. Calls are serialized.
	OnPersisted func([]store.Chunk)

	// OnFailed receives each chunk that could not be written.
	OnFailed func(store.Chunk, error)
}

// Sequencer is safe for concurrent use.
type Sequencer struct {
	config Config
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	// flushMu serializes flushes so persisted batches reach
	// OnPersisted in the order they were buffered. It is always
	// acquired before mu.
	flushMu sync.Mutex

	mu     sync.Mutex
	next   map[string]int64
	failed map[string]error
	buffer []store.Chunk
	timer  *clock.Timer
	closed bool
}

// New returns a Sequencer writing to config.Store.
func New(config Config) *Sequencer {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.OnPersisted == nil {
		config.OnPersisted = func([]store.Chunk) {}
	}
	if config.OnFailed == nil {
		config.OnFailed = func(store.Chunk, error) {}
	}
	return &Sequencer{
		config: config,
		store:  config.Store,
		clock:  config.Clock,
		logger: config.Logger,
		next:   make(map[string]int64),
		failed: make(map[string]error),
	}
}

// Append assigns the next sequence number of sessionID to an event
// and buffers it for persistence. The returned sequence is final even
// though the write happens later.
func (s *Sequencer) Append(ctx context.Context, sessionID, conversationID, eventType string, data json.RawMessage) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if err := s.failed[sessionID]; err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("session %s: earlier chunk not persisted: %w", sessionID, err)
	}
	next, ok := s.next[sessionID]
	if !ok {
		// Holding mu across the lookup keeps two first appends from
		// both seeding the counter.
		highest, err := s.store.GetMaxSequence(ctx, sessionID)
		if err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("seeding sequence for session %s: %w", sessionID, err)
		}
		next = highest + 1
	}
	s.next[sessionID] = next + 1

	s.buffer = append(s.buffer, store.Chunk{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Sequence:       next,
		Type:           eventType,
		Data:           data,
		CreatedAt:      s.clock.Now(),
	})
	full := len(s.buffer) >= s.config.BatchSize
	if !full && s.timer == nil {
		s.timer = s.clock.AfterFunc(s.config.FlushInterval, func() {
			s.flush(context.Background())
		})
	}
	s.mu.Unlock()

	if full {
		s.flush(ctx)
	}
	return next, nil
}

// Flush writes everything buffered and returns once OnPersisted and
// OnFailed have been called for it. The error joins every chunk
// failure.
func (s *Sequencer) Flush(ctx context.Context) error {
	return s.flush(ctx)
}

func (s *Sequencer) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := s.store.CreateChunks(ctx, batch)
	if err == nil {
		s.config.OnPersisted(batch)
		return nil
	}
	s.logger.Warn("batch chunk write failed, writing individually",
		"chunks", len(batch),
		"error", err,
	)

	var persisted []store.Chunk
	var errs []error
	for _, chunk := range batch {
		s.mu.Lock()
		poisoned := s.failed[chunk.SessionID]
		s.mu.Unlock()
		if poisoned != nil {
			err := fmt.Errorf("chunk %s/%d: earlier chunk not persisted: %w", chunk.SessionID, chunk.Sequence, poisoned)
			s.config.OnFailed(chunk, err)
			errs = append(errs, err)
			continue
		}
		if err := s.store.CreateChunk(ctx, chunk); err != nil {
			s.logger.Error("chunk write failed",
				"session_id", chunk.SessionID,
				"sequence", chunk.Sequence,
				"error", err,
			)
			s.mu.Lock()
			s.failed[chunk.SessionID] = err
			// Appends that landed while this batch was being written
			// sit past the hole and must not reach the next flush.
			stranded := s.takeBufferedLocked(chunk.SessionID)
			s.mu.Unlock()
			s.config.OnFailed(chunk, err)
			errs = append(errs, err)
			for _, later := range stranded {
				laterErr := fmt.Errorf("chunk %s/%d: earlier chunk not persisted: %w", later.SessionID, later.Sequence, err)
				s.config.OnFailed(later, laterErr)
				errs = append(errs, laterErr)
			}
			continue
		}
		persisted = append(persisted, chunk)
	}
	if len(persisted) > 0 {
		s.config.OnPersisted(persisted)
	}
	return errors.Join(errs...)
}

// takeBufferedLocked removes and returns the buffered chunks of
// sessionID.
func (s *Sequencer) takeBufferedLocked(sessionID string) []store.Chunk {
	var taken []store.Chunk
	kept := s.buffer[:0]
	for _, chunk := range s.buffer {
		if chunk.SessionID == sessionID {
			taken = append(taken, chunk)
		} else {
			kept = append(kept, chunk)
		}
	}
	s.buffer = kept
	return taken
}

// GetSince returns the chunks of sessionID with a sequence greater
// than after. Buffered chunks are flushed first so the result
// includes everything appended before the call.
func (s *Sequencer) GetSince(ctx context.Context, sessionID string, after int64) ([]store.Chunk, error) {
	if err := s.flush(ctx); err != nil {
		s.logger.Warn("flush before read reported failures", "session_id", sessionID, "error", err)
	}
	return s.store.GetChunksSince(ctx, sessionID, after)
}

// Forget drops the cached counter and failure state of sessionID.
// Call it after the session's final Flush.
func (s *Sequencer) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.next, sessionID)
	delete(s.failed, sessionID)
}

// Close flushes the buffer and rejects further appends.
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.flush(ctx)
}
