// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs agent sessions for conversations.
//
// A conversation has at most one running execution. Input that
// arrives while one is running, or while the conversation is cooling
// down after a rate limit, waits in a per-conversation FIFO queue and
// is started when the current execution reaches a terminal state.
//
// Each execution moves through the session states
//
//	pending -> active -> complete | error | interrupted
//
// and every transition into a terminal state is finalized exactly
// once, whichever of the run goroutine, the health checker, or Cancel
// gets there first. Finalization flushes the sequencer before
// publishing streaming_complete or streaming_error, so subscribers
// always see an execution's last chunk before its end event.
//
// Rate-limited executions are retried with exponential cooldown. A
// conversation that is still rate limited after the configured number
// of retries gives up, records why in its history, and moves on to
// its queue.
//
// [Orchestrator.Recover] reconciles the store with reality after a
// restart: sessions left running are marked interrupted and
// conversations that can be resumed are re-driven.
package orchestrator
