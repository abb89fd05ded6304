// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sequencer assigns per-session sequence numbers to agent
// events and persists them in batches.
//
// Sequences are contiguous from zero within a session. A session's
// counter is seeded from the store on its first append, so a session
// resumed after a restart continues where it left off.
//
// Persisted chunks leave the sequencer through a single callback,
// [Config.OnPersisted], in sequence order. Publishing from that
// callback, and only from it, guarantees that a subscriber never sees
// an event the store does not yet hold. A chunk the store rejects is
// reported through [Config.OnFailed] and the session is poisoned:
// further appends fail rather than leave a hole in the sequence.
package sequencer
