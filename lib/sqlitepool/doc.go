// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the pooled SQLite database behind
// conductor's store.
//
// Every connection runs in WAL mode with synchronous=NORMAL and a
// five second busy timeout, so the sequencer's batched chunk writes
// and the HTTP handlers' reads proceed concurrently. SQLite still
// serializes writers; callers that write take an immediate
// transaction (sqlitex.ImmediateTransaction) so lock contention
// surfaces at BEGIN rather than midway through a batch.
//
// A schema script passed in [Config] is applied once, on a borrowed
// connection, before Open returns. Statements in it must be
// idempotent (CREATE ... IF NOT EXISTS).
package sqlitepool
