// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is conductor's durable state: conversations, their
// sessions, the ordered event chunks each session produced, and a
// minimal message history.
//
// The chunk table is the replay log that reconnecting clients catch up
// from. Its primary key is (session_id, sequence), so a sequence can
// never be written twice for a session. Payloads larger than
// [CompressThreshold] are stored zstd-compressed with a non-zero
// encoding column; readers always receive the original JSON.
//
// All writes from a single call run on one pooled connection. Batch
// writes ([Store.CreateChunks]) are a single IMMEDIATE transaction:
// either every chunk in the batch is stored or none is.
package store
