// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package normalize converts each agent's native output into
// conductor's common event schema.
//
// Every supported agent produces one of three vocabularies: Claude
// stream-json lines, Codex `exec --json` lines, or ACP session/update
// notifications. A [Func] maps one raw message to at most one [Event].
// Normalizers are pure and total: unknown shapes become a system
// event carrying the raw payload, so nothing an agent says is lost.
// The only messages dropped (ok=false) are housekeeping with no value
// to a reader, such as Codex turn.started or ACP
// available_commands_update.
//
// Event data is itself Claude-shaped ({"type":"assistant","message":
// {"role":"assistant","content":[...]}}). Claude output therefore
// passes through unchanged and clients render every agent with one
// code path.
package normalize
