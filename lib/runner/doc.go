// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner spawns agent CLIs and turns their stdio into a stream
// of normalized events.
//
// [Runner.Start] launches one subprocess per attempt in its own
// process group and returns a [Run]. The caller consumes
// [Run.Updates] until it is closed, then calls [Run.Wait] for the
// outcome. Updates carry the subprocess PID (sent once per spawn, so
// the caller can check liveness) and every normalized event in the
// order the agent produced it.
//
// Two wire protocols are supported, selected by the agent profile:
//
//   - Direct: the prompt goes to stdin (or the argument vector) and
//     stdout is newline-delimited JSON. Each valid line is recorded in
//     [Result.Outputs] and normalized; malformed lines are logged and
//     skipped.
//   - ACP: JSON-RPC 2.0 over stdio. The runner performs the
//     initialize, session/new (or session/load), session/set_mode,
//     and session/prompt sequence, answers the agent's fs and
//     permission requests, and forwards session/update notifications.
//     ACP agents do not exit on their own: once the prompt's response
//     arrives the runner keeps reading for a short drain window, then
//     kills the process group.
//
// An attempt that exits non-zero without producing anything is
// retried after a short backoff (see [PrematureEndError]). Failure to
// start the binary is never retried. Cancelling the context passed to
// Start kills the whole process group.
package runner
