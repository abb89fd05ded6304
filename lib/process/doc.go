// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process collects the operating-system process handling used
// by conductor: placing agent subprocesses in their own process group,
// signalling the whole group, probing liveness, and the binary
// entrypoint error exit.
//
// Agent CLIs routinely spawn helpers (language servers, shells, MCP
// servers). Signalling only the direct child leaves those helpers
// running with inherited pipes, so every termination path here
// targets the group and falls back to the single PID only when the
// group is already gone.
package process
