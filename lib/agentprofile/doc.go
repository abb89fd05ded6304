// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentprofile describes the agent CLIs conductor can drive.
//
// A [Profile] names the executable, the wire protocol it speaks
// (direct JSON lines or ACP), how the prompt is delivered, how to
// build its argument vector for a run (resume token, model), and the
// normalizer for its output. The orchestrator looks profiles up by id
// in a [Registry]; nothing about an agent is hardcoded outside its
// profile.
//
// Built-in profiles cover Claude Code and Codex (direct) and Gemini
// CLI, OpenCode, and Goose (ACP). Operators add further agents, or
// point a built-in at a different binary, through a JSONC file read
// by [LoadFile]:
//
//	[
//	  // A second Claude install with a pinned model.
//	  {
//	    "id": "claude-pinned",
//	    "command": "/opt/claude/bin/claude",
//	    "protocol": "direct",
//	    "normalizer": "claude",
//	    "supportsStdin": true,
//	    "args": ["--print", "--verbose", "--output-format", "stream-json"],
//	    "resumeArgs": ["--resume", "{resumeToken}"],
//	    "modelArgs": ["--model", "{model}"],
//	  },
//	]
package agentprofile
