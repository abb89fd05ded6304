// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SpawnError reports that the agent binary could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting agent %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// PrematureEndError reports an attempt that exited non-zero before
// producing any output. These are usually transient (an agent failing
// to reach its backend at startup) and are retried.
type PrematureEndError struct {
	ExitCode int
	Stderr   string
}

func (e *PrematureEndError) Error() string {
	return fmt.Sprintf("agent exited with code %d before producing output%s", e.ExitCode, stderrHint(e.Stderr))
}

// ExitError reports a non-zero exit after the agent produced output.
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("agent exited with code %d%s", e.ExitCode, stderrHint(e.Stderr))
}

// TimeoutError reports a JSON-RPC request the agent did not answer in
// time.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s not answered within %s", e.Method, e.After)
}

// ProtocolError reports agent output that violates the wire protocol.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Detail, e.Err)
	}
	return "protocol error: " + e.Detail
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error object the agent returned for one of
// our requests.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("JSON-RPC error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// stderrHint formats the last non-empty stderr line for an error
// message.
func stderrHint(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return ""
	}
	if len(last) > 200 {
		last = last[:200] + "..."
	}
	return ": " + last
}
