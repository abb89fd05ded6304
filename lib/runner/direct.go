// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
)

// runDirect drives a newline-delimited JSON agent to completion.
func (r *Runner) runDirect(ctx context.Context, request Request, agent *agentProcess, run *Run) (attemptOutcome, error) {
	profile := request.Profile
	go func() {
		if profile.SupportsStdin {
			if _, err := io.WriteString(agent.stdin, request.Prompt); err != nil {
				r.logger.Warn("writing prompt to agent stdin", "agent", profile.ID, "error", err)
			}
		}
		agent.stdin.Close()
	}()

	var outcome attemptOutcome
	err := readLines(agent.stdout, readBufferSize, maxLineSize, func(line []byte) {
		if !json.Valid(line) {
			r.logger.Warn("skipping malformed agent output line",
				"agent", profile.ID,
				"pid", agent.pid,
				"line", preview(line),
			)
			return
		}

		raw := json.RawMessage(bytes.Clone(line))
		outcome.outputs = append(outcome.outputs, raw)
		outcome.produced++

		event, ok := profile.Normalize(raw)
		if !ok {
			return
		}
		if event.ResumeToken != "" {
			outcome.resumeToken = event.ResumeToken
		}
		run.send(ctx, Update{Event: &event})
	}, func(size int) {
		r.logger.Warn("skipping oversized agent output line",
			"agent", profile.ID,
			"pid", agent.pid,
			"bytes", size,
			"limit", maxLineSize,
		)
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		r.logger.Warn("agent stdout unreadable, discarding the rest",
			"agent", profile.ID,
			"pid", agent.pid,
			"error", err,
		)
		io.Copy(io.Discard, agent.stdout)
	}

	waitErr := agent.cmd.Wait()
	return outcome, exitOutcome(ctx, agent, &outcome, waitErr, false)
}

// preview shortens a line for logging.
func preview(line []byte) string {
	const limit = 256
	if len(line) > limit {
		return string(line[:limit]) + "..."
	}
	return string(line)
}
