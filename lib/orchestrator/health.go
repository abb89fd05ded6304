// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/conductor/lib/store"
)

// deadChecksToReclaim is how many consecutive failed liveness checks
// reclaim an execution. A single miss can be a respawn between
// attempts.
const deadChecksToReclaim = 2

type healthSnapshot struct {
	exec         *execution
	pid          int
	startTime    time.Time
	lastActivity time.Time
}

// CheckHealth reclaims executions whose agent never started, died
// without the run noticing, or stopped producing output. Start calls
// it every HealthInterval.
func (o *Orchestrator) CheckHealth(ctx context.Context) {
	now := o.clock.Now()

	o.mu.Lock()
	snapshots := make([]healthSnapshot, 0, len(o.executions))
	for _, exec := range o.executions {
		if exec.finished {
			continue
		}
		snapshots = append(snapshots, healthSnapshot{
			exec:         exec,
			pid:          exec.pid,
			startTime:    exec.startTime,
			lastActivity: exec.lastActivity,
		})
	}
	o.mu.Unlock()

	for _, snapshot := range snapshots {
		if ctx.Err() != nil {
			return
		}
		exec := snapshot.exec
		switch {
		case snapshot.pid == 0:
			if now.Sub(snapshot.startTime) < o.config.StartupTimeout {
				continue
			}
			o.reclaim(exec, 0, fmt.Sprintf("timeout: agent did not start within %s", o.config.StartupTimeout))

		case !o.config.Alive(snapshot.pid):
			o.mu.Lock()
			exec.deadChecks++
			checks := exec.deadChecks
			o.mu.Unlock()
			if checks < deadChecksToReclaim {
				o.logger.Debug("agent process not found",
					"conversation_id", exec.conversationID,
					"pid", snapshot.pid,
				)
				continue
			}
			o.reclaim(exec, 0, fmt.Sprintf("agent process %d exited unexpectedly", snapshot.pid))

		case now.Sub(snapshot.lastActivity) >= o.config.StuckTimeout:
			o.reclaim(exec, snapshot.pid, fmt.Sprintf("timeout: no activity for %s", o.config.StuckTimeout))

		default:
			o.mu.Lock()
			exec.deadChecks = 0
			o.mu.Unlock()
		}
	}
}

// reclaim ends an unhealthy execution with an error. A positive pid is
// sent SIGTERM first.
func (o *Orchestrator) reclaim(exec *execution, pid int, reason string) {
	o.logger.Warn("reclaiming unhealthy execution",
		"conversation_id", exec.conversationID,
		"session_id", exec.sessionID,
		"reason", reason,
	)
	if pid > 0 {
		if err := o.config.Terminate(pid); err != nil {
			o.logger.Warn("terminating agent", "pid", pid, "error", err)
		}
	}
	o.finalize(exec, outcome{status: store.StatusError, reason: reason, recoverable: true})
	o.stopRun(exec)
}
