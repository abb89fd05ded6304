// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bureau-foundation/conductor/lib/agentprofile"
	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/normalize"
	"github.com/bureau-foundation/conductor/lib/process"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultDrainWindow    = time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultPromptTimeout  = time.Hour
	DefaultRetryBase      = time.Second
	DefaultRetryCap       = 5 * time.Second
	DefaultMaxAttempts    = 2
	DefaultStderrLimit    = 64 * 1024
)

const (
	// maxLineSize bounds a single stdout line. Tool results
	// embedding whole files routinely exceed 64 KiB.
	readBufferSize = 64 * 1024
	maxLineSize    = 4 * 1024 * 1024

	updateBuffer = 64

	// waitDelay bounds how long Wait waits for stdio to close after
	// the agent exits, in case a stray grandchild holds the pipes.
	waitDelay = 2 * time.Second
)

// Config configures a Runner.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// DrainWindow is how long an ACP agent keeps being read after
	// the prompt's response before it is killed.
	DrainWindow time.Duration

	// RequestTimeout bounds each ACP handshake request.
	RequestTimeout time.Duration

	// PromptTimeout bounds the session/prompt request.
	PromptTimeout time.Duration

	// RetryBase and RetryCap shape the exponential backoff between
	// attempts after a premature end.
	RetryBase time.Duration
	RetryCap  time.Duration

	// MaxAttempts is the total number of attempts, including the
	// first.
	MaxAttempts int

	// StderrLimit is the number of trailing stderr bytes kept.
	StderrLimit int
}

// Runner launches agent subprocesses. It holds no per-run state and
// is safe for concurrent use.
type Runner struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Runner with defaults filled in.
func New(config Config) *Runner {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.DrainWindow <= 0 {
		config.DrainWindow = DefaultDrainWindow
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.PromptTimeout <= 0 {
		config.PromptTimeout = DefaultPromptTimeout
	}
	if config.RetryBase <= 0 {
		config.RetryBase = DefaultRetryBase
	}
	if config.RetryCap <= 0 {
		config.RetryCap = DefaultRetryCap
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.StderrLimit <= 0 {
		config.StderrLimit = DefaultStderrLimit
	}
	return &Runner{config: config, clock: config.Clock, logger: config.Logger}
}

// Request describes one agent run.
type Request struct {
	Prompt           string
	WorkingDirectory string
	Profile          agentprofile.Profile
	ResumeToken      string
	Model            string

	// Env holds extra KEY=VALUE pairs appended after the profile's.
	Env []string
}

// Update is one item of a run's progress stream. Exactly one field is
// set.
type Update struct {
	// PID is the process id of a newly spawned attempt.
	PID int

	// Event is a normalized agent event.
	Event *normalize.Event
}

// Result is the outcome of a finished run.
type Result struct {
	// Outputs holds every valid raw line (direct) or session/update
	// params (ACP) of the final attempt.
	Outputs []json.RawMessage

	// ResumeToken is the agent-side session handle, if the agent
	// revealed one.
	ResumeToken string

	// Stderr is the tail of the final attempt's stderr.
	Stderr string

	// ExitCode of the final attempt; -1 if it was killed.
	ExitCode int

	Attempts int
}

// Run is a started agent run.
type Run struct {
	updates chan Update
	done    chan struct{}

	sendMu sync.Mutex
	closed bool

	result Result
	err    error
}

// Updates returns the progress stream. It is closed when the run ends.
func (r *Run) Updates() <-chan Update { return r.updates }

// Wait blocks until the run ends and returns its outcome. The Result
// is populated even when the error is non-nil.
func (r *Run) Wait() (Result, error) {
	<-r.done
	return r.result, r.err
}

func (r *Run) send(ctx context.Context, update Update) bool {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Run) finish(result Result, err error) {
	r.sendMu.Lock()
	r.closed = true
	close(r.updates)
	r.sendMu.Unlock()
	r.result = result
	r.err = err
	close(r.done)
}

// Start spawns the first attempt and returns once it is running. A
// *SpawnError is returned directly when the binary cannot be started.
// Everything after that is reported through the Run.
func (r *Runner) Start(ctx context.Context, request Request) (*Run, error) {
	if err := request.Profile.Validate(); err != nil {
		return nil, err
	}
	if request.WorkingDirectory == "" {
		directory, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		request.WorkingDirectory = directory
	}

	agent, err := r.spawn(ctx, request)
	if err != nil {
		return nil, err
	}
	run := &Run{
		updates: make(chan Update, updateBuffer),
		done:    make(chan struct{}),
	}
	go r.supervise(ctx, request, agent, run)
	return run, nil
}

// agentProcess is one spawned attempt.
type agentProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	pid    int
}

func (r *Runner) spawn(ctx context.Context, request Request) (*agentProcess, error) {
	profile := request.Profile
	args := profile.BuildArgs(agentprofile.RunOptions{
		Prompt:      request.Prompt,
		ResumeToken: request.ResumeToken,
		Model:       request.Model,
	})

	cmd := exec.CommandContext(ctx, profile.Command, args...)
	cmd.Dir = request.WorkingDirectory
	cmd.Env = append(append(os.Environ(), profile.Env...), request.Env...)
	cmd.WaitDelay = waitDelay
	process.Isolate(cmd)

	stderr := newTailBuffer(r.config.StderrLimit)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: profile.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: profile.Command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: profile.Command, Err: err}
	}

	r.logger.Info("agent started",
		"agent", profile.ID,
		"pid", cmd.Process.Pid,
		"protocol", string(profile.Protocol),
		"resume", request.ResumeToken != "",
	)
	return &agentProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		pid:    cmd.Process.Pid,
	}, nil
}

// attemptOutcome is what one attempt produced.
type attemptOutcome struct {
	outputs     []json.RawMessage
	resumeToken string
	produced    int
	exitCode    int
}

func (r *Runner) supervise(ctx context.Context, request Request, agent *agentProcess, run *Run) {
	var result Result
	var err error
	defer func() { run.finish(result, err) }()

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		run.send(ctx, Update{PID: agent.pid})

		var outcome attemptOutcome
		switch request.Profile.Protocol {
		case agentprofile.ACP:
			outcome, err = r.runACP(ctx, request, agent, run)
		default:
			outcome, err = r.runDirect(ctx, request, agent, run)
		}
		result.Outputs = outcome.outputs
		if outcome.resumeToken != "" {
			result.ResumeToken = outcome.resumeToken
		}
		result.Stderr = agent.stderr.String()
		result.ExitCode = outcome.exitCode

		var premature *PrematureEndError
		if err == nil || !errors.As(err, &premature) || attempt >= r.config.MaxAttempts || ctx.Err() != nil {
			return
		}

		delay := r.backoff(attempt)
		r.logger.Warn("agent ended before producing output, retrying",
			"agent", request.Profile.ID,
			"exit_code", premature.ExitCode,
			"attempt", attempt,
			"delay", delay,
		)
		select {
		case <-r.clock.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		agent, err = r.spawn(ctx, request)
		if err != nil {
			return
		}
	}
}

func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.config.RetryBase
	for i := 1; i < attempt && delay < r.config.RetryCap; i++ {
		delay *= 2
	}
	return min(delay, r.config.RetryCap)
}

// exitOutcome classifies the end of an attempt from Wait's error.
// killedByUs suppresses the signal exit of a deliberate kill.
func exitOutcome(ctx context.Context, agent *agentProcess, outcome *attemptOutcome, waitErr error, killedByUs bool) error {
	outcome.exitCode = -1
	if agent.cmd.ProcessState != nil {
		outcome.exitCode = agent.cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		return fmt.Errorf("agent run cancelled: %w", context.Cause(ctx))
	}
	if waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay) || killedByUs {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return fmt.Errorf("waiting for agent: %w", waitErr)
	}
	stderr := agent.stderr.String()
	if outcome.produced == 0 {
		return &PrematureEndError{ExitCode: outcome.exitCode, Stderr: stderr}
	}
	return &ExitError{ExitCode: outcome.exitCode, Stderr: stderr}
}
