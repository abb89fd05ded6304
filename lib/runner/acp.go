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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/normalize"
	"github.com/bureau-foundation/conductor/lib/process"
)

const (
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
)

// errAgentClosed is returned for requests outstanding when the agent's
// stdout ends.
var errAgentClosed = errors.New("agent closed its output")

// acpStream copies agent stdout into the SDK connection line by line.
// It drops malformed lines, responses whose id the connection could
// never have issued, and the history an agent replays during
// session/load.
type acpStream struct {
	logger *slog.Logger
	out    io.WriteCloser

	// produced counts well-formed messages received.
	produced atomic.Int64

	// replaying is set while session/load is outstanding. The first
	// response to arrive answers the load and clears it.
	replaying atomic.Bool

	// updates counts session/update notifications forwarded, and
	// updatesAtResponse is that count when the latest response was
	// forwarded.
	updates           atomic.Int64
	updatesAtResponse atomic.Int64

	closed chan struct{}
}

func newACPStream(logger *slog.Logger, out io.WriteCloser) *acpStream {
	return &acpStream{logger: logger, out: out, closed: make(chan struct{})}
}

// pump runs until stdout ends, then closes the connection's input.
func (s *acpStream) pump(stdout io.Reader) {
	defer close(s.closed)
	defer s.out.Close()

	err := readLines(stdout, readBufferSize, maxLineSize, s.forward, func(size int) {
		s.logger.Warn("dropping oversized JSON-RPC line", "bytes", size, "limit", maxLineSize)
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("agent stdout unreadable", "error", err)
	}
}

func (s *acpStream) forward(line []byte) {
	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		s.logger.Warn("dropping malformed JSON-RPC line",
			"error", &ProtocolError{Detail: "unparseable message", Err: err},
			"line", preview(line),
		)
		return
	}
	s.produced.Add(1)

	hasID := len(envelope.ID) > 0 && string(envelope.ID) != "null"
	switch {
	case envelope.Method == "" && hasID:
		if _, err := strconv.ParseInt(string(envelope.ID), 10, 64); err != nil {
			s.logger.Warn("dropping response with foreign id",
				"error", &ProtocolError{Detail: "non-numeric response id", Err: err},
				"id", string(envelope.ID),
			)
			return
		}
		s.replaying.Store(false)
		s.updatesAtResponse.Store(s.updates.Load())
	case envelope.Method == "session/update" && !hasID:
		if s.replaying.Load() {
			return
		}
		s.updates.Add(1)
	}

	message := make([]byte, 0, len(line)+1)
	message = append(append(message, line...), '\n')
	if _, err := s.out.Write(message); err != nil {
		s.logger.Debug("connection stopped reading", "error", err)
	}
}

// acpClient is the client side of an ACP connection. It serves the
// agent's fs and permission requests and turns session updates into
// normalized events.
type acpClient struct {
	normalizer normalize.Func
	emit       func(normalize.Event)
	files      fileHandler

	mu       sync.Mutex
	outputs  []json.RawMessage
	handled  int64
	progress chan struct{}
}

var _ acpsdk.Client = (*acpClient)(nil)

func newACPClient(normalizer normalize.Func, emit func(normalize.Event)) *acpClient {
	return &acpClient{
		normalizer: normalizer,
		emit:       emit,
		progress:   make(chan struct{}),
	}
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	data, err := json.Marshal(params)
	if err != nil {
		c.markHandled(nil)
		return fmt.Errorf("encoding session update: %w", err)
	}
	if event, ok := c.normalizer(data); ok {
		c.emit(event)
	}
	c.markHandled(data)
	return nil
}

func (c *acpClient) markHandled(data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if data != nil {
		c.outputs = append(c.outputs, data)
	}
	c.handled++
	close(c.progress)
	c.progress = make(chan struct{})
}

// awaitUpdates blocks until n session updates have been handled or
// deadline fires.
func (c *acpClient) awaitUpdates(n int64, deadline <-chan time.Time) {
	for {
		c.mu.Lock()
		done := c.handled >= n
		progress := c.progress
		c.mu.Unlock()
		if done {
			return
		}
		select {
		case <-progress:
		case <-deadline:
			return
		}
	}
}

func (c *acpClient) takeOutputs() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs
}

func (c *acpClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if len(params.Options) == 0 {
		return acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}, nil
	}
	chosen := choosePermission(params.Options)
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeSelected(chosen.OptionId),
	}, nil
}

func (c *acpClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	line, limit := 0, 0
	if params.Line != nil {
		line = *params.Line
	}
	if params.Limit != nil {
		limit = *params.Limit
	}
	content, err := c.files.read(params.Path, line, limit)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

func (c *acpClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if err := c.files.write(params.Path, params.Content); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

// Conductor does not advertise the terminal capability.

func (c *acpClient) CreateTerminal(context.Context, acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, errNoTerminal
}

func (c *acpClient) KillTerminalCommand(context.Context, acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, errNoTerminal
}

func (c *acpClient) TerminalOutput(context.Context, acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, errNoTerminal
}

func (c *acpClient) ReleaseTerminal(context.Context, acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, errNoTerminal
}

func (c *acpClient) WaitForTerminalExit(context.Context, acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, errNoTerminal
}

var errNoTerminal = &acpsdk.RequestError{Code: codeMethodNotFound, Message: "terminal is not supported"}

// acpSession is one attempt's ACP connection.
type acpSession struct {
	clock  clock.Clock
	logger *slog.Logger
	conn   *acpsdk.ClientSideConnection
	client *acpClient
	stream *acpStream
}

// call runs one request bounded by timeout on the runner's clock. It
// ends early when the agent's output closes. Agent JSON-RPC errors
// come back as *RPCError.
func (s *acpSession) call(ctx context.Context, method string, timeout time.Duration, request func(context.Context) error) error {
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := s.clock.AfterFunc(timeout, func() {
		cancel(&TimeoutError{Method: method, After: timeout})
	})
	defer timer.Stop()
	go func() {
		select {
		case <-s.stream.closed:
			cancel(errAgentClosed)
		case <-callCtx.Done():
		}
	}()

	err := request(callCtx)
	if err == nil {
		return nil
	}

	var timeoutErr *TimeoutError
	cause := context.Cause(callCtx)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(cause, &timeoutErr):
		return timeoutErr
	case errors.Is(cause, errAgentClosed):
		return errAgentClosed
	}
	select {
	case <-s.stream.closed:
		return fmt.Errorf("%w: %w", errAgentClosed, err)
	default:
	}
	var requestErr *acpsdk.RequestError
	if errors.As(err, &requestErr) {
		return rpcError(requestErr)
	}
	return err
}

func rpcError(requestErr *acpsdk.RequestError) *RPCError {
	converted := &RPCError{Code: requestErr.Code, Message: requestErr.Message}
	if requestErr.Data != nil {
		if data, err := json.Marshal(requestErr.Data); err == nil {
			converted.Data = data
		}
	}
	return converted
}

// runACP performs the ACP handshake and one prompt turn, then drains
// and kills the agent.
func (r *Runner) runACP(ctx context.Context, request Request, agent *agentProcess, run *Run) (attemptOutcome, error) {
	logger := r.logger.With("agent", request.Profile.ID, "pid", agent.pid)
	input, output := io.Pipe()
	stream := newACPStream(logger, output)
	client := newACPClient(request.Profile.Normalize, func(event normalize.Event) {
		run.send(ctx, Update{Event: &event})
	})
	session := &acpSession{
		clock:  r.clock,
		logger: logger,
		conn:   acpsdk.NewClientSideConnection(client, agent.stdin, input),
		client: client,
		stream: stream,
	}
	go stream.pump(agent.stdout)

	var outcome attemptOutcome
	answered, turnErr := r.promptTurn(ctx, request, session, &outcome)

	if answered {
		select {
		case <-r.clock.After(r.config.DrainWindow):
		case <-stream.closed:
		case <-ctx.Done():
		}
	}

	// The agent never exits on its own after a turn.
	if err := process.KillGroup(agent.pid); err != nil {
		logger.Warn("killing agent process group", "error", err)
	}
	waitErr := agent.cmd.Wait()
	<-stream.closed

	outcome.outputs = client.takeOutputs()
	outcome.produced = int(stream.produced.Load())

	// Unless the agent went away by itself, its exit status is our
	// kill signal.
	killedByUs := !errors.Is(turnErr, errAgentClosed)
	exitErr := exitOutcome(ctx, agent, &outcome, waitErr, killedByUs)
	switch {
	case ctx.Err() != nil:
		return outcome, exitErr
	case turnErr == nil:
		return outcome, nil
	case errors.Is(turnErr, errAgentClosed):
		// The agent died mid-handshake. Prefer the exit status, which
		// makes a silent crash retryable.
		if exitErr != nil {
			return outcome, exitErr
		}
		return outcome, &ProtocolError{Detail: "agent exited before answering", Err: turnErr}
	default:
		return outcome, turnErr
	}
}

// promptTurn runs the request sequence. answered reports whether
// session/prompt received a response (success or error), which is
// when the drain window applies.
func (r *Runner) promptTurn(ctx context.Context, request Request, session *acpSession, outcome *attemptOutcome) (answered bool, err error) {
	profile := request.Profile
	timeout := r.config.RequestTimeout

	var initialized acpsdk.InitializeResponse
	err = session.call(ctx, "initialize", timeout, func(ctx context.Context) (err error) {
		initialized, err = session.conn.Initialize(ctx, acpsdk.InitializeRequest{
			ProtocolVersion: acpsdk.ProtocolVersionNumber,
			ClientCapabilities: acpsdk.ClientCapabilities{
				Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			},
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("initialize: %w", err)
	}

	var sessionID acpsdk.SessionId
	if request.ResumeToken != "" && initialized.AgentCapabilities.LoadSession {
		session.stream.replaying.Store(true)
		err := session.call(ctx, "session/load", timeout, func(ctx context.Context) error {
			_, err := session.conn.LoadSession(ctx, acpsdk.LoadSessionRequest{
				SessionId:  acpsdk.SessionId(request.ResumeToken),
				Cwd:        request.WorkingDirectory,
				McpServers: []acpsdk.McpServer{},
			})
			return err
		})
		session.stream.replaying.Store(false)
		switch {
		case err == nil:
			sessionID = acpsdk.SessionId(request.ResumeToken)
		case ctx.Err() != nil || errors.Is(err, errAgentClosed):
			return false, fmt.Errorf("session/load: %w", err)
		default:
			session.logger.Warn("session/load failed, starting a new session", "error", err)
		}
	}
	if sessionID == "" {
		var created acpsdk.NewSessionResponse
		err := session.call(ctx, "session/new", timeout, func(ctx context.Context) (err error) {
			created, err = session.conn.NewSession(ctx, acpsdk.NewSessionRequest{
				Cwd:        request.WorkingDirectory,
				McpServers: []acpsdk.McpServer{},
			})
			return err
		})
		if err != nil {
			return false, fmt.Errorf("session/new: %w", err)
		}
		if created.SessionId == "" {
			return false, &ProtocolError{Detail: "session/new returned no sessionId"}
		}
		sessionID = created.SessionId
	}
	outcome.resumeToken = string(sessionID)

	if profile.Mode != "" {
		err := session.call(ctx, "session/set_mode", timeout, func(ctx context.Context) error {
			_, err := session.conn.SetSessionMode(ctx, acpsdk.SetSessionModeRequest{
				SessionId: sessionID,
				ModeId:    acpsdk.SessionModeId(profile.Mode),
			})
			return err
		})
		if err != nil {
			session.logger.Warn("session/set_mode failed, continuing in the default mode", "mode", profile.Mode, "error", err)
		}
	}

	var response acpsdk.PromptResponse
	err = session.call(ctx, "session/prompt", r.config.PromptTimeout, func(ctx context.Context) (err error) {
		response, err = session.conn.Prompt(ctx, acpsdk.PromptRequest{
			SessionId: sessionID,
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(request.Prompt)},
		})
		return err
	})

	// Updates sent before the response are delivered before the
	// result event.
	flush := func() {
		session.client.awaitUpdates(session.stream.updatesAtResponse.Load(), r.clock.After(r.config.DrainWindow))
	}
	var rpcErr *RPCError
	switch {
	case err == nil:
		flush()
		raw, _ := json.Marshal(response)
		session.client.emit(normalize.PromptResult(raw))
		return true, nil
	case errors.As(err, &rpcErr):
		flush()
		session.client.emit(normalize.PromptError(rpcErr.Code, rpcErr.Message, rpcErr.Data))
		return true, fmt.Errorf("session/prompt: %w", err)
	default:
		return false, fmt.Errorf("session/prompt: %w", err)
	}
}
