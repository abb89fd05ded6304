// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mockagent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Environment variables read by re-exec'd test binaries.
const (
	ModeEnv     = "CONDUCTOR_MOCK_AGENT"
	ScenarioEnv = "CONDUCTOR_MOCK_SCENARIO"

	// StateEnv names a file the "flaky" scenario uses to remember
	// that it already failed once.
	StateEnv = "CONDUCTOR_MOCK_STATE"
)

// OversizedLine is the padding the "oversized" scenario puts in one
// output line, larger than any line a runner accepts.
const OversizedLine = 5 * 1024 * 1024

// Modes.
const (
	ModeDirect = "direct"
	ModeACP    = "acp"
)

// Run plays scenario in mode and returns the process exit code.
func Run(mode, scenario string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	switch mode {
	case ModeDirect:
		return runDirect(scenario, args, stdin, stdout, stderr)
	case ModeACP:
		return runACP(scenario, stdin, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "mockagent: unknown mode %q\n", mode)
		return 64
	}
}

// Direct scenarios read the prompt from stdin (or the last argument
// when stdin is empty) and write Claude-style stream-json lines.
func runDirect(scenario string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	data, _ := io.ReadAll(stdin)
	prompt := strings.TrimSpace(string(data))
	if prompt == "" && len(args) > 0 {
		prompt = args[len(args)-1]
	}
	emit := func(v any) {
		line, _ := json.Marshal(v)
		fmt.Fprintf(stdout, "%s\n", line)
	}

	switch scenario {
	case "echo":
		echoDirect(emit, stdout, prompt)
		return 0

	case "flaky":
		path := os.Getenv(StateEnv)
		if _, err := os.Stat(path); path == "" || os.IsNotExist(err) {
			if path != "" {
				os.WriteFile(path, []byte("failed once\n"), 0o644)
			}
			fmt.Fprintln(stderr, "boom")
			return 3
		}
		echoDirect(emit, stdout, prompt)
		return 0

	case "oversized":
		emit(map[string]any{"type": "system", "subtype": "init", "session_id": "mock-session-0"})
		emit(map[string]any{"type": "assistant", "padding": strings.Repeat("x", OversizedLine)})
		echoDirect(emit, stdout, prompt)
		return 0

	case "ratelimit":
		fmt.Fprintln(stderr, "Error: 429 Too Many Requests. Retry after 30 seconds")
		return 1

	case "crash":
		emit(map[string]any{"type": "system", "subtype": "init", "session_id": "mock-session-1"})
		fmt.Fprintln(stderr, "segmentation fault")
		return 139

	case "hang":
		emit(map[string]any{"type": "system", "subtype": "init", "session_id": "mock-session-1"})
		time.Sleep(time.Hour)
		return 0

	default:
		fmt.Fprintf(stderr, "mockagent: unknown direct scenario %q\n", scenario)
		return 64
	}
}

func echoDirect(emit func(any), stdout io.Writer, prompt string) {
	emit(map[string]any{"type": "system", "subtype": "init", "session_id": "mock-session-1"})
	emit(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"type": "text", "text": "echo: " + prompt}},
		},
	})
	fmt.Fprintln(stdout, "not json")
	emit(map[string]any{
		"type":       "result",
		"subtype":    "success",
		"session_id": "mock-session-1",
		"result":     "echo: " + prompt,
	})
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// acpPeer is the agent side of an ACP connection. It is single
// threaded: requests it sends are answered before it reads the next
// client request.
type acpPeer struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p *acpPeer) write(v any) {
	line, _ := json.Marshal(v)
	fmt.Fprintf(p.out, "%s\n", line)
}

func (p *acpPeer) read() (rpcMessage, bool) {
	for p.in.Scan() {
		var message rpcMessage
		if json.Unmarshal(p.in.Bytes(), &message) == nil {
			return message, true
		}
	}
	return rpcMessage{}, false
}

func (p *acpPeer) reply(id json.RawMessage, result any) {
	p.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (p *acpPeer) update(sessionID string, update map[string]any) {
	p.write(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  map[string]any{"sessionId": sessionID, "update": update},
	})
}

func runACP(scenario string, stdin io.Reader, stdout, stderr io.Writer) int {
	if scenario == "premature" {
		fmt.Fprintln(stderr, "backend unreachable")
		return 2
	}
	switch scenario {
	case "echo", "noisy", "silent":
	default:
		fmt.Fprintf(stderr, "mockagent: unknown acp scenario %q\n", scenario)
		return 64
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	peer := &acpPeer{in: scanner, out: stdout}
	sessionID := "acp-session-1"

	for {
		message, ok := peer.read()
		if !ok {
			return 0
		}
		if scenario == "silent" {
			continue
		}
		switch message.Method {
		case "initialize":
			if scenario == "noisy" {
				fmt.Fprintln(stdout, "not json at all")
				fmt.Fprintln(stdout, `{"jsonrpc":"2.0","id":"foreign","result":{}}`)
				fmt.Fprintln(stdout, `{"jsonrpc":"2.0","id":9999,"result":{}}`)
			}
			peer.reply(message.ID, map[string]any{
				"protocolVersion":   1,
				"agentCapabilities": map[string]any{"loadSession": true},
			})
		case "session/new":
			peer.reply(message.ID, map[string]any{"sessionId": sessionID})
		case "session/load":
			var params struct {
				SessionID string `json:"sessionId"`
			}
			json.Unmarshal(message.Params, &params)
			sessionID = params.SessionID
			peer.update(sessionID, map[string]any{
				"sessionUpdate": "user_message_chunk",
				"content":       map[string]any{"type": "text", "text": "replayed history"},
			})
			peer.reply(message.ID, map[string]any{})
		case "session/set_mode":
			peer.reply(message.ID, map[string]any{})
		case "session/prompt":
			var params struct {
				Prompt []struct {
					Text string `json:"text"`
				} `json:"prompt"`
			}
			json.Unmarshal(message.Params, &params)
			prompt := ""
			if len(params.Prompt) > 0 {
				prompt = params.Prompt[0].Text
			}
			if !promptTurn(peer, sessionID, prompt) {
				return 0
			}
			peer.reply(message.ID, map[string]any{"stopReason": "end_turn"})
			peer.update(sessionID, map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]any{"type": "text", "text": "trailing"},
			})
			// Real ACP agents stay up between turns.
			for {
				if _, ok := peer.read(); !ok {
					return 0
				}
			}
		default:
			peer.write(map[string]any{
				"jsonrpc": "2.0",
				"id":      message.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})
		}
	}
}

func promptTurn(peer *acpPeer, sessionID, prompt string) bool {
	peer.update(sessionID, map[string]any{
		"sessionUpdate":     "available_commands_update",
		"availableCommands": []any{},
	})
	peer.update(sessionID, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": "echo: " + prompt},
	})
	peer.update(sessionID, map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    "call-1",
		"title":         "Read",
		"kind":          "read",
		"status":        "pending",
		"rawInput":      map[string]any{"path": "/etc/hostname"},
	})

	peer.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      "perm-1",
		"method":  "session/request_permission",
		"params": map[string]any{
			"sessionId": sessionID,
			"toolCall":  map[string]any{"toolCallId": "call-1"},
			"options": []any{
				map[string]any{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
				map[string]any{"optionId": "once", "name": "Allow once", "kind": "allow_once"},
				map[string]any{"optionId": "always", "name": "Always allow", "kind": "allow_always"},
			},
		},
	})
	response, ok := peer.read()
	if !ok {
		return false
	}
	var permission struct {
		Outcome struct {
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	json.Unmarshal(response.Result, &permission)

	peer.update(sessionID, map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    "call-1",
		"status":        "completed",
		"content": []any{map[string]any{
			"type":    "content",
			"content": map[string]any{"type": "text", "text": "permission: " + permission.Outcome.OptionID},
		}},
	})
	return true
}
