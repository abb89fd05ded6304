// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mockagent

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirectEcho(t *testing.T) {
	t.Parallel()
	var stdout, stderr bytes.Buffer
	code := Run(ModeDirect, "echo", []string{"-p", "hello"}, strings.NewReader(""), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), stdout.String())
	}
	if lines[2] != "not json" {
		t.Errorf("third line = %q, want the malformed line", lines[2])
	}
	var result struct {
		Type   string `json:"type"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[3]), &result); err != nil {
		t.Fatalf("result line: %v", err)
	}
	if result.Type != "result" || result.Result != "echo: hello" {
		t.Errorf("result = %+v", result)
	}
}

func TestDirectPromptFromStdin(t *testing.T) {
	t.Parallel()
	var stdout bytes.Buffer
	Run(ModeDirect, "echo", nil, strings.NewReader("from stdin\n"), &stdout, &bytes.Buffer{})
	if !strings.Contains(stdout.String(), `"echo: from stdin"`) {
		t.Errorf("stdout does not echo the stdin prompt:\n%s", stdout.String())
	}
}

func TestDirectFlakyFailsOnce(t *testing.T) {
	state := filepath.Join(t.TempDir(), "state")
	t.Setenv(StateEnv, state)

	if code := Run(ModeDirect, "flaky", []string{"x"}, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}); code != 3 {
		t.Fatalf("first run exit code = %d, want 3", code)
	}
	if code := Run(ModeDirect, "flaky", []string{"x"}, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}); code != 0 {
		t.Fatalf("second run exit code = %d, want 0", code)
	}
}

func TestDirectRateLimit(t *testing.T) {
	t.Parallel()
	var stderr bytes.Buffer
	if code := Run(ModeDirect, "ratelimit", nil, strings.NewReader(""), &bytes.Buffer{}, &stderr); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "429") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestUnknownModeAndScenario(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct{ mode, scenario string }{
		{"smoke-signals", "echo"},
		{ModeDirect, "nope"},
		{ModeACP, "nope"},
	} {
		if code := Run(tt.mode, tt.scenario, nil, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}); code != 64 {
			t.Errorf("Run(%s, %s) = %d, want 64", tt.mode, tt.scenario, code)
		}
	}
}

func TestACPHandshake(t *testing.T) {
	t.Parallel()
	stdin := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"/work","mcpServers":[]}}`,
		`{"jsonrpc":"2.0","id":3,"method":"bogus/method","params":{}}`,
	}, "\n") + "\n"
	var stdout bytes.Buffer
	if code := Run(ModeACP, "echo", nil, strings.NewReader(stdin), &stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	var responses []map[string]json.RawMessage
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		var response map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &response); err != nil {
			t.Fatalf("response %q: %v", line, err)
		}
		responses = append(responses, response)
	}
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3", len(responses))
	}
	if !strings.Contains(string(responses[0]["result"]), `"loadSession":true`) {
		t.Errorf("initialize result = %s", responses[0]["result"])
	}
	if !strings.Contains(string(responses[1]["result"]), `"acp-session-1"`) {
		t.Errorf("session/new result = %s", responses[1]["result"])
	}
	if !strings.Contains(string(responses[2]["error"]), "-32601") {
		t.Errorf("unknown method response = %s", responses[2]["error"])
	}
}

func TestACPPremature(t *testing.T) {
	t.Parallel()
	if code := Run(ModeACP, "premature", nil, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestACPNoisyInitialize(t *testing.T) {
	t.Parallel()
	stdin := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n"
	var stdout bytes.Buffer
	Run(ModeACP, "noisy", nil, strings.NewReader(stdin), &stdout, &bytes.Buffer{})
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 4 || lines[0] != "not json at all" || !strings.Contains(lines[3], `"id":1`) {
		t.Errorf("noisy initialize output:\n%s", stdout.String())
	}
}

func TestACPSilentNeverAnswers(t *testing.T) {
	t.Parallel()
	stdin := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n"
	var stdout bytes.Buffer
	if code := Run(ModeACP, "silent", nil, strings.NewReader(stdin), &stdout, &bytes.Buffer{}); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if stdout.Len() != 0 {
		t.Errorf("silent agent wrote %q", stdout.String())
	}
}

func TestDirectOversizedLine(t *testing.T) {
	t.Parallel()
	var stdout bytes.Buffer
	Run(ModeDirect, "oversized", []string{"x"}, strings.NewReader(""), &stdout, &bytes.Buffer{})
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 6 || len(lines[1]) <= OversizedLine {
		t.Errorf("got %d lines, second of %d bytes", len(lines), len(lines[1]))
	}
}
