// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package normalize

import (
	"encoding/json"
	"strings"
	"testing"
)

// field decodes event.Data and returns the value at a dotted path.
func field(t *testing.T, event Event, path string) any {
	t.Helper()
	var value any
	if err := json.Unmarshal(event.Data, &value); err != nil {
		t.Fatalf("event data is not JSON: %v (%s)", err, event.Data)
	}
	for _, key := range strings.Split(path, ".") {
		switch typed := value.(type) {
		case map[string]any:
			value = typed[key]
		case []any:
			if key != "0" || len(typed) == 0 {
				t.Fatalf("path %s: cannot index %v with %q", path, typed, key)
			}
			value = typed[0]
		default:
			t.Fatalf("path %s: %q applied to %T", path, key, value)
		}
	}
	return value
}

func TestClaude(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		line       string
		wantType   Type
		wantToken  string
		wantVerbat bool
	}{
		{"init", `{"type":"system","subtype":"init","session_id":"abc"}`, TypeSystem, "abc", true},
		{"assistant", `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`, TypeAssistant, "", true},
		{"tool result", `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`, TypeUser, "", true},
		{"result", `{"type":"result","subtype":"success","session_id":"abc","is_error":false}`, TypeResult, "abc", true},
		{"unknown type", `{"type":"stream_event","event":{}}`, TypeSystem, "", false},
		{"missing type", `{"hello":"world"}`, TypeSystem, "", false},
		{"not an object", `[1,2,3]`, TypeSystem, "", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			event, ok := Claude(json.RawMessage(test.line))
			if !ok {
				t.Fatal("Claude dropped the line")
			}
			if event.Type != test.wantType {
				t.Errorf("Type = %s, want %s", event.Type, test.wantType)
			}
			if event.ResumeToken != test.wantToken {
				t.Errorf("ResumeToken = %q, want %q", event.ResumeToken, test.wantToken)
			}
			if test.wantVerbat && string(event.Data) != test.line {
				t.Errorf("Data = %s, want the line verbatim", event.Data)
			}
			if !test.wantVerbat && field(t, event, "raw") == nil {
				t.Errorf("fallback event lost the raw payload: %s", event.Data)
			}
		})
	}
}

func TestCodex(t *testing.T) {
	t.Parallel()

	event, ok := Codex(json.RawMessage(`{"type":"thread.started","thread_id":"th-1"}`))
	if !ok || event.Type != TypeSystem || event.ResumeToken != "th-1" {
		t.Fatalf("thread.started = %+v, %v", event, ok)
	}
	if field(t, event, "subtype") != "init" {
		t.Errorf("thread.started subtype = %v", field(t, event, "subtype"))
	}

	if _, ok := Codex(json.RawMessage(`{"type":"turn.started"}`)); ok {
		t.Error("turn.started was not dropped")
	}

	event, _ = Codex(json.RawMessage(`{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"done"}}`))
	if AssistantText(event) != "done" {
		t.Errorf("agent_message text = %q", AssistantText(event))
	}

	event, _ = Codex(json.RawMessage(`{"type":"item.completed","item":{"id":"i2","type":"reasoning","text":"thinking hard"}}`))
	if event.Type != TypeAssistant || field(t, event, "message.content.0.type") != "thinking" {
		t.Errorf("reasoning = %s", event.Data)
	}

	event, _ = Codex(json.RawMessage(`{"type":"item.started","item":{"id":"c1","type":"command_execution","command":"ls","status":"in_progress"}}`))
	if event.Type != TypeAssistant || field(t, event, "message.content.0.type") != "tool_use" {
		t.Fatalf("command start = %s", event.Data)
	}
	if field(t, event, "message.content.0.input.command") != "ls" {
		t.Errorf("command input = %s", event.Data)
	}

	event, _ = Codex(json.RawMessage(`{"type":"item.completed","item":{"id":"c1","type":"command_execution","command":"ls","aggregated_output":"a\nb","exit_code":2,"status":"failed"}}`))
	if event.Type != TypeUser || field(t, event, "message.content.0.tool_use_id") != "c1" {
		t.Fatalf("command completion = %s", event.Data)
	}
	if field(t, event, "message.content.0.is_error") != true {
		t.Errorf("failed command not marked is_error: %s", event.Data)
	}

	event, _ = Codex(json.RawMessage(`{"type":"item.completed","item":{"id":"p","type":"todo_list","items":[{"text":"a","completed":false}]}}`))
	if event.Type != TypePlan {
		t.Errorf("todo_list type = %s", event.Type)
	}

	event, _ = Codex(json.RawMessage(`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":3}}`))
	if event.Type != TypeResult || field(t, event, "usage.input_tokens") != float64(10) {
		t.Errorf("turn.completed = %s", event.Data)
	}

	event, _ = Codex(json.RawMessage(`{"type":"turn.failed","error":{"message":"429 Too Many Requests"}}`))
	if event.Type != TypeError || ErrorText(event) != "429 Too Many Requests" {
		t.Errorf("turn.failed = %s (text %q)", event.Data, ErrorText(event))
	}

	event, _ = Codex(json.RawMessage(`{"type":"error","message":"stream disconnected"}`))
	if event.Type != TypeError || ErrorText(event) != "stream disconnected" {
		t.Errorf("error = %s", event.Data)
	}
}

func TestACP(t *testing.T) {
	t.Parallel()
	normalizeACP := ACP("gemini")
	update := func(body string) json.RawMessage {
		return json.RawMessage(`{"sessionId":"s","update":` + body + `}`)
	}

	tests := []struct {
		name     string
		body     string
		wantOK   bool
		wantType Type
		check    func(t *testing.T, event Event)
	}{
		{
			name: "message chunk", body: `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello"}}`,
			wantOK: true, wantType: TypeAssistant,
			check: func(t *testing.T, event Event) {
				if AssistantText(event) != "hello" {
					t.Errorf("text = %q", AssistantText(event))
				}
			},
		},
		{
			name: "thought", body: `{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"hmm"}}`,
			wantOK: true, wantType: TypeAssistant,
			check: func(t *testing.T, event Event) {
				if field(t, event, "message.content.0.thinking") != "hmm" {
					t.Errorf("thinking = %s", event.Data)
				}
				if AssistantText(event) != "" {
					t.Error("thinking counted as assistant text")
				}
			},
		},
		{
			name: "user chunk", body: `{"sessionUpdate":"user_message_chunk","content":{"type":"text","text":"q"}}`,
			wantOK: true, wantType: TypeUser,
		},
		{
			name: "tool call from title", body: `{"sessionUpdate":"tool_call","toolCallId":"t1","title":"Read file","kind":"read","rawInput":{"path":"/a"}}`,
			wantOK: true, wantType: TypeAssistant,
			check: func(t *testing.T, event Event) {
				if field(t, event, "message.content.0.name") != "Read file" {
					t.Errorf("name = %v", field(t, event, "message.content.0.name"))
				}
				if field(t, event, "message.content.0.input.path") != "/a" {
					t.Errorf("input = %s", event.Data)
				}
				if field(t, event, "message.content.0.agent") != "gemini" {
					t.Errorf("agent = %v", field(t, event, "message.content.0.agent"))
				}
			},
		},
		{
			name: "tool call from kind", body: `{"sessionUpdate":"tool_call","toolCallId":"t2","kind":"execute"}`,
			wantOK: true, wantType: TypeAssistant,
			check: func(t *testing.T, event Event) {
				if field(t, event, "message.content.0.name") != "execute" {
					t.Errorf("name = %v", field(t, event, "message.content.0.name"))
				}
			},
		},
		{
			name: "tool call unnamed", body: `{"sessionUpdate":"tool_call","toolCallId":"t3"}`,
			wantOK: true, wantType: TypeAssistant,
			check: func(t *testing.T, event Event) {
				if field(t, event, "message.content.0.name") != "tool" {
					t.Errorf("name = %v", field(t, event, "message.content.0.name"))
				}
			},
		},
		{
			name: "tool failed", body: `{"sessionUpdate":"tool_call_update","toolCallId":"t1","status":"failed","content":[{"type":"content","content":{"type":"text","text":"denied"}}]}`,
			wantOK: true, wantType: TypeUser,
			check: func(t *testing.T, event Event) {
				if field(t, event, "message.content.0.is_error") != true {
					t.Errorf("is_error missing: %s", event.Data)
				}
				if field(t, event, "message.content.0.content") != "denied" {
					t.Errorf("content = %v", field(t, event, "message.content.0.content"))
				}
			},
		},
		{
			name: "tool in progress", body: `{"sessionUpdate":"tool_call_update","toolCallId":"t1","status":"in_progress"}`,
			wantOK: true, wantType: TypeToolStatus,
		},
		{
			name: "usage", body: `{"sessionUpdate":"usage_update","used":1200,"size":200000}`,
			wantOK: true, wantType: TypeUsage,
		},
		{
			name: "plan", body: `{"sessionUpdate":"plan","entries":[{"content":"step","status":"pending"}]}`,
			wantOK: true, wantType: TypePlan,
		},
		{name: "commands", body: `{"sessionUpdate":"available_commands_update","availableCommands":[]}`, wantOK: false},
		{name: "mode", body: `{"sessionUpdate":"current_mode_update","currentModeId":"code"}`, wantOK: false},
		{
			name: "unknown", body: `{"sessionUpdate":"config_changed","value":1}`,
			wantOK: true, wantType: TypeSystem,
			check: func(t *testing.T, event Event) {
				if field(t, event, "subtype") != "config_changed" || field(t, event, "raw.value") != float64(1) {
					t.Errorf("fallback = %s", event.Data)
				}
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			event, ok := normalizeACP(update(test.body))
			if ok != test.wantOK {
				t.Fatalf("ok = %v, want %v", ok, test.wantOK)
			}
			if !ok {
				return
			}
			if event.Type != test.wantType {
				t.Errorf("Type = %s, want %s", event.Type, test.wantType)
			}
			if test.check != nil {
				test.check(t, event)
			}
		})
	}
}

func TestNormalizersAreTotal(t *testing.T) {
	t.Parallel()
	inputs := []string{``, `null`, `"str"`, `42`, `{`, `{"type":7}`, `{"update":"x"}`, `{"type":"item.completed","item":5}`}
	for _, input := range inputs {
		for name, normalizer := range map[string]Func{"claude": Claude, "codex": Codex, "acp": ACP("a")} {
			event, ok := normalizer(json.RawMessage(input))
			if ok && !json.Valid(event.Data) {
				t.Errorf("%s(%q) produced invalid JSON data %q", name, input, event.Data)
			}
		}
	}
}

func TestPromptResultAndError(t *testing.T) {
	t.Parallel()
	event := PromptResult(json.RawMessage(`{"stopReason":"max_tokens"}`))
	if event.Type != TypeResult || field(t, event, "subtype") != "max_tokens" {
		t.Errorf("PromptResult = %s", event.Data)
	}
	event = PromptError(-32000, "rate limit exceeded", nil)
	if event.Type != TypeError || ErrorText(event) != "rate limit exceeded" {
		t.Errorf("PromptError = %s", event.Data)
	}
}

func TestContentText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  string
	}{
		{`{"type":"text","text":"a"}`, "a"},
		{`{"content":{"type":"text","text":"nested"}}`, "nested"},
		{`[{"type":"text","text":"x"},{"type":"text","text":"y"}]`, "xy"},
		{`"plain"`, "plain"},
		{`null`, ""},
		{``, ""},
		{`{"type":"diff","path":"/f","newText":"n"}`, `{"type":"diff","path":"/f","newText":"n"}`},
		{`17`, "17"},
	}
	for _, test := range tests {
		if got := ContentText(json.RawMessage(test.input)); got != test.want {
			t.Errorf("ContentText(%s) = %q, want %q", test.input, got, test.want)
		}
	}
}
