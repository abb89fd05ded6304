// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentprofile

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestBuiltinProfiles(t *testing.T) {
	t.Parallel()
	registry := DefaultRegistry()

	want := []string{"claude", "codex", "gemini", "goose", "opencode"}
	if got := registry.IDs(); !slices.Equal(got, want) {
		t.Fatalf("IDs = %v, want %v", got, want)
	}

	claude, err := registry.Lookup("claude")
	if err != nil {
		t.Fatal(err)
	}
	if claude.Protocol != Direct || !claude.SupportsStdin {
		t.Errorf("claude = %+v, want direct with stdin", claude)
	}
	args := claude.BuildArgs(RunOptions{Prompt: "hi", ResumeToken: "sess", Model: "opus"})
	joined := strings.Join(args, " ")
	for _, fragment := range []string{"--output-format stream-json", "--resume sess", "--model opus"} {
		if !strings.Contains(joined, fragment) {
			t.Errorf("claude args %q missing %q", joined, fragment)
		}
	}
	if slices.Contains(args, "hi") {
		t.Error("claude received the prompt as an argument")
	}

	codex, _ := registry.Lookup("codex")
	args = codex.BuildArgs(RunOptions{Prompt: "do it", ResumeToken: "th-1"})
	if args[len(args)-1] != "do it" {
		t.Errorf("codex prompt is not the last argument: %v", args)
	}
	if !strings.Contains(strings.Join(args, " "), "resume th-1") {
		t.Errorf("codex args %v missing resume", args)
	}

	gemini, _ := registry.Lookup("gemini")
	if gemini.Protocol != ACP {
		t.Errorf("gemini protocol = %s", gemini.Protocol)
	}
	if slices.Contains(gemini.BuildArgs(RunOptions{Prompt: "x"}), "x") {
		t.Error("ACP profile received the prompt as an argument")
	}

	if _, err := registry.Lookup("nope"); !errors.Is(err, ErrUnknownAgent) {
		t.Error("Lookup of unknown agent succeeded")
	}
}

func TestApplyOverride(t *testing.T) {
	t.Parallel()
	registry := DefaultRegistry()
	if err := registry.Apply("codex", Override{
		Command:   "/usr/local/bin/codex",
		ExtraArgs: []string{"--profile", "work"},
		Env:       []string{"CODEX_HOME=/tmp/codex"},
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	codex, _ := registry.Lookup("codex")
	if codex.Command != "/usr/local/bin/codex" {
		t.Errorf("Command = %q", codex.Command)
	}
	args := codex.BuildArgs(RunOptions{Prompt: "task"})
	if args[len(args)-1] != "task" || args[len(args)-3] != "--profile" {
		t.Errorf("args = %v, want extra args before the trailing prompt", args)
	}
	if !slices.Contains(codex.Env, "CODEX_HOME=/tmp/codex") {
		t.Errorf("Env = %v", codex.Env)
	}

	if err := registry.Apply("missing", Override{Command: "x"}); err == nil {
		t.Error("Apply to an unknown agent succeeded")
	}
}

func TestParseAgentsFile(t *testing.T) {
	t.Parallel()
	profiles, err := Parse([]byte(`[
		// Direct agent taking the prompt as an argument.
		{
			"id": "aider",
			"command": "aider-json",
			"args": ["--json", "--message", "{prompt}"],
			"resumeArgs": ["--restore", "{resumeToken}"],
		},
		/* ACP agent with a mode. */
		{"id": "kiro", "command": "kiro", "protocol": "acp", "mode": "autopilot"},
	]`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}

	aider := profiles[0]
	if aider.Protocol != Direct || aider.Name != "aider" {
		t.Errorf("aider = %+v", aider)
	}
	args := aider.BuildArgs(RunOptions{Prompt: "fix", ResumeToken: "r1"})
	want := []string{"--json", "--message", "fix", "--restore", "r1"}
	if !slices.Equal(args, want) {
		t.Errorf("aider args = %v, want %v", args, want)
	}

	kiro := profiles[1]
	if kiro.Protocol != ACP || kiro.Mode != "autopilot" || kiro.Normalize == nil {
		t.Errorf("kiro = %+v", kiro)
	}
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	t.Parallel()
	for name, input := range map[string]string{
		"missing command": `[{"id":"a"}]`,
		"bad protocol":    `[{"id":"a","command":"a","protocol":"grpc"}]`,
		"bad normalizer":  `[{"id":"a","command":"a","normalizer":"xml"}]`,
		"duplicate id":    `[{"id":"a","command":"a"},{"id":"a","command":"b"}]`,
		"not an array":    `{"id":"a"}`,
	} {
		if _, err := Parse([]byte(input)); err == nil {
			t.Errorf("%s: Parse succeeded", name)
		}
	}
}
