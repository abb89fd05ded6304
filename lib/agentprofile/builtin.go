// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentprofile

import "github.com/bureau-foundation/conductor/lib/normalize"

// Builtin returns the profiles conductor knows without configuration.
func Builtin() []Profile {
	return []Profile{
		{
			ID:            "claude",
			Name:          "Claude Code",
			Command:       "claude",
			Protocol:      Direct,
			SupportsStdin: true,
			BuildArgs: func(options RunOptions) []string {
				args := []string{
					"--print",
					"--verbose",
					"--output-format", "stream-json",
					"--dangerously-skip-permissions",
				}
				if options.ResumeToken != "" {
					args = append(args, "--resume", options.ResumeToken)
				}
				if options.Model != "" {
					args = append(args, "--model", options.Model)
				}
				return args
			},
			Normalize: normalize.Claude,
		},
		{
			ID:       "codex",
			Name:     "Codex",
			Command:  "codex",
			Protocol: Direct,
			BuildArgs: func(options RunOptions) []string {
				args := []string{
					"exec",
					"--json",
					"--skip-git-repo-check",
					"--dangerously-bypass-approvals-and-sandbox",
				}
				if options.Model != "" {
					args = append(args, "--model", options.Model)
				}
				if options.ResumeToken != "" {
					args = append(args, "resume", options.ResumeToken)
				}
				return append(args, options.Prompt)
			},
			Normalize: normalize.Codex,
		},
		acpProfile("gemini", "Gemini CLI", "gemini", func(options RunOptions) []string {
			args := []string{"--experimental-acp"}
			if options.Model != "" {
				args = append(args, "--model", options.Model)
			}
			return args
		}),
		acpProfile("opencode", "OpenCode", "opencode", func(RunOptions) []string {
			return []string{"acp"}
		}),
		acpProfile("goose", "Goose", "goose", func(RunOptions) []string {
			return []string{"acp"}
		}),
	}
}

func acpProfile(id, name, command string, build func(RunOptions) []string) Profile {
	return Profile{
		ID:        id,
		Name:      name,
		Command:   command,
		Protocol:  ACP,
		BuildArgs: build,
		Normalize: normalize.ACP(id),
	}
}

// DefaultRegistry returns a registry of the built-in profiles.
func DefaultRegistry() *Registry {
	registry, err := NewRegistry(Builtin()...)
	if err != nil {
		panic("agentprofile: invalid built-in profile: " + err.Error())
	}
	return registry
}
