// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentprofile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/conductor/lib/normalize"
)

// fileProfile is one entry of an agents file.
type fileProfile struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Command       string   `json:"command"`
	Protocol      Protocol `json:"protocol"`
	Normalizer    string   `json:"normalizer"`
	SupportsStdin bool     `json:"supportsStdin"`
	Mode          string   `json:"mode"`
	Env           []string `json:"env"`
	Args          []string `json:"args"`
	ResumeArgs    []string `json:"resumeArgs"`
	ModelArgs     []string `json:"modelArgs"`
}

// LoadFile reads agent profiles from a JSONC file holding an array of
// entries. Argument templates may reference {resumeToken}, {model},
// and {prompt}.
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agents file: %w", err)
	}
	return Parse(data)
}

// Parse decodes the JSONC agents file format described at LoadFile.
func Parse(data []byte) ([]Profile, error) {
	var entries []fileProfile
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		return nil, fmt.Errorf("parsing agents file: %w", err)
	}

	profiles := make([]Profile, 0, len(entries))
	seen := make(map[string]bool)
	for i, entry := range entries {
		profile, err := entry.profile()
		if err != nil {
			return nil, fmt.Errorf("agents file entry %d: %w", i, err)
		}
		if seen[profile.ID] {
			return nil, fmt.Errorf("agents file entry %d: duplicate id %q", i, profile.ID)
		}
		seen[profile.ID] = true
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (entry fileProfile) profile() (Profile, error) {
	protocol := entry.Protocol
	if protocol == "" {
		protocol = Direct
	}

	normalizerName := entry.Normalizer
	if normalizerName == "" {
		normalizerName = "claude"
		if protocol == ACP {
			normalizerName = "acp"
		}
	}
	var normalizer normalize.Func
	switch normalizerName {
	case "claude":
		normalizer = normalize.Claude
	case "codex":
		normalizer = normalize.Codex
	case "acp":
		normalizer = normalize.ACP(entry.ID)
	default:
		return Profile{}, fmt.Errorf("unknown normalizer %q", normalizerName)
	}

	profile := Profile{
		ID:            entry.ID,
		Name:          entry.Name,
		Command:       entry.Command,
		Protocol:      protocol,
		SupportsStdin: entry.SupportsStdin,
		Mode:          entry.Mode,
		Env:           entry.Env,
		Normalize:     normalizer,
		BuildArgs:     templateArgs(entry, protocol),
	}
	if profile.Name == "" {
		profile.Name = profile.ID
	}
	return profile, profile.Validate()
}

func templateArgs(entry fileProfile, protocol Protocol) func(RunOptions) []string {
	promptAsArgument := protocol == Direct && !entry.SupportsStdin
	return func(options RunOptions) []string {
		replacer := strings.NewReplacer(
			"{resumeToken}", options.ResumeToken,
			"{model}", options.Model,
			"{prompt}", options.Prompt,
		)
		var args []string
		expand := func(templates []string) {
			for _, template := range templates {
				args = append(args, replacer.Replace(template))
			}
		}
		expand(entry.Args)
		if options.ResumeToken != "" {
			expand(entry.ResumeArgs)
		}
		if options.Model != "" {
			expand(entry.ModelArgs)
		}
		if promptAsArgument && !mentionsPrompt(entry) {
			args = append(args, options.Prompt)
		}
		return args
	}
}

func mentionsPrompt(entry fileProfile) bool {
	for _, group := range [][]string{entry.Args, entry.ResumeArgs, entry.ModelArgs} {
		for _, arg := range group {
			if strings.Contains(arg, "{prompt}") {
				return true
			}
		}
	}
	return false
}
