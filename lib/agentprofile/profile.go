// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentprofile

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/bureau-foundation/conductor/lib/normalize"
)

// ErrUnknownAgent is returned for an id no profile is registered
// under.
var ErrUnknownAgent = errors.New("unknown agent")

// Protocol is the wire protocol an agent speaks on stdio.
type Protocol string

const (
	// Direct agents write one JSON object per stdout line and exit
	// when done.
	Direct Protocol = "direct"

	// ACP agents speak JSON-RPC 2.0 (Agent Client Protocol) over
	// stdin and stdout and stay running until killed.
	ACP Protocol = "acp"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == Direct || p == ACP
}

// RunOptions are the per-run inputs to BuildArgs.
type RunOptions struct {
	Prompt      string
	ResumeToken string
	Model       string
}

// Profile is the capability descriptor of one agent CLI.
type Profile struct {
	ID       string
	Name     string
	Command  string
	Protocol Protocol

	// SupportsStdin is true for direct agents that read the prompt
	// from stdin. Direct agents without it receive the prompt as
	// their final argument. ACP agents always receive it through
	// session/prompt.
	SupportsStdin bool

	// Mode is the ACP session mode requested after the session is
	// created or loaded. Empty skips session/set_mode.
	Mode string

	// Env holds extra KEY=VALUE pairs for the subprocess.
	Env []string

	// BuildArgs returns the argument vector (excluding Command).
	BuildArgs func(RunOptions) []string

	// Normalize maps one raw message (a stdout line for direct agents,
	// session/update params for ACP agents) to a common event.
	Normalize normalize.Func
}

// Validate checks that profile is usable.
func (p Profile) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("agent profile: id is required")
	case p.Command == "":
		return fmt.Errorf("agent profile %s: command is required", p.ID)
	case !p.Protocol.Valid():
		return fmt.Errorf("agent profile %s: unknown protocol %q", p.ID, p.Protocol)
	case p.BuildArgs == nil:
		return fmt.Errorf("agent profile %s: BuildArgs is required", p.ID)
	case p.Normalize == nil:
		return fmt.Errorf("agent profile %s: Normalize is required", p.ID)
	}
	return nil
}

// Override replaces parts of a registered profile. Zero fields leave
// the profile unchanged.
type Override struct {
	Command   string
	ExtraArgs []string
	Env       []string
}

// Registry resolves agent ids to profiles. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns a registry holding profiles.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	registry := &Registry{profiles: make(map[string]Profile)}
	for _, profile := range profiles {
		if err := registry.Register(profile); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register adds or replaces a profile.
func (r *Registry) Register(profile Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.ID] = profile
	return nil
}

// Lookup returns the profile for id.
func (r *Registry) Lookup(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w %q", ErrUnknownAgent, id)
	}
	return profile, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply modifies the registered profile id.
func (r *Registry) Apply(id string, override Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.profiles[id]
	if !ok {
		return fmt.Errorf("override: %w %q", ErrUnknownAgent, id)
	}
	if override.Command != "" {
		profile.Command = override.Command
	}
	if len(override.Env) > 0 {
		profile.Env = append(slices.Clone(profile.Env), override.Env...)
	}
	if len(override.ExtraArgs) > 0 {
		build := profile.BuildArgs
		extra := slices.Clone(override.ExtraArgs)
		trailingPrompt := profile.Protocol == Direct && !profile.SupportsStdin
		profile.BuildArgs = func(options RunOptions) []string {
			return insertExtra(build(options), extra, trailingPrompt, options.Prompt)
		}
	}
	r.profiles[id] = profile
	return nil
}

// insertExtra appends extra to args, keeping a trailing prompt
// argument last.
func insertExtra(args, extra []string, trailingPrompt bool, prompt string) []string {
	if trailingPrompt && len(args) > 0 && args[len(args)-1] == prompt {
		head := slices.Clone(args[:len(args)-1])
		return append(append(head, extra...), prompt)
	}
	return append(slices.Clone(args), extra...)
}
