// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] reads.
const EnvVar = "CONDUCTOR_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses strings such as "1m30s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string such as \"30s\"", node.Line)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for conductor.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Listen is the HTTP listen address for the API and WebSocket.
	Listen string `yaml:"listen"`

	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Runner       RunnerConfig       `yaml:"runner"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Sequencer    SequencerConfig    `yaml:"sequencer"`
	Fanout       FanoutConfig       `yaml:"fanout"`

	// Agents overrides built-in agent profiles by id.
	Agents map[string]AgentOverride `yaml:"agents"`

	// AgentsFile is an optional JSONC file of additional agent
	// profiles.
	AgentsFile string `yaml:"agents_file"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Logging *LoggingConfig `yaml:"logging,omitempty"`
	Fanout  *FanoutConfig  `yaml:"fanout,omitempty"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file. Its directory is created by
	// EnsurePaths.
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections. Zero uses the
	// pool default.
	PoolSize int `yaml:"pool_size"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// RunnerConfig configures agent subprocess execution.
type RunnerConfig struct {
	DrainWindow    Duration `yaml:"drain_window"`
	RequestTimeout Duration `yaml:"request_timeout"`
	PromptTimeout  Duration `yaml:"prompt_timeout"`
	RetryBase      Duration `yaml:"retry_base"`
	RetryCap       Duration `yaml:"retry_cap"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// OrchestratorConfig configures execution supervision.
type OrchestratorConfig struct {
	HealthInterval       Duration `yaml:"health_interval"`
	StartupTimeout       Duration `yaml:"startup_timeout"`
	StuckTimeout         Duration `yaml:"stuck_timeout"`
	RateLimitBase        Duration `yaml:"rate_limit_base"`
	RateLimitMaxCooldown Duration `yaml:"rate_limit_max_cooldown"`
	RateLimitRetries     int      `yaml:"rate_limit_retries"`
	RecoveryStagger      Duration `yaml:"recovery_stagger"`
}

// SequencerConfig configures chunk batching.
type SequencerConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// FanoutConfig configures real-time client delivery.
type FanoutConfig struct {
	// MaxQueue is the per-client backlog that triggers a disconnect.
	MaxQueue int `yaml:"max_queue"`

	WriteTimeout Duration `yaml:"write_timeout"`

	// AllowedOrigins are host patterns accepted for cross-origin
	// WebSocket upgrades.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AgentOverride adjusts a built-in agent profile.
type AgentOverride struct {
	// Command replaces the executable.
	Command string `yaml:"command"`

	// Args are appended to the profile's arguments.
	Args []string `yaml:"args"`

	// Env holds extra KEY=VALUE entries for the agent process.
	Env map[string]string `yaml:"env"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Listen:      "127.0.0.1:8420",
		Database: DatabaseConfig{
			Path: filepath.Join(homeDir, ".local", "share", "conductor", "conductor.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the CONDUCTOR_CONFIG environment
// variable. There is no fallback when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your conductor.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values; the only expansion is ${HOME} and
// similar variables in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: machine-readable logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Logging != nil {
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
	}

	if overrides.Fanout != nil {
		if overrides.Fanout.MaxQueue != 0 {
			c.Fanout.MaxQueue = overrides.Fanout.MaxQueue
		}
		if overrides.Fanout.WriteTimeout != 0 {
			c.Fanout.WriteTimeout = overrides.Fanout.WriteTimeout
		}
		if overrides.Fanout.AllowedOrigins != nil {
			c.Fanout.AllowedOrigins = overrides.Fanout.AllowedOrigins
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Database.Path = expandVars(c.Database.Path, vars)
	c.AgentsFile = expandVars(c.AgentsFile, vars)
	for id, override := range c.Agents {
		override.Command = expandVars(override.Command, vars)
		c.Agents[id] = override
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.PoolSize < 0 {
		errs = append(errs, errors.New("database.pool_size must not be negative"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", levels))
	}
	formats := []string{"json", "text"}
	if !slices.Contains(formats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", formats))
	}

	durations := map[string]Duration{
		"runner.drain_window":                  c.Runner.DrainWindow,
		"runner.request_timeout":               c.Runner.RequestTimeout,
		"runner.prompt_timeout":                c.Runner.PromptTimeout,
		"runner.retry_base":                    c.Runner.RetryBase,
		"runner.retry_cap":                     c.Runner.RetryCap,
		"orchestrator.health_interval":         c.Orchestrator.HealthInterval,
		"orchestrator.startup_timeout":         c.Orchestrator.StartupTimeout,
		"orchestrator.stuck_timeout":           c.Orchestrator.StuckTimeout,
		"orchestrator.rate_limit_base":         c.Orchestrator.RateLimitBase,
		"orchestrator.rate_limit_max_cooldown": c.Orchestrator.RateLimitMaxCooldown,
		"orchestrator.recovery_stagger":        c.Orchestrator.RecoveryStagger,
		"sequencer.flush_interval":             c.Sequencer.FlushInterval,
		"fanout.write_timeout":                 c.Fanout.WriteTimeout,
	}
	for _, name := range sortedKeys(durations) {
		if durations[name] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	counts := map[string]int{
		"runner.max_attempts":             c.Runner.MaxAttempts,
		"orchestrator.rate_limit_retries": c.Orchestrator.RateLimitRetries,
		"sequencer.batch_size":            c.Sequencer.BatchSize,
		"fanout.max_queue":                c.Fanout.MaxQueue,
	}
	for _, name := range sortedKeys(counts) {
		if counts[name] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Runner.RetryCap > 0 && c.Runner.RetryCap < c.Runner.RetryBase {
		errs = append(errs, errors.New("runner.retry_cap must not be below runner.retry_base"))
	}

	for _, id := range sortedKeys(c.Agents) {
		for key := range c.Agents[id].Env {
			if key == "" || strings.Contains(key, "=") {
				errs = append(errs, fmt.Errorf("agents.%s.env: invalid variable name %q", id, key))
			}
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the database directory if it doesn't exist.
func (c *Config) EnsurePaths() error {
	dir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

// AgentEnv returns an override's environment as sorted KEY=VALUE
// entries.
func (o AgentOverride) AgentEnv() []string {
	env := make([]string, 0, len(o.Env))
	for _, key := range sortedKeys(o.Env) {
		env = append(env, key+"="+o.Env[key])
	}
	return env
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
