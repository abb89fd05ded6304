// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conductor/lib/agentprofile"
	"github.com/bureau-foundation/conductor/lib/config"
	"github.com/bureau-foundation/conductor/lib/fanout"
	"github.com/bureau-foundation/conductor/lib/orchestrator"
	"github.com/bureau-foundation/conductor/lib/process"
	"github.com/bureau-foundation/conductor/lib/runner"
	"github.com/bureau-foundation/conductor/lib/sequencer"
	"github.com/bureau-foundation/conductor/lib/store"
	"github.com/bureau-foundation/conductor/lib/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("conductor", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file (default $"+config.EnvVar+")")
	listen := flags.String("listen", "", "HTTP listen address, overriding the config file")
	databasePath := flags.String("database", "", "SQLite database path, overriding the config file")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Printf("conductor %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *databasePath != "" {
		cfg.Database.Path = *databasePath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting conductor",
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"listen", cfg.Listen,
		"database", cfg.Database.Path,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	db, err := store.Open(ctx, store.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	profiles, err := loadProfiles(cfg, logger)
	if err != nil {
		return err
	}

	replay := &sequencerReplay{}
	router := fanout.New(fanout.Config{
		Logger:         logger.With("component", "fanout"),
		Replay:         replay,
		MaxQueue:       cfg.Fanout.MaxQueue,
		WriteTimeout:   cfg.Fanout.WriteTimeout.Std(),
		OriginPatterns: cfg.Fanout.AllowedOrigins,
	})
	agentRunner := runner.New(runner.Config{
		Logger:         logger.With("component", "runner"),
		DrainWindow:    cfg.Runner.DrainWindow.Std(),
		RequestTimeout: cfg.Runner.RequestTimeout.Std(),
		PromptTimeout:  cfg.Runner.PromptTimeout.Std(),
		RetryBase:      cfg.Runner.RetryBase.Std(),
		RetryCap:       cfg.Runner.RetryCap.Std(),
		MaxAttempts:    cfg.Runner.MaxAttempts,
	})
	orch, err := orchestrator.New(orchestrator.Config{
		Store:                  db,
		Publisher:              router,
		Profiles:               profiles,
		Launcher:               orchestrator.FromRunner(agentRunner),
		Logger:                 logger.With("component", "orchestrator"),
		SequencerBatchSize:     cfg.Sequencer.BatchSize,
		SequencerFlushInterval: cfg.Sequencer.FlushInterval.Std(),
		HealthInterval:         cfg.Orchestrator.HealthInterval.Std(),
		StartupTimeout:         cfg.Orchestrator.StartupTimeout.Std(),
		StuckTimeout:           cfg.Orchestrator.StuckTimeout.Std(),
		RateLimitBase:          cfg.Orchestrator.RateLimitBase.Std(),
		RateLimitMaxCooldown:   cfg.Orchestrator.RateLimitMaxCooldown.Std(),
		RateLimitRetries:       cfg.Orchestrator.RateLimitRetries,
		RecoveryStagger:        cfg.Orchestrator.RecoveryStagger.Std(),
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	replay.sequencer.Store(orch.Sequencer())

	if _, err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted sessions: %w", err)
	}
	orch.Start(ctx)

	api := &server{
		store:        db,
		orchestrator: orch,
		router:       router,
		profiles:     profiles,
		logger:       logger.With("component", "api"),
	}
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	httpServer := &http.Server{
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// WebSocket handlers outlive Shutdown; tying them to ctx ends
		// them on the signal.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	logger.Info("listening", "address", listener.Addr().String())

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving HTTP: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}

// loadProfiles builds the agent registry: built-ins, then the agents
// file, then per-agent overrides.
func loadProfiles(cfg *config.Config, logger *slog.Logger) (*agentprofile.Registry, error) {
	profiles := agentprofile.DefaultRegistry()
	if cfg.AgentsFile != "" {
		extra, err := agentprofile.LoadFile(cfg.AgentsFile)
		if err != nil {
			return nil, fmt.Errorf("loading agents file: %w", err)
		}
		for _, profile := range extra {
			if err := profiles.Register(profile); err != nil {
				return nil, fmt.Errorf("registering agent %q: %w", profile.ID, err)
			}
		}
		logger.Info("loaded agent profiles", "path", cfg.AgentsFile, "count", len(extra))
	}
	for id, override := range cfg.Agents {
		if err := profiles.Apply(id, agentprofile.Override{
			Command:   override.Command,
			ExtraArgs: override.Args,
			Env:       override.AgentEnv(),
		}); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}

// sequencerReplay lets the router be built before the orchestrator
// that owns the sequencer it replays from.
type sequencerReplay struct {
	sequencer atomic.Pointer[sequencer.Sequencer]
}

func (r *sequencerReplay) GetSince(ctx context.Context, sessionID string, after int64) ([]store.Chunk, error) {
	s := r.sequencer.Load()
	if s == nil {
		return nil, errors.New("replay is not available yet")
	}
	return s.GetSince(ctx, sessionID, after)
}
