// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/config"
	"github.com/AleutianAI/AleutianASM/services/asm/engine"
	"github.com/AleutianAI/AleutianASM/services/asm/history"
	"github.com/AleutianAI/AleutianASM/services/asm/machine"
	"github.com/AleutianAI/AleutianASM/services/asm/scheduler"
	"github.com/AleutianAI/AleutianASM/services/asm/telemetry"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	machinePath string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "asmengine",
		Short:         "Run abstract state machines step by step",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML or JSON config file")
	root.PersistentFlags().StringVarP(&flags.machinePath, "machine", "m", "", "path to a machine definition (overrides config)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(newRunCmd(flags), newServeCmd(flags), newValidateCmd())
	return root
}

// loadConfig applies the global flags on top of the loaded config.
func (f *globalFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.machinePath != "" {
		cfg.Machine = f.machinePath
	}
	if f.logLevel != "" {
		cfg.Telemetry.LogLevel = f.logLevel
	}
	if cfg.Machine == "" {
		return cfg, errors.New("no machine definition: use --machine or set machine in the config")
	}
	return cfg, cfg.Validate()
}

// runtime is one wired engine with everything it owns.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	machine *machine.Machine
	storage *absstorage.MemoryStorage
	history *history.Store
	engine  *engine.Engine

	shutdownTelemetry func(context.Context) error
}

// newRuntime wires config, logging, telemetry, the machine, the history
// store and the engine. The caller must call close.
func newRuntime(ctx context.Context, cfg config.Config, logOut io.Writer) (_ *runtime, err error) {
	r := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			r.close(ctx)
		}
	}()

	r.logger, err = telemetry.NewLogger(logOut, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	if err != nil {
		return nil, err
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	tcfg.SampleRate = cfg.Telemetry.SampleRate
	if r.shutdownTelemetry, err = telemetry.Init(ctx, tcfg); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	def, err := machine.Load(cfg.Machine)
	if err != nil {
		return nil, err
	}
	if r.machine, err = machine.Build(def); err != nil {
		return nil, err
	}

	configured, err := cfg.PolicyProvider()
	if err != nil {
		return nil, err
	}
	policy, err := scheduler.ResolvePolicy(configured, r.machine.PolicyProvider())
	if err != nil {
		return nil, err
	}
	r.storage = absstorage.NewMemoryStorage()
	sched, err := scheduler.New(r.storage, r.machine, policy, cfg.ToSchedulerConfig(),
		scheduler.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithLogger(r.logger),
		engine.WithRateLimit(cfg.Engine.StepsPerSecond, cfg.Engine.Burst),
		engine.WithRunID(cfg.Engine.RunID),
	}
	if cfg.History.Enabled {
		hcfg := cfg.ToHistoryConfig()
		hcfg.Logger = r.logger.With(slog.String("component", "history"))
		if r.history, err = history.Open(hcfg); err != nil {
			sched.Dispose()
			return nil, err
		}
		opts = append(opts, engine.WithHistory(r.history))
	}
	if r.engine, err = engine.New(r.storage, sched, opts...); err != nil {
		sched.Dispose()
		return nil, err
	}
	if err := r.engine.Init(ctx); err != nil {
		return nil, fmt.Errorf("prepare initial state: %w", err)
	}

	r.logger.Info("machine loaded",
		slog.String("machine", r.machine.Name()),
		slog.String("run_id", r.engine.RunID()),
		slog.Int("rules", len(r.machine.RuleNames())),
		slog.Int("agents", len(r.machine.AgentNames())+1),
	)
	return r, nil
}

func (r *runtime) close(ctx context.Context) {
	if r.engine != nil {
		_ = r.engine.Close()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil && r.logger != nil {
			r.logger.Warn("failed to close history", slog.String("error", err.Error()))
		}
	}
	if r.shutdownTelemetry != nil {
		if err := r.shutdownTelemetry(ctx); err != nil && r.logger != nil {
			r.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
}
