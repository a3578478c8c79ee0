// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the engine configuration.
//
// Priority: environment (ASM_*) > file (YAML or JSON) > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianASM/services/asm/history"
	"github.com/AleutianAI/AleutianASM/services/asm/scheduler"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// configValidate is the validator instance for engine configuration.
var configValidate = validator.New()

// Config is the full engine configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Machine is the path of the machine definition to run.
	Machine string `json:"machine" yaml:"machine"`

	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Server    ServerConfig    `json:"server" yaml:"server"`
}

// SchedulerConfig contains scheduler settings.
type SchedulerConfig struct {
	MaxProcessors int    `json:"max_processors" yaml:"max_processors" validate:"gte=0,lte=4096"`
	BatchSize     int    `json:"batch_size" yaml:"batch_size" validate:"gte=1,lte=65536"`
	Mode          string `json:"mode" yaml:"mode" validate:"oneof=per-agent batch"`
	Policy        string `json:"policy" yaml:"policy" validate:"omitempty,oneof=default singleton"`
	PrintStats    bool   `json:"print_stats" yaml:"print_stats"`
}

// EngineConfig contains step driver settings.
type EngineConfig struct {
	// Steps bounds a run. Zero runs until the machine halts.
	Steps int `json:"steps" yaml:"steps" validate:"gte=0"`

	// StepsPerSecond throttles runs. Zero disables throttling.
	StepsPerSecond float64 `json:"steps_per_second" yaml:"steps_per_second" validate:"gte=0"`
	Burst          int     `json:"burst" yaml:"burst" validate:"gte=0"`

	// RunID overrides the generated run id.
	RunID string `json:"run_id" yaml:"run_id" validate:"omitempty,max=64,printascii"`
}

// HistoryConfig contains step history settings.
type HistoryConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	SyncWrites bool   `json:"sync_writes" yaml:"sync_writes"`

	// Recent is the default page size of history queries.
	Recent int `json:"recent" yaml:"recent" validate:"gte=1,lte=10000"`
}

// TelemetryConfig contains observability settings.
type TelemetryConfig struct {
	ServiceName    string  `json:"service_name" yaml:"service_name" validate:"required"`
	TraceExporter  string  `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string  `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	OTLPInsecure   bool    `json:"otlp_insecure" yaml:"otlp_insecure"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
	LogLevel       string  `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat      string  `json:"log_format" yaml:"log_format" validate:"oneof=auto text json"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Addr              string        `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			BatchSize: scheduler.DefaultBatchSize,
			Mode:      string(scheduler.ModePerAgent),
		},
		History: HistoryConfig{
			Enabled: true,
			Recent:  50,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "aleutian-asm",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPInsecure:   true,
			SampleRate:     1.0,
			LogLevel:       "info",
			LogFormat:      "auto",
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8089",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//
//	path - Path to a YAML or JSON file. Optional; a missing file is ignored.
//
// Outputs:
//
//	Config - Merged configuration.
//	error - Non-nil if the file is invalid or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv applies ASM_* overrides. Malformed numbers are errors rather
// than being ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("ASM_MACHINE", &cfg.Machine)

	integer("ASM_MAX_PROCESSORS", &cfg.Scheduler.MaxProcessors)
	integer("ASM_BATCH_SIZE", &cfg.Scheduler.BatchSize)
	str("ASM_MODE", &cfg.Scheduler.Mode)
	str("ASM_POLICY", &cfg.Scheduler.Policy)
	boolean("ASM_PRINT_STATS", &cfg.Scheduler.PrintStats)

	integer("ASM_STEPS", &cfg.Engine.Steps)
	float("ASM_STEPS_PER_SECOND", &cfg.Engine.StepsPerSecond)
	integer("ASM_BURST", &cfg.Engine.Burst)
	str("ASM_RUN_ID", &cfg.Engine.RunID)

	boolean("ASM_HISTORY_ENABLED", &cfg.History.Enabled)
	str("ASM_HISTORY_PATH", &cfg.History.Path)

	str("ASM_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("ASM_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("ASM_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	float("ASM_TRACE_SAMPLE_RATE", &cfg.Telemetry.SampleRate)
	str("ASM_LOG_LEVEL", &cfg.Telemetry.LogLevel)
	str("ASM_LOG_FORMAT", &cfg.Telemetry.LogFormat)

	str("ASM_SERVER_ADDR", &cfg.Server.Addr)

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
//
// Outputs:
//
//	error - Wraps ErrInvalidConfig, or nil.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Engine.Burst > 0 && c.Engine.StepsPerSecond == 0 {
		return fmt.Errorf("%w: engine.burst requires engine.steps_per_second", ErrInvalidConfig)
	}
	if c.Telemetry.OTLPEndpoint != "" && c.Telemetry.TraceExporter != "otlp" {
		return fmt.Errorf("%w: telemetry.otlp_endpoint is only used by the otlp trace exporter", ErrInvalidConfig)
	}
	return nil
}

// ToSchedulerConfig converts the scheduler section.
func (c Config) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxProcessors: c.Scheduler.MaxProcessors,
		BatchSize:     c.Scheduler.BatchSize,
		Mode:          scheduler.Mode(c.Scheduler.Mode),
		PrintStats:    c.Scheduler.PrintStats,
	}
}

// PolicyProvider returns the configured policy as a provider. An empty
// policy name contributes nothing, leaving the choice to other providers.
func (c Config) PolicyProvider() (scheduler.PolicyProvider, error) {
	p := scheduler.StaticProvider{Source: "config"}
	if c.Scheduler.Policy == "" {
		return p, nil
	}
	policy, err := scheduler.PolicyByName(c.Scheduler.Policy)
	if err != nil {
		return nil, err
	}
	p.Policy = policy
	return p, nil
}

// ToHistoryConfig converts the history section. An empty path keeps records
// in memory.
func (c Config) ToHistoryConfig() history.Config {
	return history.Config{
		Path:       c.History.Path,
		InMemory:   c.History.Path == "",
		SyncWrites: c.History.SyncWrites,
	}
}
