// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the pikels configuration.
//
// Values come from three layers, later ones winning:
//
//  1. the embedded defaults.yaml
//  2. an optional YAML file
//  3. PIKELS_* environment variables
//
// The result is validated before use.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/pikels/pkg/logging"
	"github.com/AleutianAI/pikels/services/pikels"
	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/telemetry"
	"github.com/AleutianAI/pikels/services/pikels/watcher"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidConfig wraps every validation and parse failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete pikels configuration.
type Config struct {
	Worker    WorkerConfig     `yaml:"worker"`
	Analysis  AnalysisConfig   `yaml:"analysis"`
	Cache     CacheConfig      `yaml:"cache"`
	Watcher   WatcherConfig    `yaml:"watcher"`
	Debug     DebugConfig      `yaml:"debug"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// WorkerConfig configures the Pike worker process.
type WorkerConfig struct {
	Command                string        `yaml:"command" validate:"required"`
	Script                 string        `yaml:"script"`
	Args                   []string      `yaml:"args"`
	Dir                    string        `yaml:"dir"`
	StartupTimeout         time.Duration `yaml:"startup_timeout" validate:"gt=0"`
	RequestTimeout         time.Duration `yaml:"request_timeout" validate:"gt=0"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	MaxConsecutiveTimeouts int           `yaml:"max_consecutive_timeouts" validate:"gte=1"`
}

// AnalysisConfig configures validation and the caches.
type AnalysisConfig struct {
	Debounce              time.Duration `yaml:"debounce" validate:"gt=0"`
	CacheMaxEntries       int           `yaml:"cache_max_entries" validate:"gte=1"`
	StaleVersionTolerance int           `yaml:"stale_version_tolerance" validate:"gte=0"`
	ValidateTimeout       time.Duration `yaml:"validate_timeout" validate:"gt=0"`
	WarmModules           []string      `yaml:"warm_modules" validate:"dive,required"`
}

// CacheConfig holds the cross-file invalidation policy.
type CacheConfig struct {
	Invalidation string `yaml:"invalidation" validate:"oneof=none dependents"`
}

// WatcherConfig configures the workspace file watcher.
type WatcherConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Debounce   time.Duration `yaml:"debounce" validate:"gt=0"`
	Extensions []string      `yaml:"extensions" validate:"min=1,dive,startswith=."`
	Ignore     []string      `yaml:"ignore"`
}

// DebugConfig configures the debug HTTP server.
type DebugConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the embedded defaults.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}
	return &cfg, nil
}

// Load builds the configuration.
//
// Description:
//
//	Starts from the embedded defaults, overlays the YAML file at path when
//	path is not empty, applies PIKELS_* environment overrides and
//	validates the result. Keys absent from the file keep their defaults.
//
// Outputs:
//
//	*Config - The validated configuration
//	error - File read errors, or ErrInvalidConfig for bad values
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// applyEnv overrides fields from PIKELS_* variables. A set but unparsable
// variable is an error.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	str("PIKELS_WORKER_COMMAND", &cfg.Worker.Command)
	str("PIKELS_WORKER_SCRIPT", &cfg.Worker.Script)
	dur("PIKELS_WORKER_STARTUP_TIMEOUT", &cfg.Worker.StartupTimeout)
	dur("PIKELS_WORKER_REQUEST_TIMEOUT", &cfg.Worker.RequestTimeout)

	dur("PIKELS_DEBOUNCE", &cfg.Analysis.Debounce)
	num("PIKELS_CACHE_MAX_ENTRIES", &cfg.Analysis.CacheMaxEntries)
	num("PIKELS_STALE_VERSION_TOLERANCE", &cfg.Analysis.StaleVersionTolerance)
	list("PIKELS_WARM_MODULES", &cfg.Analysis.WarmModules)
	str("PIKELS_INVALIDATION", &cfg.Cache.Invalidation)

	flag("PIKELS_WATCH", &cfg.Watcher.Enabled)
	str("PIKELS_DEBUG_ADDR", &cfg.Debug.Addr)

	str("PIKELS_LOG_LEVEL", &cfg.Logging.Level)
	str("PIKELS_LOG_FORMAT", &cfg.Logging.Format)
	str("PIKELS_LOG_DIR", &cfg.Logging.Dir)

	str("PIKELS_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("PIKELS_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("PIKELS_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// COMPONENT CONFIGS
// =============================================================================

// BridgeConfig returns the worker bridge configuration. The script, when
// set, is the first argument.
func (c *Config) BridgeConfig() bridge.Config {
	args := make([]string, 0, len(c.Worker.Args)+1)
	if c.Worker.Script != "" {
		args = append(args, c.Worker.Script)
	}
	args = append(args, c.Worker.Args...)

	return bridge.Config{
		Command:                c.Worker.Command,
		Args:                   args,
		Dir:                    c.Worker.Dir,
		StartupTimeout:         c.Worker.StartupTimeout,
		RequestTimeout:         c.Worker.RequestTimeout,
		ShutdownTimeout:        c.Worker.ShutdownTimeout,
		MaxConsecutiveTimeouts: c.Worker.MaxConsecutiveTimeouts,
	}
}

// ServiceConfig returns the analysis service configuration.
func (c *Config) ServiceConfig() (pikels.ServiceConfig, error) {
	policy, err := pikels.ParseInvalidationPolicy(c.Cache.Invalidation)
	if err != nil {
		return pikels.ServiceConfig{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	warm := c.Analysis.WarmModules
	if warm == nil {
		warm = []string{}
	}
	return pikels.ServiceConfig{
		DebounceWindow:        c.Analysis.Debounce,
		CacheMaxEntries:       c.Analysis.CacheMaxEntries,
		StaleVersionTolerance: c.Analysis.StaleVersionTolerance,
		Invalidation:          policy,
		WarmModules:           warm,
		ValidateTimeout:       c.Analysis.ValidateTimeout,
	}, nil
}

// WatcherOptions returns the file watcher options.
func (c *Config) WatcherOptions() watcher.Options {
	return watcher.Options{
		DebounceWindow: c.Watcher.Debounce,
		Extensions:     c.Watcher.Extensions,
		IgnorePatterns: c.Watcher.Ignore,
	}
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: "pikels",
		Format:  logging.Format(c.Logging.Format),
	}, nil
}
