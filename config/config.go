//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of DWFlow.
//
// DWFlow is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// DWFlow is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with DWFlow. If not, see https://www.gnu.org/licenses/.

// Package config loads the process registry: the control store location,
// notification settings, named data connections, job definitions and
// batches. A Config is built once per invocation and passed explicitly to
// every component that needs it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/aaronlmathis/dwflow/core"
)

// Environment variables that override values from the file.
const (
	EnvStoreDriver  = "DWFLOW_STORE_DRIVER"
	EnvStoreDSN     = "DWFLOW_STORE_DSN"
	EnvSMTPPassword = "DWFLOW_SMTP_PASSWORD"
	EnvLogLevel     = "DWFLOW_LOG_LEVEL"
)

// Config is the decoded configuration file.
type Config struct {
	Environment  string                 `yaml:"environment"`
	Log          LogConfig              `yaml:"log"`
	ControlStore StoreConfig            `yaml:"control_store"`
	Email        EmailConfig            `yaml:"email"`
	Connections  map[string]Connection  `yaml:"connections"`
	Jobs         map[string]JobConfig   `yaml:"jobs"`
	Batches      map[string]BatchConfig `yaml:"batches"`

	jobErrors map[string]*core.ConfigError
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StoreConfig locates the control tables.
type StoreConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	ProcessTable string        `yaml:"process_table"`
	FileTable    string        `yaml:"file_table"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	Timezone     string        `yaml:"timezone"`
	// QueryTimeout bounds each control store statement; 0 disables it.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// LegacyStatus writes PROCESS and FAIL instead of RUNNING and FAILED,
	// for control tables shared with older loaders.
	LegacyStatus bool `yaml:"legacy_status"`
}

// EmailConfig configures the SMTP notifier.
type EmailConfig struct {
	Enabled   bool     `yaml:"enabled"`
	SMTPHost  string   `yaml:"smtp_host"`
	SMTPPort  int      `yaml:"smtp_port"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Sender    string   `yaml:"sender"`
	Receivers []string `yaml:"receivers"`
	StartTLS  *bool    `yaml:"starttls"`
}

// Connection is a named data connection used by job bodies.
type Connection struct {
	Driver    string `yaml:"driver"` // postgres, sqlite, mongodb, s3
	DSN       string `yaml:"dsn"`
	URI       string `yaml:"uri"`
	Database  string `yaml:"database"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// JobConfig is one entry of the jobs map.
type JobConfig struct {
	ProcessCode string                 `yaml:"process_code"`
	ProcessName string                 `yaml:"process_name"`
	SourceID    int64                  `yaml:"source_id"`
	Kind        string                 `yaml:"kind"`
	DependsOn   []core.Dependency      `yaml:"depends_on"`
	Params      map[string]interface{} `yaml:"params"`
}

// BatchConfig is one entry of the batches map.
type BatchConfig struct {
	Mode           string   `yaml:"mode"`
	MaxParallelism int      `yaml:"max_parallelism"`
	NotifySummary  string   `yaml:"notify_summary"`
	Jobs           []string `yaml:"jobs"`
}

// ParamsValidator checks the params of a job kind. It returns an error for
// unknown kinds.
type ParamsValidator func(kind string, params map[string]interface{}) error

// Option configures loading.
type Option func(*loadOptions)

type loadOptions struct {
	validateParams ParamsValidator
	getenv         func(string) string
}

// WithParamsValidator validates each job's params with v.
func WithParamsValidator(v ParamsValidator) Option {
	return func(o *loadOptions) { o.validateParams = v }
}

// WithEnv replaces os.Getenv for expansion and overrides.
func WithEnv(getenv func(string) string) Option {
	return func(o *loadOptions) { o.getenv = getenv }
}

// Load reads, decodes and validates the configuration at path.
func Load(path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, opts...)
}

// Parse decodes and validates configuration bytes. JSON input is accepted.
func Parse(data []byte, opts ...Option) (*Config, error) {
	o := &loadOptions{getenv: os.Getenv}
	for _, opt := range opts {
		opt(o)
	}

	expanded := os.Expand(string(data), o.getenv)

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, &core.ConfigError{Err: fmt.Errorf("failed to parse YAML: %w", err)}
	}

	cfg.applyEnv(o.getenv)
	cfg.applyDefaults()

	if err := cfg.Validate(o.validateParams); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvStoreDriver); v != "" {
		c.ControlStore.Driver = v
	}
	if v := getenv(EnvStoreDSN); v != "" {
		c.ControlStore.DSN = v
	}
	if v := getenv(EnvSMTPPassword); v != "" {
		c.Email.Password = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.ControlStore.ProcessTable == "" {
		c.ControlStore.ProcessTable = "process_log"
	}
	if c.ControlStore.FileTable == "" {
		c.ControlStore.FileTable = "file_log"
	}
	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if c.Email.StartTLS == nil {
		on := true
		c.Email.StartTLS = &on
	}
	for name, b := range c.Batches {
		if b.MaxParallelism == 0 {
			b.MaxParallelism = 4
		}
		c.Batches[name] = b
	}
}

// JobKeys returns the configured job keys in sorted order.
func (c *Config) JobKeys() []string {
	keys := make([]string, 0, len(c.Jobs))
	for k := range c.Jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BatchNames returns the configured batch names in sorted order.
func (c *Config) BatchNames() []string {
	names := make([]string, 0, len(c.Batches))
	for k := range c.Batches {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ErrJobNotConfigured is wrapped by JobDefinition for unknown keys.
var ErrJobNotConfigured = errors.New("job is not configured")

// JobDefinition returns the definition of the job with the given key. For
// a job that failed validation the definition is returned together with
// its *core.ConfigError.
func (c *Config) JobDefinition(key string) (core.JobDefinition, error) {
	jc, ok := c.Jobs[key]
	if !ok {
		return core.JobDefinition{}, &core.ConfigError{Job: key, Err: ErrJobNotConfigured}
	}
	if err := c.jobErrors[key]; err != nil {
		return jc.definition(key), err
	}
	return jc.definition(key), nil
}

// InvalidJobs returns the keys of jobs that failed validation, sorted.
func (c *Config) InvalidJobs() []string {
	keys := make([]string, 0, len(c.jobErrors))
	for _, key := range c.JobKeys() {
		if c.jobErrors[key] != nil {
			keys = append(keys, key)
		}
	}
	return keys
}

func (jc JobConfig) definition(key string) core.JobDefinition {
	deps := make([]core.Dependency, len(jc.DependsOn))
	copy(deps, jc.DependsOn)
	params := make(map[string]interface{}, len(jc.Params))
	for k, v := range jc.Params {
		params[k] = v
	}
	return core.JobDefinition{
		Key:         key,
		ProcessCode: jc.ProcessCode,
		ProcessName: jc.ProcessName,
		SourceID:    jc.SourceID,
		Kind:        jc.Kind,
		DependsOn:   deps,
		Params:      params,
	}
}

// Location returns the control store's time zone, defaulting to local time.
func (s StoreConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// NewLogger builds the configured slog logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(l.Level)}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
