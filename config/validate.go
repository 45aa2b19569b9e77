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

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dag"
	"github.com/aaronlmathis/dwflow/dbconn"
)

var connectionDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"mongodb":  true,
	"s3":       true,
}

// Validate checks the whole configuration and reports every problem of
// the global sections and batches at once. Problems of a single job are
// recorded against that job instead, so that the other jobs stay runnable;
// JobDefinition returns them. validateParams may be nil.
func (c *Config) Validate(validateParams ParamsValidator) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		add("log.level: unknown level %q", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		add("log.format: must be text or json, got %q", c.Log.Format)
	}

	if _, err := dbconn.ParseDialect(c.ControlStore.Driver); err != nil {
		add("control_store.driver: %v", err)
	}
	if c.ControlStore.DSN == "" {
		add("control_store.dsn is required")
	}
	if !dbconn.ValidIdentifier(c.ControlStore.ProcessTable) {
		add("control_store.process_table: invalid identifier %q", c.ControlStore.ProcessTable)
	}
	if !dbconn.ValidIdentifier(c.ControlStore.FileTable) {
		add("control_store.file_table: invalid identifier %q", c.ControlStore.FileTable)
	}
	if c.ControlStore.StaleAfter < 0 {
		add("control_store.stale_after must not be negative")
	}
	if c.ControlStore.QueryTimeout < 0 {
		add("control_store.query_timeout must not be negative")
	}
	if _, err := c.ControlStore.Location(); err != nil {
		add("control_store.timezone: %v", err)
	}

	if c.Email.Enabled {
		if c.Email.SMTPHost == "" {
			add("email.smtp_host is required when email is enabled")
		}
		if c.Email.Sender == "" {
			add("email.sender is required when email is enabled")
		}
		if len(c.Email.Receivers) == 0 {
			add("email.receivers must list at least one address")
		}
	}

	for name, conn := range c.Connections {
		if !connectionDrivers[conn.Driver] {
			add("connections.%s: unknown driver %q", name, conn.Driver)
			continue
		}
		switch conn.Driver {
		case "postgres", "sqlite":
			if conn.DSN == "" {
				add("connections.%s: dsn is required", name)
			}
		case "mongodb":
			if conn.URI == "" || conn.Database == "" {
				add("connections.%s: uri and database are required", name)
			}
		case "s3":
			if conn.Bucket == "" {
				add("connections.%s: bucket is required", name)
			}
		}
	}

	c.validateJobs(validateParams)

	for _, name := range c.BatchNames() {
		if err := c.checkBatch(name); err != nil {
			add("batches.%s: %v", name, err)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &core.ConfigError{Problems: problems}
}

// validateJobs records a *core.ConfigError for every invalid job.
func (c *Config) validateJobs(validateParams ParamsValidator) {
	c.jobErrors = make(map[string]*core.ConfigError)
	identities := make(map[core.Dependency]string)
	for _, key := range c.JobKeys() {
		var (
			problems []string
			cause    error
		)
		jc := c.Jobs[key]
		def := jc.definition(key)
		if err := def.Validate(); err != nil {
			var cfgErr *core.ConfigError
			if errors.As(err, &cfgErr) {
				problems = append(problems, cfgErr.Problems...)
			} else {
				problems = append(problems, err.Error())
			}
		}
		if jc.Kind == "" {
			problems = append(problems, "kind is required")
		} else if validateParams != nil {
			if err := validateParams(jc.Kind, jc.Params); err != nil {
				problems = append(problems, err.Error())
				cause = err
			}
		}
		if def.ProcessCode != "" {
			if other, ok := identities[def.Identity()]; ok {
				problems = append(problems, fmt.Sprintf("process %s already used by job %s", def.Identity(), other))
			} else {
				identities[def.Identity()] = key
			}
		}
		if len(problems) > 0 {
			c.jobErrors[key] = &core.ConfigError{Job: key, Problems: problems, Err: cause}
		}
	}
}

// checkBatch resolves a batch against the job map and runs it through the
// batch builder with no bodies, which detects cycles and ordering errors.
func (c *Config) checkBatch(name string) error {
	_, err := c.Batch(name, nil)
	return err
}

// Batch builds the named batch. bodies supplies the body for each job key;
// a nil func leaves bodies unset. A job whose definition is invalid, or
// whose body cannot be built, gets a core.InvalidJob body: the executor
// reports it as a configuration error and its siblings still run.
func (c *Config) Batch(name string, bodies func(def core.JobDefinition) (core.JobBody, error)) (*dag.Batch, error) {
	bc, ok := c.Batches[name]
	if !ok {
		return nil, &core.ConfigError{Problems: []string{fmt.Sprintf("batch %q is not configured", name)}}
	}
	mode, err := dag.ParseMode(bc.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := dag.ParseSummaryPolicy(bc.NotifySummary)
	if err != nil {
		return nil, err
	}

	builder := dag.NewBatch(name).
		WithMode(mode).
		WithMaxParallelism(bc.MaxParallelism).
		WithSummary(policy)

	var missing []string
	for _, key := range bc.Jobs {
		jc, ok := c.Jobs[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		def := jc.definition(key)
		var body core.JobBody
		switch {
		case c.jobErrors[key] != nil:
			body = core.InvalidJob{Err: c.jobErrors[key]}
		case bodies != nil:
			body, err = bodies(def)
			if err != nil {
				body = core.InvalidJob{Err: err}
			}
		}
		builder.Add(def, body)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown jobs: %s", strings.Join(missing, ", "))
	}
	return builder.Build()
}
