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

package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aaronlmathis/dwflow/config"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/executor"
	"github.com/aaronlmathis/dwflow/jobs"
	"github.com/aaronlmathis/dwflow/notify"
	"github.com/aaronlmathis/dwflow/store"
)

// app is the set of components one command invocation works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *jobs.Registry
	store    *store.Store
	env      *jobs.Env
	notifier core.Notifier
}

// loadConfig reads the configuration and validates job params against the
// registry.
func loadConfig(opts *RootOptions) (*config.Config, *jobs.Registry, error) {
	registry := jobs.NewRegistry()
	cfg, err := config.Load(opts.Config, config.WithParamsValidator(registry.Validate))
	if err != nil {
		return nil, nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, registry, nil
}

// openApp loads the configuration and opens the control store. The data
// connections used by job bodies open lazily.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, registry, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(opts.stderr()).With("environment", cfg.Environment)
	for _, key := range cfg.InvalidJobs() {
		_, jobErr := cfg.JobDefinition(key)
		logger.Warn("job configuration invalid", "job", key, "error", jobErr)
	}

	loc, err := cfg.ControlStore.Location()
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	st, err := openStore(ctx, opts, cfg.ControlStore.Driver, cfg.ControlStore.DSN,
		store.WithTables(cfg.ControlStore.ProcessTable, cfg.ControlStore.FileTable),
		store.WithLocation(loc),
		store.WithLegacyStatus(cfg.ControlStore.LegacyStatus),
		store.WithQueryTimeout(cfg.ControlStore.QueryTimeout),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitFailure, "invalid email configuration", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    st,
		env:      jobs.NewEnv(cfg.Connections, jobs.WithLogger(logger)),
		notifier: notifier,
	}, nil
}

// newNotifier always logs notifications and also mails them when email is
// enabled.
func newNotifier(cfg *config.Config, logger *slog.Logger) (core.Notifier, error) {
	logNotifier := notify.NewLogNotifier(logger)
	if !cfg.Email.Enabled {
		return logNotifier, nil
	}
	startTLS := cfg.Email.StartTLS == nil || *cfg.Email.StartTLS
	mailer, err := notify.NewSMTPNotifier(logger,
		notify.WithSMTPServer(cfg.Email.SMTPHost, cfg.Email.SMTPPort),
		notify.WithSMTPAuth(cfg.Email.Username, cfg.Email.Password),
		notify.WithSMTPEnvelope(cfg.Email.Sender, cfg.Email.Receivers...),
		notify.WithSMTPStartTLS(startTLS),
	)
	if err != nil {
		return nil, err
	}
	return notify.Multi{logNotifier, mailer}, nil
}

func (a *app) executor() (*executor.Executor, error) {
	exec, err := executor.New(a.store,
		executor.WithNotifier(a.notifier),
		executor.WithLogger(a.logger),
		executor.WithClock(a.store.Now),
		executor.WithStaleAfter(a.cfg.ControlStore.StaleAfter),
		executor.WithEnvironment(a.cfg.Environment),
	)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to create executor", err)
	}
	return exec, nil
}

// Close releases the data connections and the control store.
func (a *app) Close() error {
	return errors.Join(a.env.Close(), a.store.Close())
}
