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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aaronlmathis/dwflow/store"
)

// NewInitDBCommand creates the init-db command.
func NewInitDBCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "init-db",
		Short:         "Create the control tables",
		Long:          "Create the process log and file log tables of the control store when they do not exist.",
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initDB(rootOpts, cmd)
		},
	}
	return cmd
}

func initDB(opts *RootOptions, cmd *cobra.Command) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(opts.stderr())

	st, err := openStore(cmd.Context(), opts, cfg.ControlStore.Driver, cfg.ControlStore.DSN,
		store.WithTables(cfg.ControlStore.ProcessTable, cfg.ControlStore.FileTable),
		store.WithQueryTimeout(cfg.ControlStore.QueryTimeout),
		store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(cmd.Context()); err != nil {
		return WrapExitError(ExitFailure, "failed to create control tables", err)
	}
	logger.Info("control tables ready",
		"process_table", cfg.ControlStore.ProcessTable,
		"file_table", cfg.ControlStore.FileTable)

	tables := map[string]string{
		"process_table": cfg.ControlStore.ProcessTable,
		"file_table":    cfg.ControlStore.FileTable,
	}
	return opts.formatter(cmd).Success(tables,
		fmt.Sprintf("control tables %s and %s ready\n", cfg.ControlStore.ProcessTable, cfg.ControlStore.FileTable))
}

func openStore(ctx context.Context, opts *RootOptions, driver, dsn string, options ...store.Option) (*store.Store, error) {
	options = append(options, store.WithClock(opts.now()))
	st, err := store.Open(ctx, driver, dsn, options...)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open control store", err)
	}
	return st, nil
}
