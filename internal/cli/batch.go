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
	"github.com/spf13/cobra"

	"github.com/aaronlmathis/dwflow/dag"
)

// BatchView is the JSON form of a batch result.
type BatchView struct {
	Batch     string       `json:"batch"`
	BatchID   string       `json:"batch_id"`
	Status    string       `json:"status"`
	TotalRows int64        `json:"total_rows"`
	Failed    int          `json:"failed"`
	Jobs      []JobRunView `json:"jobs"`
	Error     string       `json:"error,omitempty"`
}

// NewBatchCommand creates the batch command.
func NewBatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <name>",
		Short: "Run a configured batch of jobs",
		Long: `Run every job of a batch, sequentially or level by level in parallel.

A failed job does not stop its siblings; jobs depending on it are blocked
by the dependency gate. The command exits 0 only when every job succeeded
or was skipped.

Example:
  dwflow batch daily --format json`,
		Args:          usageArgs(cobra.ExactArgs(1)),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runBatch(opts *RootOptions, name string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.logger.Error("error closing connections", "error", closeErr)
		}
	}()

	batch, err := a.cfg.Batch(name, a.registry.Bodies(a.env))
	if err != nil {
		return WrapExitError(ExitFailure, "invalid batch", err)
	}
	exec, err := a.executor()
	if err != nil {
		return err
	}

	coordinator := dag.NewCoordinator(exec,
		dag.WithNotifier(a.notifier),
		dag.WithLogger(a.logger),
		dag.WithClock(a.store.Now),
	)
	res := coordinator.Run(ctx, batch)

	view := BatchView{
		Batch:     res.Name,
		BatchID:   res.BatchID,
		Status:    res.Status(),
		TotalRows: res.TotalRows(),
		Failed:    res.FailedCount(),
		Jobs:      make([]JobRunView, 0, len(res.Results)),
	}
	for _, r := range res.Results {
		view.Jobs = append(view.Jobs, newJobRunView(r))
	}
	batchErr := res.Err()
	if batchErr != nil {
		view.Error = batchErr.Error()
	}

	if err := opts.formatter(cmd).Emit(res.Succeeded(), view, res.Report(), batchErr); err != nil {
		return err
	}
	if batchErr != nil {
		return WrapExitError(ExitFailure, "batch "+name+" failed", batchErr)
	}
	return nil
}
