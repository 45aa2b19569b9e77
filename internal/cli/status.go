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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Date  string
	Limit int
}

// RunView is one process_log row.
type RunView struct {
	ProcessID   int64      `json:"process_id"`
	ProcessCode string     `json:"process_code"`
	ProcessName string     `json:"process_name"`
	SourceID    int64      `json:"source_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the process log for a day",
		Long: `Show the runs recorded in the process log for one calendar day of the
control store time zone, newest first.

Example:
  dwflow status --date 2026-03-14`,
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "day to show as YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of runs")

	return cmd
}

func showStatus(opts *StatusOptions, cmd *cobra.Command) error {
	if opts.Limit <= 0 {
		return NewExitError(ExitCommandError, "--limit must be positive")
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	day := a.store.Now()
	if opts.Date != "" {
		loc, _ := a.cfg.ControlStore.Location()
		day, err = time.ParseInLocation("2006-01-02", opts.Date, loc)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --date", err)
		}
	}

	runs, err := a.store.ListRuns(ctx, day, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list runs", err)
	}

	views := make([]RunView, 0, len(runs))
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-10s %-8s %-20s %s\n", "PROCESS_ID", "PROCESS", "STATUS", "STARTED", "NAME")
	for _, run := range runs {
		views = append(views, RunView{
			ProcessID:   run.ProcessID,
			ProcessCode: run.ProcessCode,
			ProcessName: run.ProcessName,
			SourceID:    run.SourceID,
			Status:      run.Status.String(),
			StartedAt:   run.StartedAt,
			UpdatedAt:   run.UpdatedAt,
		})
		fmt.Fprintf(&b, "%-10d %-10s %-8s %-20s %s\n",
			run.ProcessID,
			fmt.Sprintf("%s/%d", run.ProcessCode, run.SourceID),
			run.Status,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			run.ProcessName)
	}
	if len(runs) == 0 {
		b.Reset()
		fmt.Fprintf(&b, "no runs on %s\n", day.Format("2006-01-02"))
	}

	return opts.formatter(cmd).Success(views, b.String())
}
