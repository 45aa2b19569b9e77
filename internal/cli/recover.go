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
	"time"

	"github.com/spf13/cobra"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// RecoverView is the output of the recover command.
type RecoverView struct {
	Cutoff    time.Time `json:"cutoff"`
	Recovered int64     `json:"recovered"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark stale RUNNING rows as failed",
		Long: `Finalize as FAILED every RUNNING row of the process log that started
before the cutoff. Use it after an executor crashed so that the next run
of the affected jobs is not skipped.

The cutoff defaults to control_store.stale_after.

Example:
  dwflow recover --older-than 6h`,
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return recoverRuns(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "age after which a RUNNING row is stale")

	return cmd
}

func recoverRuns(opts *RecoverOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	age := opts.OlderThan
	if age == 0 {
		age = a.cfg.ControlStore.StaleAfter
	}
	if age <= 0 {
		return NewExitError(ExitCommandError, "--older-than is required when control_store.stale_after is not set")
	}

	cutoff := a.store.Now().Add(-age)
	n, err := a.store.FailStaleRuns(ctx, cutoff)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to recover runs", err)
	}
	return opts.formatter(cmd).Success(RecoverView{Cutoff: cutoff, Recovered: n},
		fmt.Sprintf("%d stale runs marked FAILED (started before %s)\n", n, cutoff.Format(time.RFC3339)))
}
