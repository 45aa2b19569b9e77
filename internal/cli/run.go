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
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aaronlmathis/dwflow/config"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/executor"
)

// JobRunView is the JSON form of one job result.
type JobRunView struct {
	Job         string  `json:"job"`
	ProcessCode string  `json:"process_code"`
	SourceID    int64   `json:"source_id"`
	ProcessID   int64   `json:"process_id,omitempty"`
	Outcome     string  `json:"outcome"`
	Rows        int64   `json:"rows"`
	ElapsedSec  float64 `json:"elapsed_seconds"`
	Error       string  `json:"error,omitempty"`
}

func newJobRunView(res executor.Result) JobRunView {
	v := JobRunView{
		Job:         res.Key,
		ProcessCode: res.ProcessCode,
		SourceID:    res.SourceID,
		ProcessID:   res.ProcessID,
		Outcome:     res.Outcome.String(),
		Rows:        res.Rows,
		ElapsedSec:  res.Elapsed.Seconds(),
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}

func (v JobRunView) text() string {
	s := fmt.Sprintf("%s %s/%d: %s, %s rows in %s",
		v.Job, v.ProcessCode, v.SourceID, v.Outcome,
		humanize.Comma(v.Rows),
		time.Duration(v.ElapsedSec*float64(time.Second)).Round(time.Millisecond))
	if v.ProcessID > 0 {
		s += fmt.Sprintf(" (process_id %d)", v.ProcessID)
	}
	if v.Error != "" {
		s += "\nError: " + v.Error
	}
	return s + "\n"
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Run one configured job",
		Long: `Run one job through the dependency gate and run guard.

The command exits 0 when the job succeeded or was skipped because it
already succeeded or is running today, and 1 otherwise.

Example:
  dwflow run load_chotot -c /etc/dwflow/dwflow.yaml`,
		Args:          usageArgs(cobra.ExactArgs(1)),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runJob(opts *RootOptions, key string, cmd *cobra.Command) error {
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

	def, err := a.cfg.JobDefinition(key)
	if errors.Is(err, config.ErrJobNotConfigured) {
		return WrapExitError(ExitFailure, "unknown job", err)
	}
	// An invalid job still goes through the executor so that the
	// configuration error is reported like any other failed run.
	var body core.JobBody = core.InvalidJob{Err: err}
	if err == nil {
		if body, err = a.registry.Body(a.env, def); err != nil {
			body = core.InvalidJob{Err: err}
		}
	}
	exec, err := a.executor()
	if err != nil {
		return err
	}

	res := exec.Run(ctx, def, body)
	view := newJobRunView(res)
	if err := opts.formatter(cmd).Emit(res.OK(), view, view.text(), res.Err); err != nil {
		return err
	}
	if !res.OK() {
		return WrapExitError(res.ExitCode(), fmt.Sprintf("job %s %s", key, res.Outcome), res.Err)
	}
	return nil
}
