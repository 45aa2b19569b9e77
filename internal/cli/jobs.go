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

	"github.com/spf13/cobra"

	"github.com/aaronlmathis/dwflow/dag"
)

// JobView describes one configured job.
type JobView struct {
	Job         string   `json:"job"`
	ProcessCode string   `json:"process_code"`
	ProcessName string   `json:"process_name"`
	SourceID    int64    `json:"source_id"`
	Kind        string   `json:"kind"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Error       string   `json:"error,omitempty"` // set for an invalid job
}

// BatchConfigView describes one configured batch.
type BatchConfigView struct {
	Batch string   `json:"batch"`
	Mode  string   `json:"mode"`
	Jobs  []string `json:"jobs"`
}

// JobsView is the output of the jobs command.
type JobsView struct {
	Jobs    []JobView         `json:"jobs"`
	Batches []BatchConfigView `json:"batches"`
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "jobs",
		Short:         "List configured jobs and batches",
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listJobs(rootOpts, cmd)
		},
	}
	return cmd
}

func listJobs(opts *RootOptions, cmd *cobra.Command) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}

	view := JobsView{Jobs: []JobView{}, Batches: []BatchConfigView{}}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-10s %-16s %s\n", "JOB", "PROCESS", "KIND", "DEPENDS ON")
	for _, key := range cfg.JobKeys() {
		def, defErr := cfg.JobDefinition(key)
		jv := JobView{
			Job:         key,
			ProcessCode: def.ProcessCode,
			ProcessName: def.ProcessName,
			SourceID:    def.SourceID,
			Kind:        def.Kind,
		}
		for _, dep := range def.DependsOn {
			jv.DependsOn = append(jv.DependsOn, dep.String())
		}
		if defErr != nil {
			jv.Error = defErr.Error()
		}
		view.Jobs = append(view.Jobs, jv)
		fmt.Fprintf(&b, "%-24s %-10s %-16s %s\n", key,
			fmt.Sprintf("%s/%d", def.ProcessCode, def.SourceID), def.Kind, strings.Join(jv.DependsOn, ", "))
		if jv.Error != "" {
			fmt.Fprintf(&b, "  invalid: %s\n", jv.Error)
		}
	}

	if names := cfg.BatchNames(); len(names) > 0 {
		fmt.Fprintf(&b, "\n%-24s %-10s %s\n", "BATCH", "MODE", "JOBS")
		for _, name := range names {
			bc := cfg.Batches[name]
			mode, err := dag.ParseMode(bc.Mode)
			if err != nil {
				return WrapExitError(ExitFailure, "invalid configuration", err)
			}
			view.Batches = append(view.Batches, BatchConfigView{Batch: name, Mode: string(mode), Jobs: bc.Jobs})
			fmt.Fprintf(&b, "%-24s %-10s %s\n", name, mode, strings.Join(bc.Jobs, ", "))
		}
	}

	return opts.formatter(cmd).Success(view, b.String())
}
