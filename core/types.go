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

// Package core defines the shared types of DWFlow: the record model used by
// job bodies and the process-control model used by the executor.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record represents a single data record as a map of field names to values.
type Record map[string]interface{}

// TransformFunc is a function adapter for the Transformer interface.
type TransformFunc func(ctx context.Context, record Record) (Record, error)

// Transform implements the Transformer interface for TransformFunc.
func (f TransformFunc) Transform(ctx context.Context, record Record) (Record, error) {
	return f(ctx, record)
}

// FilterFunc is a function adapter for the Filter interface.
type FilterFunc func(ctx context.Context, record Record) (bool, error)

// ShouldInclude implements the Filter interface for FilterFunc.
func (f FilterFunc) ShouldInclude(ctx context.Context, record Record) (bool, error) {
	return f(ctx, record)
}

// Status is the lifecycle state of a ProcessRun.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// ParseStatus maps a stored status value to a Status. The legacy spellings
// "PROCESS" and "FAIL" are accepted.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RUNNING", "PROCESS":
		return StatusRunning, nil
	case "SUCCESS":
		return StatusSuccess, nil
	case "FAILED", "FAIL":
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown process status %q", s)
	}
}

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// ProcessRun is one attempt to execute a job on a calendar day.
type ProcessRun struct {
	ProcessID   int64
	ProcessCode string
	ProcessName string
	SourceID    int64
	Status      Status
	StartedAt   time.Time
	UpdatedAt   *time.Time // nil until the run reaches a terminal status
}

// FileStatus is the outcome recorded for one ingested or produced file.
type FileStatus string

const (
	FileSuccess FileStatus = "SUCCESS"
	FileFailed  FileStatus = "FAIL"
	FileEmpty   FileStatus = "EMPTY"
)

// FileIngestionRecord is an append-only audit row describing a file a job
// consumed or produced.
type FileIngestionRecord struct {
	SourceID      int64
	FilePath      string
	RowCount      int64
	ByteSize      int64
	Status        FileStatus
	ExecutionTime time.Duration
	Timestamp     time.Time
}

// Dependency names an upstream job by its process code and source.
type Dependency struct {
	ProcessCode string `yaml:"process_code" json:"process_code"`
	SourceID    int64  `yaml:"source_id" json:"source_id"`
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s/%d", d.ProcessCode, d.SourceID)
}

// JobDefinition is the static description of a job. It is built once from
// configuration and not modified afterwards.
type JobDefinition struct {
	Key         string
	ProcessCode string
	ProcessName string
	SourceID    int64
	Kind        string
	DependsOn   []Dependency
	Params      map[string]interface{}
}

// Identity returns the (process_code, source_id) pair of the job.
func (d JobDefinition) Identity() Dependency {
	return Dependency{ProcessCode: d.ProcessCode, SourceID: d.SourceID}
}

// Validate checks the fields the executor relies on.
func (d JobDefinition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.ProcessCode) == "" {
		problems = append(problems, "process_code is required")
	}
	if strings.TrimSpace(d.ProcessName) == "" {
		problems = append(problems, "process_name is required")
	}
	for i, dep := range d.DependsOn {
		if strings.TrimSpace(dep.ProcessCode) == "" {
			problems = append(problems, fmt.Sprintf("depends_on[%d]: process_code is required", i))
		}
		if dep == d.Identity() {
			problems = append(problems, fmt.Sprintf("depends_on[%d]: job cannot depend on itself", i))
		}
	}
	if len(problems) > 0 {
		return &ConfigError{Job: d.Key, Problems: problems}
	}
	return nil
}
