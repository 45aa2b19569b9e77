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

package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorHandler defines how errors are handled during record processing.
type ErrorHandler interface {
	// HandleError processes an error that occurred during transformation.
	// Returning a non-nil error will stop the pipeline; returning nil will continue.
	HandleError(ctx context.Context, record Record, err error) error
}

// ErrorStrategy defines how to handle record errors in a pipeline.
type ErrorStrategy int

const (
	// FailFast stops processing on the first error encountered.
	FailFast ErrorStrategy = iota
	// SkipErrors continues processing, skipping failed records.
	SkipErrors
	// CollectErrors continues processing, collecting all errors for later inspection.
	CollectErrors
)

// ErrorHandlerFunc is a function adapter for the ErrorHandler interface.
type ErrorHandlerFunc func(ctx context.Context, record Record, err error) error

// HandleError implements the ErrorHandler interface for ErrorHandlerFunc.
func (f ErrorHandlerFunc) HandleError(ctx context.Context, record Record, err error) error {
	return f(ctx, record, err)
}

var (
	// ErrRunNotFound is returned when a process id does not exist.
	ErrRunNotFound = errors.New("process run not found")
	// ErrRunTerminal is returned when a finalize targets a run that already
	// reached SUCCESS or FAILED.
	ErrRunTerminal = errors.New("process run already terminal")
	// ErrInvalidStatus is returned when a run is finalized with a non-terminal status.
	ErrInvalidStatus = errors.New("invalid terminal status")
)

// ConfigError reports a missing or malformed job definition or configuration.
type ConfigError struct {
	Job      string
	Problems []string
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Job != "" {
		fmt.Fprintf(&b, " job %q", e.Job)
	}
	b.WriteString(": ")
	switch {
	case len(e.Problems) > 0:
		b.WriteString(strings.Join(e.Problems, "; "))
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("invalid")
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Gate failure reasons.
const (
	ReasonMissingRun    = "missing upstream run"
	ReasonNotSuccessful = "upstream not successful"
	ReasonStoreError    = "control store unavailable"
)

// GateError reports why the dependency gate blocked a job.
type GateError struct {
	Job        string
	Dependency Dependency
	Reason     string
	Status     Status // status of the upstream run, empty when missing
	Err        error
}

func (e *GateError) Error() string {
	msg := fmt.Sprintf("dependency %s for %s: %s", e.Dependency, e.Job, e.Reason)
	if e.Status != "" {
		msg += fmt.Sprintf(" (status=%s)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GateError) Unwrap() error { return e.Err }

// IntegrityError reports a control-store write that could not be completed.
// A RUNNING row may be stuck when this is returned.
type IntegrityError struct {
	Op        string
	ProcessID int64
	Err       error
}

func (e *IntegrityError) Error() string {
	if e.ProcessID > 0 {
		return fmt.Sprintf("control store integrity %s (process_id=%d): %v", e.Op, e.ProcessID, e.Err)
	}
	return fmt.Sprintf("control store integrity %s: %v", e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// JobError wraps a failure raised by a job body, including recovered panics.
type JobError struct {
	Job   string
	Err   error
	Panic bool
	Stack string
}

func (e *JobError) Error() string {
	if e.Panic {
		return fmt.Sprintf("job %s panicked: %v", e.Job, e.Err)
	}
	return fmt.Sprintf("job %s: %v", e.Job, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
