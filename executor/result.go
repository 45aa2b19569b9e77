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

package executor

import (
	"fmt"
	"time"
)

// State is a step of the job lifecycle.
type State int

const (
	StateInit State = iota
	StateGated
	StateGuarded
	StateRunning
	StateSuccess
	StateFailed
)

var stateNames = [...]string{"INIT", "GATED", "GUARDED", "RUNNING", "SUCCESS", "FAILED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome classifies how a job run ended. The zero value, OutcomeNotRun,
// is never OK.
type Outcome int

const (
	OutcomeNotRun Outcome = iota
	OutcomeSucceeded
	OutcomeSkipped
	OutcomeBlocked
	OutcomeFailed
	OutcomeConfigError
	OutcomeIntegrityError
)

var outcomeNames = [...]string{"NOT_RUN", "SUCCEEDED", "SKIPPED", "BLOCKED", "FAILED", "CONFIG_ERROR", "INTEGRITY_ERROR"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result describes one pass of a job through the executor.
type Result struct {
	Key         string
	ProcessCode string
	SourceID    int64
	ProcessID   int64 // zero when no row was created
	State       State // last state reached
	Outcome     Outcome
	Rows        int64
	Err         error
	Started     time.Time
	Elapsed     time.Duration
}

// OK reports whether the caller should treat the run as a success.
// A skipped run already succeeded or is in flight.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSucceeded || r.Outcome == OutcomeSkipped
}

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	if r.OK() {
		return 0
	}
	return 1
}
