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

package dag

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aaronlmathis/dwflow/executor"
	"github.com/aaronlmathis/dwflow/notify"
)

// BatchResult contains the results of a batch run, in declared job order.
type BatchResult struct {
	BatchID string
	Name    string
	Started time.Time
	Elapsed time.Duration
	Results []executor.Result
	Error   error // set when the batch itself was invalid
}

// Succeeded reports whether every job succeeded or was skipped.
func (r *BatchResult) Succeeded() bool {
	if r.Error != nil {
		return false
	}
	for _, res := range r.Results {
		if !res.OK() {
			return false
		}
	}
	return true
}

// FailedCount returns how many jobs did not succeed.
func (r *BatchResult) FailedCount() int {
	n := 0
	for _, res := range r.Results {
		if !res.OK() {
			n++
		}
	}
	return n
}

// TotalRows sums the rows reported by jobs that ran.
func (r *BatchResult) TotalRows() int64 {
	var total int64
	for _, res := range r.Results {
		total += res.Rows
	}
	return total
}

// Err returns nil when the batch succeeded, otherwise an error listing the
// jobs that did not.
func (r *BatchResult) Err() error {
	if r.Succeeded() {
		return nil
	}
	if r.Error != nil {
		return fmt.Errorf("%w: %w", ErrBatchFailed, r.Error)
	}
	var failed []string
	for _, res := range r.Results {
		if !res.OK() {
			failed = append(failed, fmt.Sprintf("%s (%s)", res.Key, res.Outcome))
		}
	}
	return fmt.Errorf("%w: %s", ErrBatchFailed, strings.Join(failed, ", "))
}

// Status is SUCCESS or FAILED.
func (r *BatchResult) Status() string {
	if r.Succeeded() {
		return "SUCCESS"
	}
	return "FAILED"
}

// Summary converts the result into a notification summary.
func (r *BatchResult) Summary() notify.Summary {
	lines := make([]notify.SummaryLine, 0, len(r.Results))
	for _, res := range r.Results {
		line := notify.SummaryLine{
			Job:       res.Key,
			Process:   fmt.Sprintf("%s/%d", res.ProcessCode, res.SourceID),
			Status:    res.Outcome.String(),
			Rows:      res.Rows,
			ProcessID: res.ProcessID,
			Elapsed:   res.Elapsed,
		}
		if res.Err != nil {
			line.Error = res.Err.Error()
		}
		lines = append(lines, line)
	}
	return notify.Summary{
		Batch:     r.Name,
		BatchID:   r.BatchID,
		Status:    r.Status(),
		Timestamp: r.Started,
		Elapsed:   r.Elapsed,
		Lines:     lines,
	}
}

// Report renders a fixed-width table of the batch.
func (r *BatchResult) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s (%s): %s in %s\n", r.Name, r.BatchID, r.Status(), r.Elapsed.Round(time.Millisecond))
	if r.Error != nil {
		fmt.Fprintf(&b, "Error: %v\n", r.Error)
	}
	fmt.Fprintf(&b, "%-24s %-10s %-16s %12s %10s %10s  %s\n", "JOB", "PROCESS", "OUTCOME", "ROWS", "PROCESS_ID", "ELAPSED", "ERROR")
	for _, res := range r.Results {
		pid := "-"
		if res.ProcessID > 0 {
			pid = fmt.Sprintf("%d", res.ProcessID)
		}
		errText := ""
		if res.Err != nil {
			errText = firstLine(res.Err.Error())
		}
		fmt.Fprintf(&b, "%-24s %-10s %-16s %12s %10s %10s  %s\n",
			res.Key,
			fmt.Sprintf("%s/%d", res.ProcessCode, res.SourceID),
			res.Outcome,
			humanize.Comma(res.Rows),
			pid,
			res.Elapsed.Round(time.Millisecond),
			errText)
	}
	fmt.Fprintf(&b, "Total rows: %s, failed jobs: %d\n", humanize.Comma(r.TotalRows()), r.FailedCount())
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
