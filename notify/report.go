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

package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	TitleError   = "DATA WAREHOUSE ERROR REPORT"
	TitleSuccess = "DATA WAREHOUSE SUCCESS REPORT"
	TitleSummary = "DATA WAREHOUSE EXECUTION SUMMARY"

	signature = "Best regards,\nDW Monitoring System"
)

// Field is one "- Key: Value" line of a report section.
type Field struct {
	Key   string
	Value string
}

// Report is a plain-text notification body.
type Report struct {
	Title       string
	Timestamp   time.Time
	Environment string
	Details     []Field
	Info        string // free text under "Error Information" or "Results"
	InfoHeading string
	Trace       string
	Footer      string
}

// String renders the report.
func (r Report) String() string {
	var b strings.Builder
	b.WriteString(r.Title)
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("=", len(r.Title)))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Timestamp: %s\n", r.Timestamp.Format("2006-01-02 15:04:05"))
	if r.Environment != "" {
		fmt.Fprintf(&b, "Environment: %s\n", r.Environment)
	}

	if len(r.Details) > 0 {
		b.WriteString("\nProcess Details:\n")
		for _, f := range r.Details {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}

	if r.Info != "" {
		heading := r.InfoHeading
		if heading == "" {
			heading = "Error Information"
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", heading, strings.TrimRight(r.Info, "\n"))
	}

	if r.Trace != "" {
		fmt.Fprintf(&b, "\nDetailed Stack Trace:\n%s\n%s\n", strings.Repeat("=", 50), strings.TrimRight(r.Trace, "\n"))
	}

	if r.Footer != "" {
		fmt.Fprintf(&b, "\n%s\n", r.Footer)
	}
	b.WriteString("\n")
	b.WriteString(signature)
	b.WriteByte('\n')
	return b.String()
}

// ErrorFooter is the call to action closing failure reports.
const ErrorFooter = "Please check the system logs and take necessary action."

// SummaryLine is one job outcome in a batch summary.
type SummaryLine struct {
	Job       string
	Process   string // process code and source, e.g. "P5/2"
	Status    string
	Rows      int64
	ProcessID int64
	Elapsed   time.Duration
	Error     string
}

// Summary describes a finished batch.
type Summary struct {
	Batch     string
	BatchID   string
	Status    string
	Timestamp time.Time
	Elapsed   time.Duration
	Lines     []SummaryLine
}

// Subject returns the summary email subject.
func (s Summary) Subject() string {
	return fmt.Sprintf("[%s] DW %s Summary - %s", s.Status, s.Batch, s.Timestamp.Format("2006-01-02"))
}

// String renders the summary body.
func (s Summary) String() string {
	var b strings.Builder
	b.WriteString(TitleSummary)
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("=", len(TitleSummary)))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Timestamp: %s\n", s.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Batch: %s (%s)\n", s.Batch, s.BatchID)
	fmt.Fprintf(&b, "Execution Time: %.2f seconds\n", s.Elapsed.Seconds())
	fmt.Fprintf(&b, "Overall Status: %s\n", s.Status)

	b.WriteString("\nProcess Results:\n")
	var total int64
	for _, l := range s.Lines {
		fmt.Fprintf(&b, "- %s [%s]: %s", l.Job, l.Process, l.Status)
		if l.Rows > 0 {
			fmt.Fprintf(&b, ", %s rows", humanize.Comma(l.Rows))
		}
		if l.ProcessID > 0 {
			fmt.Fprintf(&b, ", process_id=%d", l.ProcessID)
		}
		fmt.Fprintf(&b, ", %.2fs\n", l.Elapsed.Seconds())
		total += l.Rows
	}
	fmt.Fprintf(&b, "Total rows: %s\n", humanize.Comma(total))

	var errs []SummaryLine
	for _, l := range s.Lines {
		if l.Error != "" {
			errs = append(errs, l)
		}
	}
	if len(errs) > 0 {
		b.WriteString("\nError Details:\n")
		for _, l := range errs {
			fmt.Fprintf(&b, "- %s: %s\n", l.Job, l.Error)
		}
	}

	b.WriteString("\n")
	b.WriteString(signature)
	b.WriteByte('\n')
	return b.String()
}
