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
	"log/slog"
	"time"
)

// DataSource represents any source of data records.
type DataSource interface {
	// Read returns the next record or io.EOF when no more records are available.
	Read(ctx context.Context) (Record, error)
	// Close releases any resources held by the data source.
	Close() error
}

// DataSink represents any destination for data records.
type DataSink interface {
	// Write outputs a single record to the sink.
	Write(ctx context.Context, record Record) error
	// Flush ensures all buffered data is written to the sink.
	Flush() error
	// Close releases any resources held by the data sink.
	Close() error
}

// Transformer represents a transformation operation on records.
type Transformer interface {
	Transform(ctx context.Context, record Record) (Record, error)
}

// Filter represents a filtering operation on records.
type Filter interface {
	ShouldInclude(ctx context.Context, record Record) (bool, error)
}

// ControlStore persists process runs and file ingestion records.
type ControlStore interface {
	// FindLatestRun returns the newest run for the key on the calendar day
	// containing day, or nil when there is none.
	FindLatestRun(ctx context.Context, processCode string, sourceID int64, day time.Time) (*ProcessRun, error)
	// CreateRun inserts a RUNNING row and returns its process id.
	CreateRun(ctx context.Context, processCode, processName string, sourceID int64) (int64, error)
	// FinalizeRun moves a RUNNING row to a terminal status. Affecting zero
	// rows is reported as an *IntegrityError.
	FinalizeRun(ctx context.Context, processID int64, status Status, message string) error
	// RecordFile appends a file ingestion record.
	RecordFile(ctx context.Context, rec FileIngestionRecord) error
}

// Notifier delivers human-readable reports. Delivery is best effort:
// implementations log failures and never return them.
type Notifier interface {
	Notify(ctx context.Context, subject, message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, subject, message string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, subject, message string) {
	f(ctx, subject, message)
}

// JobBody is the pluggable work of a job. It returns the number of rows
// it processed, or an error.
type JobBody interface {
	Execute(ctx context.Context, jc *JobContext) (int64, error)
}

// JobBodyFunc adapts a function to the JobBody interface.
type JobBodyFunc func(ctx context.Context, jc *JobContext) (int64, error)

// Execute implements JobBody.
func (f JobBodyFunc) Execute(ctx context.Context, jc *JobContext) (int64, error) {
	return f(ctx, jc)
}

// InvalidJob stands in for the body of a job whose configuration is
// invalid. The executor reports Err as a configuration error and never
// creates a run for it.
type InvalidJob struct {
	Err error
}

// Execute implements JobBody by returning Err.
func (j InvalidJob) Execute(context.Context, *JobContext) (int64, error) {
	return 0, j.Err
}

// JobContext is the handle a job body receives while it runs.
type JobContext struct {
	ProcessID   int64
	ProcessCode string
	SourceID    int64
	Definition  JobDefinition
	Logger      *slog.Logger

	store ControlStore
	now   func() time.Time
}

// NewJobContext builds the context passed to a job body for a run.
func NewJobContext(def JobDefinition, processID int64, store ControlStore, logger *slog.Logger, now func() time.Time) *JobContext {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &JobContext{
		ProcessID:   processID,
		ProcessCode: def.ProcessCode,
		SourceID:    def.SourceID,
		Definition:  def,
		Logger:      logger,
		store:       store,
		now:         now,
	}
}

// Params returns the job-specific parameters.
func (jc *JobContext) Params() map[string]interface{} {
	return jc.Definition.Params
}

// Now returns the executor clock.
func (jc *JobContext) Now() time.Time {
	return jc.now()
}

// RecordFile appends a file ingestion record for this job's source. Store
// failures are logged and never returned.
func (jc *JobContext) RecordFile(ctx context.Context, path string, rows, size int64, status FileStatus, elapsed time.Duration) {
	rec := FileIngestionRecord{
		SourceID:      jc.SourceID,
		FilePath:      path,
		RowCount:      rows,
		ByteSize:      size,
		Status:        status,
		ExecutionTime: elapsed,
		Timestamp:     jc.now(),
	}
	if jc.store == nil {
		return
	}
	if err := jc.store.RecordFile(ctx, rec); err != nil {
		jc.Logger.Warn("record file failed",
			"process_id", jc.ProcessID,
			"file", path,
			"error", err)
	}
}
