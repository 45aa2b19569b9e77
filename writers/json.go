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

package writers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aaronlmathis/dwflow/core"
)

// JSONWriterError wraps JSON lines write errors.
type JSONWriterError struct {
	Op  string
	Err error
}

func (e *JSONWriterError) Error() string {
	return fmt.Sprintf("json writer %s: %v", e.Op, e.Err)
}

func (e *JSONWriterError) Unwrap() error {
	return e.Err
}

// JSONWriterStats holds JSON lines write statistics.
type JSONWriterStats struct {
	RecordsWritten int64
	BytesWritten   int64
	LastWriteTime  time.Time
}

// JSONWriter implements core.DataSink for line-delimited JSON output.
type JSONWriter struct {
	counter *countingWriter
	buf     *bufio.Writer
	closer  io.Closer
	enc     *json.Encoder
	stats   JSONWriterStats
	mu      sync.Mutex
}

// NewJSONWriter creates a new JSON lines writer over w.
func NewJSONWriter(w io.WriteCloser) *JSONWriter {
	counter := &countingWriter{w: w}
	buf := bufio.NewWriter(counter)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONWriter{counter: counter, buf: buf, closer: w, enc: enc}
}

// Write encodes record as one line.
func (j *JSONWriter) Write(ctx context.Context, record core.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.enc.Encode(record); err != nil {
		return &JSONWriterError{Op: "encode", Err: err}
	}
	j.stats.RecordsWritten++
	j.stats.LastWriteTime = time.Now()
	return nil
}

// Flush pushes buffered lines to the underlying writer.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.buf.Flush(); err != nil {
		return &JSONWriterError{Op: "flush", Err: err}
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (j *JSONWriter) Close() error {
	flushErr := j.Flush()
	if j.closer != nil {
		if err := j.closer.Close(); err != nil && flushErr == nil {
			return &JSONWriterError{Op: "close", Err: err}
		}
	}
	return flushErr
}

// Stats returns write statistics. BytesWritten counts flushed bytes only.
func (j *JSONWriter) Stats() JSONWriterStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	stats := j.stats
	stats.BytesWritten = j.counter.n
	return stats
}
