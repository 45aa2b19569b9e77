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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/dwflow/core"
)

// ParquetWriterError wraps Parquet-specific write errors with context about the operation.
type ParquetWriterError struct {
	Op  string
	Err error
}

func (e *ParquetWriterError) Error() string {
	return fmt.Sprintf("parquet writer %s: %v", e.Op, e.Err)
}

func (e *ParquetWriterError) Unwrap() error {
	return e.Err
}

// ParquetWriterStats holds statistics about the Parquet writer's performance.
type ParquetWriterStats struct {
	RecordsWritten  int64
	BatchesWritten  int64
	FlushDuration   time.Duration
	LastFlushTime   time.Time
	NullValueCounts map[string]int64
}

// ParquetWriterOptions configures the Parquet writer.
type ParquetWriterOptions struct {
	BatchSize    int64
	Schema       *arrow.Schema
	Compression  compress.Compression
	FieldOrder   []string
	RowGroupSize int64
	Metadata     map[string]string
}

// WriterOption represents a configuration function for ParquetWriterOptions.
type WriterOption func(*ParquetWriterOptions)

// WithBatchSize sets the number of records to buffer before writing a batch.
func WithBatchSize(size int64) WriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.BatchSize = size
	}
}

func WithCompression(compression compress.Compression) WriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.Compression = compression
	}
}

// WithFieldOrder sets the column order. Columns missing from the first
// record are typed as strings.
func WithFieldOrder(fields []string) WriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.FieldOrder = append([]string(nil), fields...)
	}
}

// WithSchema fixes the Arrow schema instead of inferring it.
func WithSchema(schema *arrow.Schema) WriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.Schema = schema
	}
}

func WithRowGroupSize(size int64) WriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.RowGroupSize = size
	}
}

// WithMetadata attaches key/value metadata to the file schema.
func WithMetadata(metadata map[string]string) WriterOption {
	return func(opts *ParquetWriterOptions) {
		if opts.Metadata == nil {
			opts.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			opts.Metadata[k] = v
		}
	}
}

func (opts *ParquetWriterOptions) withDefaults() *ParquetWriterOptions {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = 64 * 1024
	}
	if opts.Compression == 0 {
		opts.Compression = compress.Codecs.Snappy
	}
	return opts
}

// ParquetWriter implements core.DataSink for Parquet files.
type ParquetWriter struct {
	file       *os.File
	writer     *pqarrow.FileWriter
	schema     *arrow.Schema
	opts       *ParquetWriterOptions
	fieldOrder []string
	builder    *array.RecordBuilder
	allocator  memory.Allocator
	buffer     []core.Record
	stats      ParquetWriterStats
	closed     bool
	errorState bool
	mu         sync.Mutex
}

// NewParquetWriter creates filename, and its parent directories, and
// returns a writer over it.
func NewParquetWriter(filename string, options ...WriterOption) (*ParquetWriter, error) {
	opts := &ParquetWriterOptions{}
	for _, option := range options {
		option(opts)
	}
	opts.withDefaults()

	if dir := filepath.Dir(filename); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ParquetWriterError{Op: "create_directory", Err: err}
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, &ParquetWriterError{Op: "open_file", Err: err}
	}

	p := &ParquetWriter{
		file:       file,
		opts:       opts,
		fieldOrder: append([]string(nil), opts.FieldOrder...),
		allocator:  memory.NewGoAllocator(),
		buffer:     make([]core.Record, 0, opts.BatchSize),
		stats:      ParquetWriterStats{NullValueCounts: make(map[string]int64)},
	}
	if opts.Schema != nil {
		if err := p.open(opts.Schema); err != nil {
			file.Close()
			return nil, err
		}
	}
	return p, nil
}

// Write buffers a record and writes a row batch once BatchSize is reached.
func (p *ParquetWriter) Write(ctx context.Context, record core.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &ParquetWriterError{Op: "write", Err: errors.New("parquet writer is closed")}
	}
	if p.errorState {
		return &ParquetWriterError{Op: "write", Err: errors.New("writer is in error state")}
	}

	p.buffer = append(p.buffer, record)
	if int64(len(p.buffer)) >= p.opts.BatchSize {
		return p.flushBatch()
	}
	return nil
}

// Flush writes buffered records as a row batch.
func (p *ParquetWriter) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushBatch()
}

// Close flushes remaining records, writes the footer and closes the file.
// A writer that saw no records and has no schema writes a file with one
// string column per configured field.
func (p *ParquetWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.flushBatch(); err != nil {
		errs = append(errs, err)
	}
	if p.writer == nil && len(p.fieldOrder) > 0 {
		if err := p.open(p.inferSchema(nil)); err != nil {
			errs = append(errs, err)
		}
	}
	if p.builder != nil {
		p.builder.Release()
		p.builder = nil
	}

	if p.writer != nil {
		// Closing the file writer also closes the file.
		if err := p.writer.Close(); err != nil {
			errs = append(errs, &ParquetWriterError{Op: "close_writer", Err: err})
		}
		p.writer = nil
	} else if err := p.file.Close(); err != nil {
		errs = append(errs, &ParquetWriterError{Op: "close_file", Err: err})
	}
	return errors.Join(errs...)
}

// Stats returns a copy of the write statistics.
func (p *ParquetWriter) Stats() ParquetWriterStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	statsCopy := p.stats
	statsCopy.NullValueCounts = make(map[string]int64, len(p.stats.NullValueCounts))
	for k, v := range p.stats.NullValueCounts {
		statsCopy.NullValueCounts[k] = v
	}
	return statsCopy
}

// Schema returns the Arrow schema, nil until the first batch is written.
func (p *ParquetWriter) Schema() *arrow.Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schema
}

// inferSchema types each column from its first non-null value in sample.
func (p *ParquetWriter) inferSchema(sample []core.Record) *arrow.Schema {
	if len(p.fieldOrder) == 0 && len(sample) > 0 {
		for name := range sample[0] {
			p.fieldOrder = append(p.fieldOrder, name)
		}
		sort.Strings(p.fieldOrder)
	}

	fields := make([]arrow.Field, len(p.fieldOrder))
	for i, name := range p.fieldOrder {
		dataType := arrow.DataType(arrow.BinaryTypes.String)
		for _, rec := range sample {
			if v := rec[name]; v != nil {
				dataType = inferArrowType(v)
				break
			}
		}
		fields[i] = arrow.Field{Name: name, Type: dataType, Nullable: true}
	}

	var md *arrow.Metadata
	if len(p.opts.Metadata) > 0 {
		keys := make([]string, 0, len(p.opts.Metadata))
		for k := range p.opts.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make([]string, len(keys))
		for i, k := range keys {
			values[i] = p.opts.Metadata[k]
		}
		m := arrow.NewMetadata(keys, values)
		md = &m
	}
	return arrow.NewSchema(fields, md)
}

func (p *ParquetWriter) open(schema *arrow.Schema) error {
	props := parquet.NewWriterProperties(
		parquet.WithCompression(p.opts.Compression),
		parquet.WithMaxRowGroupLength(p.opts.RowGroupSize),
	)
	writer, err := pqarrow.NewFileWriter(schema, p.file, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return &ParquetWriterError{Op: "create_writer", Err: err}
	}
	p.schema = schema
	p.writer = writer
	if len(p.fieldOrder) == 0 {
		for _, f := range schema.Fields() {
			p.fieldOrder = append(p.fieldOrder, f.Name)
		}
	}
	p.builder = array.NewRecordBuilder(p.allocator, schema)
	return nil
}

// inferArrowType maps a Go value onto an Arrow type. Anything without a
// native mapping is stored as its string form.
func inferArrowType(value interface{}) arrow.DataType {
	switch value.(type) {
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return arrow.PrimitiveTypes.Int64
	case float32, float64:
		return arrow.PrimitiveTypes.Float64
	case time.Time:
		return arrow.FixedWidthTypes.Timestamp_us
	case []byte:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// flushBatch writes the buffer as one Arrow record (must hold mutex).
func (p *ParquetWriter) flushBatch() error {
	if len(p.buffer) == 0 {
		return nil
	}
	start := time.Now()

	if p.writer == nil {
		if err := p.open(p.inferSchema(p.buffer)); err != nil {
			p.errorState = true
			return err
		}
	}

	fields := p.schema.Fields()
	for _, rec := range p.buffer {
		for i, field := range fields {
			value := rec[field.Name]
			if value == nil {
				p.builder.Field(i).AppendNull()
				p.stats.NullValueCounts[field.Name]++
				continue
			}
			if err := appendValue(p.builder.Field(i), value); err != nil {
				p.errorState = true
				return &ParquetWriterError{Op: "append_value", Err: fmt.Errorf("field %s: %w", field.Name, err)}
			}
		}
	}

	record := p.builder.NewRecord()
	defer record.Release()
	if err := p.writer.Write(record); err != nil {
		p.errorState = true
		return &ParquetWriterError{Op: "write_batch", Err: err}
	}

	p.stats.RecordsWritten += int64(len(p.buffer))
	p.stats.BatchesWritten++
	p.stats.FlushDuration += time.Since(start)
	p.stats.LastFlushTime = time.Now()
	p.buffer = p.buffer[:0]
	return nil
}

func appendValue(builder array.Builder, value interface{}) error {
	switch b := builder.(type) {
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
		b.Append(v)
	case *array.Int64Builder:
		v, ok := toInt64(value)
		if !ok {
			return fmt.Errorf("expected integer, got %T", value)
		}
		b.Append(v)
	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		default:
			n, ok := toInt64(value)
			if !ok {
				return fmt.Errorf("expected float, got %T", value)
			}
			b.Append(float64(n))
		}
	case *array.TimestampBuilder:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", value)
		}
		b.Append(arrow.Timestamp(v.UnixMicro()))
	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
		default:
			b.AppendString(fmt.Sprintf("%v", v))
		}
	case *array.StringBuilder:
		b.Append(formatCSVValue(value, time.RFC3339))
	default:
		return fmt.Errorf("unsupported column type %T", builder)
	}
	return nil
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	default:
		return 0, false
	}
}
