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
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
)

// SQLWriterError wraps SQL-specific write errors with context.
type SQLWriterError struct {
	Op    string
	Table string
	Err   error
}

func (e *SQLWriterError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("sql writer %s (%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("sql writer %s: %v", e.Op, e.Err)
}

func (e *SQLWriterError) Unwrap() error {
	return e.Err
}

// SQLWriterStats holds SQL write performance statistics.
type SQLWriterStats struct {
	RecordsWritten   int64
	BatchesWritten   int64
	TransactionCount int64
	LastWriteTime    time.Time
	WriteDuration    time.Duration
	NullValueCounts  map[string]int64
}

// ConflictResolution defines how to handle insert conflicts.
type ConflictResolution int

const (
	ConflictError ConflictResolution = iota
	ConflictIgnore
	ConflictUpdate
)

// maxBindParams stays under SQLite's default variable limit; PostgreSQL
// allows 65535.
const maxBindParams = 32000

// SQLWriterOptions configures SQL output.
type SQLWriterOptions struct {
	TableName          string
	Columns            []string
	BatchSize          int
	CreateTable        bool
	TextColumns        bool
	TruncateTable      bool
	ConflictResolution ConflictResolution
	ConflictColumns    []string
	UpdateColumns      []string
	TransactionMode    bool
}

// SQLWriterOption represents a configuration function.
type SQLWriterOption func(*SQLWriterOptions)

func WithTableName(tableName string) SQLWriterOption {
	return func(opts *SQLWriterOptions) {
		opts.TableName = tableName
	}
}

// WithColumns fixes the column order. Without it the sorted keys of the
// first record are used.
func WithColumns(columns []string) SQLWriterOption {
	return func(opts *SQLWriterOptions) {
		opts.Columns = append([]string(nil), columns...)
	}
}

func WithSQLWriterBatchSize(size int) SQLWriterOption {
	return func(opts *SQLWriterOptions) {
		opts.BatchSize = size
	}
}

// WithCreateTable creates the target table if it is missing. With
// textColumns every column is created as TEXT, which is what raw
// staging tables use.
func WithCreateTable(create, textColumns bool) SQLWriterOption {
	return func(opts *SQLWriterOptions) {
		opts.CreateTable = create
		opts.TextColumns = textColumns
	}
}

// WithTruncateTable empties the target table before the first insert.
func WithTruncateTable(truncate bool) SQLWriterOption {
	return func(opts *SQLWriterOptions) {
		opts.TruncateTable = truncate
	}
}

func WithConflictResolution(resolution ConflictResolution, conflictColumns, updateColumns []string) SQLWriterOption {
	return func(opts *SQLWriterOptions) {
		opts.ConflictResolution = resolution
		opts.ConflictColumns = append([]string(nil), conflictColumns...)
		opts.UpdateColumns = append([]string(nil), updateColumns...)
	}
}

func WithTransactionMode(enabled bool) SQLWriterOption {
	return func(opts *SQLWriterOptions) {
		opts.TransactionMode = enabled
	}
}

func (o *SQLWriterOptions) withDefaults() *SQLWriterOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 5000
	}
	return o
}

func (o *SQLWriterOptions) validate() error {
	var errs []error
	if o.TableName == "" {
		errs = append(errs, errors.New("table name is required"))
	} else if !dbconn.ValidIdentifier(o.TableName) {
		errs = append(errs, fmt.Errorf("invalid table name %q", o.TableName))
	}
	for _, group := range [][]string{o.Columns, o.ConflictColumns, o.UpdateColumns} {
		for _, col := range group {
			if !dbconn.ValidIdentifier(col) || strings.Contains(col, ".") {
				errs = append(errs, fmt.Errorf("invalid column name %q", col))
			}
		}
	}
	if o.ConflictResolution != ConflictError && len(o.ConflictColumns) == 0 {
		errs = append(errs, errors.New("conflict columns are required for conflict resolution"))
	}
	if o.ConflictResolution == ConflictUpdate && len(o.UpdateColumns) == 0 {
		errs = append(errs, errors.New("update columns are required for ConflictUpdate"))
	}
	return errors.Join(errs...)
}

// SQLWriter implements core.DataSink for PostgreSQL and SQLite tables.
// It borrows the *sql.DB; Close flushes but leaves the pool open.
type SQLWriter struct {
	db      *sql.DB
	dialect dbconn.Dialect
	opts    *SQLWriterOptions
	columns []string
	buffer  []core.Record
	stats   SQLWriterStats
	started bool
	mu      sync.Mutex
}

// NewSQLWriter creates a new SQL writer over an open connection.
func NewSQLWriter(db *sql.DB, dialect dbconn.Dialect, options ...SQLWriterOption) (*SQLWriter, error) {
	if db == nil {
		return nil, &SQLWriterError{Op: "validate", Err: errors.New("database is required")}
	}
	opts := (&SQLWriterOptions{TransactionMode: true}).withDefaults()
	for _, option := range options {
		option(opts)
	}
	opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, &SQLWriterError{Op: "validate", Table: opts.TableName, Err: err}
	}

	return &SQLWriter{
		db:      db,
		dialect: dialect,
		opts:    opts,
		columns: append([]string(nil), opts.Columns...),
		buffer:  make([]core.Record, 0, opts.BatchSize),
		stats:   SQLWriterStats{NullValueCounts: make(map[string]int64)},
	}, nil
}

// Write buffers a record and writes a batch once BatchSize is reached.
func (w *SQLWriter) Write(ctx context.Context, record core.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		if err := w.start(ctx, record); err != nil {
			return err
		}
	}

	for _, col := range w.columns {
		if record[col] == nil {
			w.stats.NullValueCounts[col]++
		}
	}

	w.buffer = append(w.buffer, record)
	if len(w.buffer) >= w.opts.BatchSize {
		return w.flushBuffer(ctx)
	}
	return nil
}

// Flush writes any buffered records.
func (w *SQLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushBuffer(context.Background())
}

// FlushContext is Flush bounded by ctx.
func (w *SQLWriter) FlushContext(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushBuffer(ctx)
}

// Close flushes remaining records. The connection pool is not closed.
func (w *SQLWriter) Close() error {
	return w.Flush()
}

// Stats returns a copy of the write statistics.
func (w *SQLWriter) Stats() SQLWriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	statsCopy := w.stats
	statsCopy.NullValueCounts = make(map[string]int64, len(w.stats.NullValueCounts))
	for k, v := range w.stats.NullValueCounts {
		statsCopy.NullValueCounts[k] = v
	}
	return statsCopy
}

// Columns returns the column order used for inserts.
func (w *SQLWriter) Columns() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.columns...)
}

// Prepare creates and truncates the table as configured without writing
// any record. Jobs that may load zero rows call it so the table state
// does not depend on whether the source was empty.
func (w *SQLWriter) Prepare(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if len(w.columns) == 0 {
		return &SQLWriterError{Op: "prepare", Table: w.opts.TableName, Err: errors.New("columns are required")}
	}
	return w.start(ctx, nil)
}

func (w *SQLWriter) start(ctx context.Context, first core.Record) error {
	if len(w.columns) == 0 {
		for key := range first {
			w.columns = append(w.columns, key)
		}
		sort.Strings(w.columns)
		for _, col := range w.columns {
			if !dbconn.ValidIdentifier(col) || strings.Contains(col, ".") {
				return &SQLWriterError{Op: "columns", Table: w.opts.TableName, Err: fmt.Errorf("invalid column name %q", col)}
			}
		}
	}
	if len(w.columns) == 0 {
		return &SQLWriterError{Op: "columns", Table: w.opts.TableName, Err: errors.New("record has no fields")}
	}

	if w.opts.CreateTable {
		if err := w.createTable(ctx, first); err != nil {
			return &SQLWriterError{Op: "create_table", Table: w.opts.TableName, Err: err}
		}
	}
	if w.opts.TruncateTable {
		if _, err := w.db.ExecContext(ctx, w.truncateStatement()); err != nil {
			return &SQLWriterError{Op: "truncate", Table: w.opts.TableName, Err: err}
		}
	}
	w.started = true
	return nil
}

func (w *SQLWriter) truncateStatement() string {
	if w.dialect == dbconn.Postgres {
		return "TRUNCATE TABLE " + w.opts.TableName
	}
	return "DELETE FROM " + w.opts.TableName
}

func (w *SQLWriter) createTable(ctx context.Context, sample core.Record) error {
	defs := make([]string, len(w.columns))
	for i, col := range w.columns {
		colType := "TEXT"
		if !w.opts.TextColumns && sample != nil {
			colType = w.inferSQLType(sample[col])
		}
		defs[i] = col + " " + colType
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", w.opts.TableName, strings.Join(defs, ", "))
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *SQLWriter) inferSQLType(value interface{}) string {
	switch value.(type) {
	case bool:
		return "BOOLEAN"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "BIGINT"
	case float32, float64:
		if w.dialect == dbconn.Postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case time.Time:
		if w.dialect == dbconn.Postgres {
			return "TIMESTAMP"
		}
		return "DATETIME"
	case []byte:
		if w.dialect == dbconn.Postgres {
			return "BYTEA"
		}
		return "BLOB"
	default:
		return "TEXT"
	}
}

func (w *SQLWriter) insertStatement(rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", w.opts.TableName, strings.Join(w.columns, ", "))

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(w.columns)), ", ") + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}

	switch w.opts.ConflictResolution {
	case ConflictIgnore:
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", strings.Join(w.opts.ConflictColumns, ", "))
	case ConflictUpdate:
		sets := make([]string, len(w.opts.UpdateColumns))
		for i, col := range w.opts.UpdateColumns {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
		}
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(w.opts.ConflictColumns, ", "), strings.Join(sets, ", "))
	}
	return w.dialect.Rebind(b.String())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// flushBuffer writes the buffer as one batch. Must hold mutex.
func (w *SQLWriter) flushBuffer(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}
	start := time.Now()

	var (
		target execer = w.db
		tx     *sql.Tx
		err    error
	)
	if w.opts.TransactionMode {
		tx, err = w.db.BeginTx(ctx, nil)
		if err != nil {
			return &SQLWriterError{Op: "begin_transaction", Table: w.opts.TableName, Err: err}
		}
		target = tx
	}

	perStmt := maxBindParams / len(w.columns)
	if perStmt < 1 {
		perStmt = 1
	}
	for lo := 0; lo < len(w.buffer); lo += perStmt {
		hi := lo + perStmt
		if hi > len(w.buffer) {
			hi = len(w.buffer)
		}
		chunk := w.buffer[lo:hi]
		args := make([]interface{}, 0, len(chunk)*len(w.columns))
		for _, record := range chunk {
			for _, col := range w.columns {
				args = append(args, convertValue(record[col]))
			}
		}
		if _, err = target.ExecContext(ctx, w.insertStatement(len(chunk)), args...); err != nil {
			if tx != nil {
				_ = tx.Rollback()
			}
			return &SQLWriterError{Op: "insert", Table: w.opts.TableName, Err: err}
		}
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return &SQLWriterError{Op: "commit", Table: w.opts.TableName, Err: err}
		}
		w.stats.TransactionCount++
	}

	w.stats.RecordsWritten += int64(len(w.buffer))
	w.stats.BatchesWritten++
	w.stats.LastWriteTime = time.Now()
	w.stats.WriteDuration += time.Since(start)
	w.buffer = w.buffer[:0]
	return nil
}

// convertValue maps record values onto types every driver accepts.
func convertValue(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case string, int64, float64, bool, []byte, time.Time:
		return v
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return convertValue(rv.Elem().Interface())
	default:
		return fmt.Sprintf("%v", value)
	}
}
