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

package readers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
)

// SQLReaderError provides structured error information for SQL reader operations
type SQLReaderError struct {
	Op  string // query, scan, read, fetch_cursor
	Err error
}

func (e *SQLReaderError) Error() string {
	return fmt.Sprintf("sql reader %s: %v", e.Op, e.Err)
}

func (e *SQLReaderError) Unwrap() error {
	return e.Err
}

// SQLReader streams the rows of a query as records. The pool is borrowed:
// Close releases the rows, not the database.
type SQLReader struct {
	mu          sync.Mutex
	db          *sql.DB
	dialect     dbconn.Dialect
	tx          *sql.Tx
	rows        *sql.Rows
	columnNames []string
	columnTypes []*sql.ColumnType
	scanBuffer  []interface{}
	values      []interface{}
	fetched     int // rows in the current cursor batch
	stats       SQLReaderStats
	opts        *SQLReaderOptions
	started     bool
	finished    bool
}

// SQLReaderStats holds statistics about the SQL reader's performance
type SQLReaderStats struct {
	RecordsRead     int64
	QueryDuration   time.Duration
	ReadDuration    time.Duration
	LastReadTime    time.Time
	NullValueCounts map[string]int64
}

// SQLReaderOptions configures the SQL reader
type SQLReaderOptions struct {
	Query      string        // ? placeholders, rebound for the dialect
	Params     []interface{} // optional query parameters
	BatchSize  int           // rows per FETCH when UseCursor is set
	UseCursor  bool          // PostgreSQL server-side cursor
	CursorName string
}

// SQLReaderOption represents a configuration function for SQLReaderOptions
type SQLReaderOption func(*SQLReaderOptions)

// WithSQLQuery sets the SQL query and optional parameters.
func WithSQLQuery(query string, params ...interface{}) SQLReaderOption {
	return func(opts *SQLReaderOptions) {
		opts.Query = query
		if len(params) > 0 {
			opts.Params = make([]interface{}, len(params))
			copy(opts.Params, params)
		}
	}
}

// WithSQLBatchSize sets the cursor fetch size.
func WithSQLBatchSize(size int) SQLReaderOption {
	return func(opts *SQLReaderOptions) { opts.BatchSize = size }
}

// WithSQLCursor streams through a server-side cursor. It is ignored for
// SQLite.
func WithSQLCursor(useCursor bool, cursorName string) SQLReaderOption {
	return func(opts *SQLReaderOptions) {
		opts.UseCursor = useCursor
		opts.CursorName = cursorName
	}
}

func (opts *SQLReaderOptions) withDefaults() *SQLReaderOptions {
	result := &SQLReaderOptions{}
	if opts != nil {
		*result = *opts
	}
	if result.BatchSize <= 0 {
		result.BatchSize = 1000
	}
	if result.CursorName == "" {
		result.CursorName = "dwflow_cursor"
	}
	return result
}

// NewSQLReader prepares a reader over db. The query runs on the first Read.
func NewSQLReader(db *sql.DB, dialect dbconn.Dialect, options ...SQLReaderOption) (*SQLReader, error) {
	opts := (&SQLReaderOptions{}).withDefaults()
	for _, option := range options {
		option(opts)
	}

	if db == nil {
		return nil, &SQLReaderError{Op: "validate", Err: errors.New("database is required")}
	}
	if strings.TrimSpace(opts.Query) == "" {
		return nil, &SQLReaderError{Op: "validate", Err: errors.New("query is required")}
	}
	if opts.UseCursor && !dbconn.ValidIdentifier(opts.CursorName) {
		return nil, &SQLReaderError{Op: "validate", Err: fmt.Errorf("invalid cursor name: %s", opts.CursorName)}
	}

	return &SQLReader{
		db:      db,
		dialect: dialect,
		opts:    opts,
		stats:   SQLReaderStats{NullValueCounts: make(map[string]int64)},
	}, nil
}

// Stats returns a copy of the reader statistics.
func (p *SQLReader) Stats() SQLReaderStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	statsCopy := p.stats
	statsCopy.NullValueCounts = make(map[string]int64, len(p.stats.NullValueCounts))
	for k, v := range p.stats.NullValueCounts {
		statsCopy.NullValueCounts[k] = v
	}
	return statsCopy
}

// Columns returns the result column names. It is empty before the first Read.
func (p *SQLReader) Columns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.columnNames
}

// Read implements the core.DataSource interface.
func (p *SQLReader) Read(ctx context.Context) (core.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	startTime := time.Now()
	defer func() {
		p.stats.ReadDuration += time.Since(startTime)
		p.stats.LastReadTime = time.Now()
	}()

	if err := ctx.Err(); err != nil {
		return nil, &SQLReaderError{Op: "read", Err: err}
	}
	if p.finished {
		return nil, io.EOF
	}
	if !p.started {
		if err := p.executeQuery(ctx); err != nil {
			return nil, err
		}
		p.started = true
	}

	for !p.rows.Next() {
		if err := p.rows.Err(); err != nil {
			return nil, &SQLReaderError{Op: "read", Err: err}
		}
		more, err := p.fetchNext(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			p.finished = true
			return nil, io.EOF
		}
	}

	if err := p.rows.Scan(p.scanBuffer...); err != nil {
		return nil, &SQLReaderError{Op: "scan", Err: err}
	}
	p.fetched++
	p.stats.RecordsRead++
	return p.convertRowToRecord(), nil
}

// Close releases the rows and any cursor transaction.
func (p *SQLReader) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.rows != nil {
		if err := p.rows.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing rows: %w", err))
		}
		p.rows = nil
	}
	if p.tx != nil {
		if err := p.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rolling back transaction: %w", err))
		}
		p.tx = nil
	}
	p.finished = true

	if err := errors.Join(errs...); err != nil {
		return &SQLReaderError{Op: "close", Err: err}
	}
	return nil
}

// Schema returns a map of column name to database type name.
func (p *SQLReader) Schema() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	schema := make(map[string]string, len(p.columnNames))
	for i, name := range p.columnNames {
		if i < len(p.columnTypes) {
			schema[name] = p.columnTypes[i].DatabaseTypeName()
		}
	}
	return schema
}

func (p *SQLReader) useCursor() bool {
	return p.opts.UseCursor && p.dialect == dbconn.Postgres
}

func (p *SQLReader) executeQuery(ctx context.Context) error {
	startTime := time.Now()
	query := p.dialect.Rebind(p.opts.Query)
	var err error
	if p.useCursor() {
		err = p.declareCursor(ctx, query)
	} else {
		p.rows, err = p.db.QueryContext(ctx, query, p.opts.Params...)
	}
	if err != nil {
		return &SQLReaderError{Op: "query", Err: err}
	}
	p.stats.QueryDuration = time.Since(startTime)

	return p.describeColumns()
}

func (p *SQLReader) describeColumns() error {
	columnNames, err := p.rows.Columns()
	if err != nil {
		return &SQLReaderError{Op: "columns", Err: err}
	}
	columnTypes, err := p.rows.ColumnTypes()
	if err != nil {
		return &SQLReaderError{Op: "column_types", Err: err}
	}
	p.columnNames = columnNames
	p.columnTypes = columnTypes

	p.scanBuffer = make([]interface{}, len(columnNames))
	p.values = make([]interface{}, len(columnNames))
	for i := range p.scanBuffer {
		p.scanBuffer[i] = &p.values[i]
	}
	return nil
}

func (p *SQLReader) declareCursor(ctx context.Context, query string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	p.tx = tx

	declareSQL := fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", p.opts.CursorName, query)
	if _, err := tx.ExecContext(ctx, declareSQL, p.opts.Params...); err != nil {
		return fmt.Errorf("declare cursor: %w", err)
	}
	return p.fetch(ctx)
}

func (p *SQLReader) fetch(ctx context.Context) error {
	rows, err := p.tx.QueryContext(ctx, fmt.Sprintf("FETCH %d FROM %s", p.opts.BatchSize, p.opts.CursorName))
	if err != nil {
		return fmt.Errorf("fetch cursor: %w", err)
	}
	p.rows = rows
	p.fetched = 0
	return nil
}

// fetchNext loads the next cursor batch. It reports false when the result
// is exhausted.
func (p *SQLReader) fetchNext(ctx context.Context) (bool, error) {
	if !p.useCursor() || p.fetched < p.opts.BatchSize {
		return false, nil
	}
	if err := p.rows.Close(); err != nil {
		return false, &SQLReaderError{Op: "fetch_cursor", Err: err}
	}
	if err := p.fetch(ctx); err != nil {
		return false, &SQLReaderError{Op: "fetch_cursor", Err: err}
	}
	return true, nil
}

// convertSQLValue converts SQL driver values to plain Go types.
func convertSQLValue(value interface{}, colType *sql.ColumnType) interface{} {
	if b, ok := value.([]byte); ok {
		switch strings.ToUpper(colType.DatabaseTypeName()) {
		case "BYTEA", "BLOB":
			out := make([]byte, len(b))
			copy(out, b)
			return out
		default:
			return string(b)
		}
	}

	switch v := value.(type) {
	case time.Time, bool, int64, float64, string:
		return v
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
			return rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint())
		case reflect.Float32:
			return rv.Float()
		default:
			return fmt.Sprintf("%v", v)
		}
	}
}

func (p *SQLReader) convertRowToRecord() core.Record {
	record := make(core.Record, len(p.columnNames))
	for i, columnName := range p.columnNames {
		value := p.values[i]
		if value == nil {
			p.stats.NullValueCounts[columnName]++
			record[columnName] = nil
			continue
		}
		record[columnName] = convertSQLValue(value, p.columnTypes[i])
	}
	return record
}
