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

// Package store implements core.ControlStore on a relational database.
//
// The process table holds one row per execution attempt and the file table
// holds append-only file ingestion records. Both PostgreSQL and SQLite are
// supported; queries are written once with ? placeholders and rebound for
// the connection's dialect.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// StoreError wraps control store failures with the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("control store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Options configures a Store.
type Options struct {
	ProcessTable     string
	FileTable        string
	MaxMessageLength int
	LegacyStatus     bool // write PROCESS/FAIL instead of RUNNING/FAILED
	Location         *time.Location
	Clock            func() time.Time
	QueryTimeout     time.Duration
	Logger           *slog.Logger
}

// Option configures Options.
type Option func(*Options)

// WithTables overrides the control table names.
func WithTables(processTable, fileTable string) Option {
	return func(o *Options) {
		if processTable != "" {
			o.ProcessTable = processTable
		}
		if fileTable != "" {
			o.FileTable = fileTable
		}
	}
}

// WithMaxMessageLength bounds the message appended to process_name.
func WithMaxMessageLength(n int) Option {
	return func(o *Options) { o.MaxMessageLength = n }
}

// WithLegacyStatus writes the PROCESS and FAIL spellings used by older
// loaders sharing the same table.
func WithLegacyStatus(legacy bool) Option {
	return func(o *Options) { o.LegacyStatus = legacy }
}

// WithLocation sets the location that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(o *Options) { o.Location = loc }
}

// WithClock sets the clock used for started_at, update_at and "today".
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// WithQueryTimeout bounds every store statement.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *Options) { o.QueryTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func (o *Options) withDefaults() *Options {
	if o.ProcessTable == "" {
		o.ProcessTable = "process_log"
	}
	if o.FileTable == "" {
		o.FileTable = "file_log"
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 200
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.QueryTimeout == 0 {
		o.QueryTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func validateOptions(o *Options) error {
	if !dbconn.ValidIdentifier(o.ProcessTable) {
		return fmt.Errorf("invalid process table name %q", o.ProcessTable)
	}
	if !dbconn.ValidIdentifier(o.FileTable) {
		return fmt.Errorf("invalid file table name %q", o.FileTable)
	}
	return nil
}

// Store is a SQL-backed control store. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dbconn.Dialect
	opts    Options
	owned   bool
}

var _ core.ControlStore = (*Store)(nil)

// New wraps an open database handle.
func New(db *sql.DB, dialect dbconn.Dialect, options ...Option) (*Store, error) {
	opts := (&Options{}).withDefaults()
	for _, opt := range options {
		opt(opts)
	}
	if err := validateOptions(opts); err != nil {
		return nil, &StoreError{Op: "validate", Err: err}
	}
	return &Store{db: db, dialect: dialect, opts: *opts}, nil
}

// Open connects to the database and returns a store that owns the
// connection.
func Open(ctx context.Context, driver, dsn string, options ...Option) (*Store, error) {
	db, dialect, err := dbconn.Open(ctx, driver, dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	s, err := New(db, dialect, options...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Close closes the connection when the store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// Dialect returns the SQL dialect of the store connection.
func (s *Store) Dialect() dbconn.Dialect { return s.dialect }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.opts.Clock() }

// Migrate creates the control tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema/" + string(s.dialect) + ".sql")
	if err != nil {
		return &StoreError{Op: "migrate", Err: err}
	}
	ddl := strings.NewReplacer(
		"{{process_table}}", s.opts.ProcessTable,
		"{{process_index}}", strings.ReplaceAll(s.opts.ProcessTable, ".", "_")+"_key_idx",
		"{{file_table}}", s.opts.FileTable,
	).Replace(string(raw))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &StoreError{Op: "migrate", Err: err}
		}
	}
	return nil
}

// DayBounds returns the half-open interval of the calendar day containing t.
func (s *Store) DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(s.opts.Location).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location)
	return start, start.AddDate(0, 0, 1)
}

const runColumns = "process_id, process_code, process_name, source_id, status, started_at, update_at"

// FindLatestRun returns the newest run for the key on the day containing
// day, or nil when there is none.
func (s *Store) FindLatestRun(ctx context.Context, processCode string, sourceID int64, day time.Time) (*core.ProcessRun, error) {
	start, end := s.DayBounds(day)
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE process_code = ? AND source_id = ? AND started_at >= ? AND started_at < ?
		ORDER BY process_id DESC LIMIT 1`, runColumns, s.opts.ProcessTable)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), processCode, sourceID, start.UTC(), end.UTC())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "find_latest_run", Err: err}
	}
	return run, nil
}

// CreateRun inserts a RUNNING row and returns its id.
func (s *Store) CreateRun(ctx context.Context, processCode, processName string, sourceID int64) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (process_code, process_name, source_id, status, started_at)
		VALUES (?, ?, ?, ?, ?) RETURNING process_id`, s.opts.ProcessTable)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query),
		processCode, processName, sourceID, s.statusValue(core.StatusRunning), s.opts.Clock().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, &StoreError{Op: "create_run", Err: err}
	}
	return id, nil
}

// FinalizeRun moves a RUNNING row to a terminal status and appends message
// to its process_name. A finalize that changes no row is an integrity
// error.
func (s *Store) FinalizeRun(ctx context.Context, processID int64, status core.Status, message string) error {
	if !status.IsTerminal() {
		return &StoreError{Op: "finalize_run", Err: fmt.Errorf("%w: %s", core.ErrInvalidStatus, status)}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.opts.Clock().UTC()
	running := s.runningValues()
	var (
		query string
		args  []interface{}
	)
	if msg := s.truncate(message); msg != "" {
		query = fmt.Sprintf(`UPDATE %s SET status = ?, update_at = ?, process_name = process_name || ' - ' || ?
			WHERE process_id = ? AND status IN (?, ?)`, s.opts.ProcessTable)
		args = []interface{}{s.statusValue(status), now, msg, processID, running[0], running[1]}
	} else {
		query = fmt.Sprintf(`UPDATE %s SET status = ?, update_at = ?
			WHERE process_id = ? AND status IN (?, ?)`, s.opts.ProcessTable)
		args = []interface{}{s.statusValue(status), now, processID, running[0], running[1]}
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return &core.IntegrityError{Op: "finalize_run", ProcessID: processID, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &core.IntegrityError{Op: "finalize_run", ProcessID: processID, Err: err}
	}
	if affected == 1 {
		return nil
	}
	if affected > 1 {
		return &core.IntegrityError{Op: "finalize_run", ProcessID: processID,
			Err: fmt.Errorf("updated %d rows for one process id", affected)}
	}

	cause := s.explainMissedFinalize(ctx, processID)
	return &core.IntegrityError{Op: "finalize_run", ProcessID: processID, Err: cause}
}

func (s *Store) explainMissedFinalize(ctx context.Context, processID int64) error {
	query := fmt.Sprintf(`SELECT status FROM %s WHERE process_id = ?`, s.opts.ProcessTable)
	var raw string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), processID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return core.ErrRunNotFound
	case err != nil:
		return fmt.Errorf("no row updated; status lookup failed: %w", err)
	default:
		return fmt.Errorf("%w (status=%s)", core.ErrRunTerminal, raw)
	}
}

// RecordFile appends a file ingestion record.
func (s *Store) RecordFile(ctx context.Context, rec core.FileIngestionRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s (source_id, file_path, "time", "count", size, status, execute_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, s.opts.FileTable)

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.opts.Clock()
	}
	status := rec.Status
	if status == "" {
		status = core.FileSuccess
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(query),
		rec.SourceID, rec.FilePath, ts.UTC(), rec.RowCount, rec.ByteSize, string(status), rec.ExecutionTime.Seconds())
	if err != nil {
		return &StoreError{Op: "record_file", Err: err}
	}
	return nil
}

// ListRuns returns the runs started on the day containing day, newest first.
func (s *Store) ListRuns(ctx context.Context, day time.Time, limit int) ([]core.ProcessRun, error) {
	if limit <= 0 {
		limit = 100
	}
	start, end := s.DayBounds(day)
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE started_at >= ? AND started_at < ?
		ORDER BY process_id DESC LIMIT %d`, runColumns, s.opts.ProcessTable, limit)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), start.UTC(), end.UTC())
	if err != nil {
		return nil, &StoreError{Op: "list_runs", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var runs []core.ProcessRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &StoreError{Op: "list_runs", Err: err}
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list_runs", Err: err}
	}
	return runs, nil
}

// FailStaleRuns finalizes as FAILED every RUNNING row started before
// cutoff and returns how many rows were changed.
func (s *Store) FailStaleRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	running := s.runningValues()
	query := fmt.Sprintf(`UPDATE %s SET status = ?, update_at = ?, process_name = process_name || ' - ' || ?
		WHERE status IN (?, ?) AND started_at < ?`, s.opts.ProcessTable)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query),
		s.statusValue(core.StatusFailed), s.opts.Clock().UTC(), StaleRunMessage,
		running[0], running[1], cutoff.UTC())
	if err != nil {
		return 0, &StoreError{Op: "fail_stale_runs", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StoreError{Op: "fail_stale_runs", Err: err}
	}
	if n > 0 {
		s.opts.Logger.Warn("stale runs marked failed", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// StaleRunMessage is appended to runs recovered from a crashed executor.
const StaleRunMessage = "stale run recovered"

func (s *Store) statusValue(status core.Status) string {
	if s.opts.LegacyStatus {
		switch status {
		case core.StatusRunning:
			return "PROCESS"
		case core.StatusFailed:
			return "FAIL"
		}
	}
	return string(status)
}

func (s *Store) runningValues() [2]string {
	return [2]string{string(core.StatusRunning), "PROCESS"}
}

func (s *Store) truncate(msg string) string {
	msg = strings.TrimSpace(msg)
	if utf8.RuneCountInString(msg) <= s.opts.MaxMessageLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:s.opts.MaxMessageLength])
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.QueryTimeout)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*core.ProcessRun, error) {
	var (
		run     core.ProcessRun
		status  string
		started flexTime
		updated flexTime
	)
	if err := row.Scan(&run.ProcessID, &run.ProcessCode, &run.ProcessName, &run.SourceID,
		&status, &started, &updated); err != nil {
		return nil, err
	}
	parsed, err := core.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	run.Status = parsed
	run.StartedAt = started.Time
	if updated.Valid {
		t := updated.Time
		run.UpdatedAt = &t
	}
	return &run, nil
}
