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

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aaronlmathis/dwflow"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
	"github.com/aaronlmathis/dwflow/readers"
	"github.com/aaronlmathis/dwflow/writers"
)

// Export formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
)

type exportSpec struct {
	Query  string `yaml:"query"`
	File   string `yaml:"file"` // may contain {date}
	Format string `yaml:"format"`
}

// uploadSpec copies finished exports into an s3 connection.
type uploadSpec struct {
	Connection string `yaml:"connection"`
	Prefix     string `yaml:"prefix"` // may contain {date}
}

type sqlProcedureParams struct {
	Connection string `yaml:"connection"`
	// Call is shorthand for a single CALL statement, e.g. load_mart().
	Call         string        `yaml:"call"`
	Statements   []string      `yaml:"statements"`
	Exports      []exportSpec  `yaml:"exports"`
	OutputFolder string        `yaml:"output_folder"`
	Upload       *uploadSpec   `yaml:"upload"`
	Timeout      time.Duration `yaml:"timeout"`
}

func (p *sqlProcedureParams) withDefaults() {
	for i := range p.Exports {
		if p.Exports[i].Format == "" {
			p.Exports[i].Format = formatFromExt(p.Exports[i].File)
		}
	}
}

func formatFromExt(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson":
		return FormatJSONL
	default:
		return FormatCSV
	}
}

func (p *sqlProcedureParams) validate() error {
	var errs []error
	if p.Connection == "" {
		errs = append(errs, errors.New("connection is required"))
	}
	if p.Call == "" && len(p.Statements) == 0 && len(p.Exports) == 0 {
		errs = append(errs, errors.New("one of call, statements or exports is required"))
	}
	for i, s := range p.Statements {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Errorf("statements[%d] is empty", i))
		}
	}
	if len(p.Exports) > 0 && p.OutputFolder == "" {
		errs = append(errs, errors.New("output_folder is required for exports"))
	}
	for i, e := range p.Exports {
		if strings.TrimSpace(e.Query) == "" {
			errs = append(errs, fmt.Errorf("exports[%d].query is required", i))
		}
		if e.File == "" || filepath.IsAbs(e.File) || strings.Contains(e.File, "..") {
			errs = append(errs, fmt.Errorf("exports[%d].file must be a relative name, got %q", i, e.File))
		}
		switch e.Format {
		case FormatCSV, FormatParquet, FormatJSONL:
		default:
			errs = append(errs, fmt.Errorf("exports[%d].format: unknown format %q", i, e.Format))
		}
	}
	if p.Upload != nil {
		if len(p.Exports) == 0 {
			errs = append(errs, errors.New("upload needs at least one export"))
		}
		if p.Upload.Connection == "" {
			errs = append(errs, errors.New("upload.connection is required"))
		}
	}
	if p.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	return errors.Join(errs...)
}

func (p *sqlProcedureParams) statements() []string {
	var stmts []string
	if p.Call != "" {
		stmts = append(stmts, "CALL "+p.Call)
	}
	return append(stmts, p.Statements...)
}

// sqlProcedure runs warehouse statements, typically a stored procedure
// that refreshes a data mart, then exports query results to files.
type sqlProcedure struct {
	env    *Env
	params sqlProcedureParams
}

func newSQLProcedure(env *Env, params map[string]interface{}) (core.JobBody, error) {
	var p sqlProcedureParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &sqlProcedure{env: env, params: p}, nil
}

func (j *sqlProcedure) Execute(ctx context.Context, jc *core.JobContext) (int64, error) {
	if err := requireEnv(j.env); err != nil {
		return 0, err
	}
	p := j.params
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	db, dialect, err := j.env.SQL(ctx, p.Connection)
	if err != nil {
		return 0, err
	}

	var affected int64
	for i, stmt := range p.statements() {
		res, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return affected, fmt.Errorf("statement %d: %w", i+1, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			affected += n
		}
		jc.Logger.Debug("statement executed", "statement", i+1)
	}
	if len(p.Exports) == 0 {
		return affected, nil
	}

	var uploader *writers.S3Uploader
	if p.Upload != nil {
		uploader, err = j.env.S3Uploader(ctx, p.Upload.Connection, expandDate(p.Upload.Prefix, jc.Now()))
		if err != nil {
			return affected, err
		}
	}

	var exported int64
	for _, e := range p.Exports {
		path := filepath.Join(p.OutputFolder, expandDate(e.File, jc.Now()))
		start := time.Now()
		rows, err := exportQuery(ctx, db, dialect, e, path)
		elapsed := time.Since(start)
		if err != nil {
			discardFile(path)
			jc.RecordFile(ctx, path, rows, 0, core.FileFailed, elapsed)
			return exported, fmt.Errorf("export %s: %w", path, err)
		}
		size, err := commitFile(path)
		if err != nil {
			discardFile(path)
			jc.RecordFile(ctx, path, rows, 0, core.FileFailed, elapsed)
			return exported, fmt.Errorf("export %s: %w", path, err)
		}

		status := core.FileSuccess
		if rows == 0 {
			status = core.FileEmpty
		}
		jc.RecordFile(ctx, path, rows, size, status, elapsed)
		jc.Logger.Info("export written", "file", path, "format", e.Format, "rows", rows, "bytes", size)
		exported += rows

		if uploader != nil {
			name := filepath.ToSlash(expandDate(e.File, jc.Now()))
			if _, err := uploader.UploadFile(ctx, path, name); err != nil {
				return exported, err
			}
			jc.Logger.Info("export uploaded", "key", uploader.Key(name), "bytes", size)
		}
	}
	return exported, nil
}

// exportQuery streams the query result into the part file for path.
func exportQuery(ctx context.Context, db *sql.DB, dialect dbconn.Dialect, e exportSpec, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	reader, err := readers.NewSQLReader(db, dialect, readers.WithSQLQuery(e.Query))
	if err != nil {
		return 0, err
	}
	sink := &exportSink{format: e.Format, path: partPath(path), columns: reader.Columns}
	pipeline, err := dwflow.NewPipeline().From(reader).To(sink).Build()
	if err != nil {
		reader.Close()
		return 0, err
	}
	return pipeline.Execute(ctx)
}

// exportSink opens the export file on the first record so the file keeps
// the query's column order. An export that sees no record still gets a
// file carrying the columns.
type exportSink struct {
	format  string
	path    string
	columns func() []string
	sink    core.DataSink
}

func (s *exportSink) open() error {
	if s.sink != nil {
		return nil
	}
	sink, err := openExport(s.format, s.path, s.columns())
	if err != nil {
		return err
	}
	s.sink = sink
	return nil
}

func (s *exportSink) Write(ctx context.Context, record core.Record) error {
	if err := s.open(); err != nil {
		return err
	}
	return s.sink.Write(ctx, record)
}

func (s *exportSink) Flush() error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Flush()
}

func (s *exportSink) Close() error {
	if s.sink == nil {
		if err := s.open(); err != nil {
			return err
		}
		if hw, ok := s.sink.(interface{ WriteHeaderOnly() error }); ok {
			if err := hw.WriteHeaderOnly(); err != nil {
				s.sink.Close()
				return err
			}
		}
	}
	return s.sink.Close()
}

func openExport(format, path string, columns []string) (core.DataSink, error) {
	switch format {
	case FormatParquet:
		opts := []writers.WriterOption{}
		if len(columns) > 0 {
			opts = append(opts, writers.WithFieldOrder(columns))
		}
		w, err := writers.NewParquetWriter(path, opts...)
		if err != nil {
			return nil, err
		}
		return w, nil
	case FormatJSONL:
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		return writers.NewJSONWriter(f), nil
	default:
		opts := []writers.WriterOptionCSV{writers.WithBOM(true)}
		if len(columns) > 0 {
			opts = append(opts, writers.WithHeaders(columns))
		}
		w, err := writers.CreateCSVFile(path, opts...)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
