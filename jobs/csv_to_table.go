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
	"time"

	"github.com/aaronlmathis/dwflow"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
	"github.com/aaronlmathis/dwflow/readers"
	"github.com/aaronlmathis/dwflow/writers"
)

type csvFile struct {
	FilePattern    string `yaml:"file_pattern"`
	TargetTable    string `yaml:"target_table"`
	TruncateBefore bool   `yaml:"truncate_before"`
}

type csvToTableParams struct {
	Connection   string    `yaml:"connection"`
	SourceFolder string    `yaml:"source_folder"`
	Files        []csvFile `yaml:"files"`
	// RawColumns loads every column as text under field1..fieldN.
	RawColumns  bool   `yaml:"raw_columns"`
	CreateTable *bool  `yaml:"create_table"`
	Delimiter   string `yaml:"delimiter"`
	BatchSize   int    `yaml:"batch_size"`
	// MissingOK skips a file entry with no matching file instead of
	// failing the job.
	MissingOK bool `yaml:"missing_ok"`

	comma rune
}

func (p *csvToTableParams) withDefaults() {
	if p.BatchSize <= 0 {
		p.BatchSize = 5000
	}
	if p.CreateTable == nil {
		create := true
		p.CreateTable = &create
	}
}

func (p *csvToTableParams) validate() error {
	var errs []error
	if p.Connection == "" {
		errs = append(errs, errors.New("connection is required"))
	}
	if p.SourceFolder == "" {
		errs = append(errs, errors.New("source_folder is required"))
	}
	if len(p.Files) == 0 {
		errs = append(errs, errors.New("files must not be empty"))
	}
	for i, f := range p.Files {
		if f.FilePattern == "" {
			errs = append(errs, fmt.Errorf("files[%d].file_pattern is required", i))
		}
		if !dbconn.ValidIdentifier(f.TargetTable) {
			errs = append(errs, fmt.Errorf("files[%d].target_table: invalid table name %q", i, f.TargetTable))
		}
	}
	comma, err := parseDelimiter(p.Delimiter)
	if err != nil {
		errs = append(errs, err)
	}
	p.comma = comma
	return errors.Join(errs...)
}

// csvToTable loads the newest CSV file matching each file entry into its
// staging table.
type csvToTable struct {
	env    *Env
	params csvToTableParams
}

func newCSVToTable(env *Env, params map[string]interface{}) (core.JobBody, error) {
	var p csvToTableParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &csvToTable{env: env, params: p}, nil
}

func (j *csvToTable) Execute(ctx context.Context, jc *core.JobContext) (int64, error) {
	if err := requireEnv(j.env); err != nil {
		return 0, err
	}
	db, dialect, err := j.env.SQL(ctx, j.params.Connection)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, spec := range j.params.Files {
		pattern := expandDate(spec.FilePattern, jc.Now())
		path, info, err := newestMatch(j.params.SourceFolder, pattern)
		if errors.Is(err, errNoMatch) && j.params.MissingOK {
			jc.Logger.Warn("no file to load", "pattern", pattern, "folder", j.params.SourceFolder)
			continue
		}
		if err != nil {
			return total, err
		}

		start := time.Now()
		rows, err := j.loadFile(ctx, db, dialect, path, spec)
		elapsed := time.Since(start)
		if err != nil {
			jc.RecordFile(ctx, path, rows, info.Size(), core.FileFailed, elapsed)
			return total, fmt.Errorf("load %s into %s: %w", path, spec.TargetTable, err)
		}

		status := core.FileSuccess
		if rows == 0 {
			status = core.FileEmpty
		}
		jc.RecordFile(ctx, path, rows, info.Size(), status, elapsed)
		jc.Logger.Info("file loaded",
			"file", path,
			"table", spec.TargetTable,
			"rows", rows,
			"elapsed", elapsed)
		total += rows
	}
	return total, nil
}

func (j *csvToTable) loadFile(ctx context.Context, db *sql.DB, dialect dbconn.Dialect, path string, spec csvFile) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	reader, err := readers.NewCSVReader(f,
		readers.WithCSVComma(j.params.comma),
		readers.WithCSVRawColumns(j.params.RawColumns),
		readers.WithCSVInferTypes(!j.params.RawColumns),
	)
	if err != nil {
		f.Close()
		return 0, err
	}

	opts := []writers.SQLWriterOption{
		writers.WithTableName(spec.TargetTable),
		writers.WithSQLWriterBatchSize(j.params.BatchSize),
		writers.WithCreateTable(*j.params.CreateTable, j.params.RawColumns),
		writers.WithTruncateTable(spec.TruncateBefore),
	}
	if cols := reader.Columns(); len(cols) > 0 {
		opts = append(opts, writers.WithColumns(cols))
	}
	writer, err := writers.NewSQLWriter(db, dialect, opts...)
	if err != nil {
		reader.Close()
		return 0, err
	}

	pipeline, err := dwflow.NewPipeline().From(reader).To(writer).Build()
	if err != nil {
		reader.Close()
		return 0, err
	}
	rows, err := pipeline.Execute(ctx)
	if err != nil {
		return rows, err
	}
	// A header-only file still creates and truncates the table.
	if rows == 0 && len(reader.Columns()) > 0 {
		if err := writer.Prepare(ctx); err != nil {
			return 0, err
		}
	}
	return rows, nil
}
