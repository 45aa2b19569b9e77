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
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/aaronlmathis/dwflow"
	"github.com/aaronlmathis/dwflow/aggregate"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
	"github.com/aaronlmathis/dwflow/filter"
	"github.com/aaronlmathis/dwflow/readers"
	"github.com/aaronlmathis/dwflow/transform"
	"github.com/aaronlmathis/dwflow/validators"
	"github.com/aaronlmathis/dwflow/writers"
)

type timestampSpec struct {
	Field     string `yaml:"field"`
	Overwrite bool   `yaml:"overwrite"`
}

type normalizeSpec struct {
	Field      string      `yaml:"field"`
	Target     string      `yaml:"target"`
	Normalizer string      `yaml:"normalizer"`
	Default    interface{} `yaml:"default"`
}

// deriveSpec computes Target from Field, either divided by DivideBy or, with
// PerArea set, as price per square metre in millions.
type deriveSpec struct {
	Target   string      `yaml:"target"`
	Field    string      `yaml:"field"`
	DivideBy float64     `yaml:"divide_by"`
	PerArea  string      `yaml:"per_area"`
	Default  interface{} `yaml:"default"`
}

type qualitySpec struct {
	Required        []string `yaml:"required"`
	Unique          []string `yaml:"unique"`
	Positive        []string `yaml:"positive"`
	MinRows         int      `yaml:"min_rows"`
	FailOnViolation bool     `yaml:"fail_on_violation"`
}

type aggregateSpec struct {
	Op     string `yaml:"op"` // count, sum, avg, min, max
	Field  string `yaml:"field"`
	Target string `yaml:"target"`
}

type conflictSpec struct {
	On     []string `yaml:"on"`
	Action string   `yaml:"action"` // ignore or update
	Update []string `yaml:"update"`
}

type tableTransformParams struct {
	Connection        string `yaml:"connection"`
	TargetConnection  string `yaml:"target_connection"`
	SourceTable       string `yaml:"source_table"`
	Query             string `yaml:"query"`
	RequireSourceRows bool   `yaml:"require_source_rows"`

	ColumnMapping map[string]string      `yaml:"column_mapping"`
	KeepColumns   []string               `yaml:"keep_columns"`
	Trim          []string               `yaml:"trim"`
	Timestamps    []timestampSpec        `yaml:"timestamps"`
	Normalize     []normalizeSpec        `yaml:"normalize"`
	Derive        []deriveSpec           `yaml:"derive"`
	Constants     map[string]interface{} `yaml:"constants"`
	Where         []filter.Condition     `yaml:"where"`
	GroupBy       []string               `yaml:"group_by"`
	Aggregates    []aggregateSpec        `yaml:"aggregates"`
	Columns       []string               `yaml:"columns"`
	Quality       *qualitySpec           `yaml:"quality"`

	TargetTable string        `yaml:"target_table"`
	Truncate    bool          `yaml:"truncate"`
	CreateTable bool          `yaml:"create_table"`
	BatchSize   int           `yaml:"batch_size"`
	Conflict    *conflictSpec `yaml:"conflict"`
	ExportCSV   string        `yaml:"export_csv"` // may contain {date}
	DateDim     *dateDimSpec  `yaml:"date_dim"`

	where   core.Filter
	groupBy *aggregate.GroupBy
}

func (p *tableTransformParams) withDefaults() {
	if p.TargetConnection == "" {
		p.TargetConnection = p.Connection
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 5000
	}
	if p.Conflict != nil && p.Conflict.Action == "" {
		p.Conflict.Action = "ignore"
	}
}

func (p *tableTransformParams) validate() error {
	var errs []error
	if p.Connection == "" {
		errs = append(errs, errors.New("connection is required"))
	}
	switch {
	case p.SourceTable == "" && p.Query == "":
		errs = append(errs, errors.New("one of source_table or query is required"))
	case p.SourceTable != "" && p.Query != "":
		errs = append(errs, errors.New("source_table and query are exclusive"))
	case p.SourceTable != "" && !dbconn.ValidIdentifier(p.SourceTable):
		errs = append(errs, fmt.Errorf("source_table: invalid table name %q", p.SourceTable))
	}
	if !dbconn.ValidIdentifier(p.TargetTable) {
		errs = append(errs, fmt.Errorf("target_table: invalid table name %q", p.TargetTable))
	}
	for _, c := range p.Columns {
		if !dbconn.ValidIdentifier(c) {
			errs = append(errs, fmt.Errorf("columns: invalid column name %q", c))
		}
	}
	for i, t := range p.Timestamps {
		if t.Field == "" {
			errs = append(errs, fmt.Errorf("timestamps[%d].field is required", i))
		}
	}
	for i, n := range p.Normalize {
		if n.Field == "" || n.Target == "" {
			errs = append(errs, fmt.Errorf("normalize[%d] needs field and target", i))
		}
		if _, ok := transform.Lookup(n.Normalizer); !ok {
			errs = append(errs, fmt.Errorf("normalize[%d]: unknown normalizer %q", i, n.Normalizer))
		}
	}
	for i, d := range p.Derive {
		if d.Field == "" || d.Target == "" {
			errs = append(errs, fmt.Errorf("derive[%d] needs field and target", i))
		}
		if (d.DivideBy == 0) == (d.PerArea == "") {
			errs = append(errs, fmt.Errorf("derive[%d] needs exactly one of divide_by or per_area", i))
		}
	}
	if q := p.Quality; q != nil && q.MinRows < 0 {
		errs = append(errs, errors.New("quality.min_rows must not be negative"))
	}
	if c := p.Conflict; c != nil {
		if len(c.On) == 0 {
			errs = append(errs, errors.New("conflict.on is required"))
		}
		switch c.Action {
		case "ignore":
		case "update":
			if len(c.Update) == 0 {
				errs = append(errs, errors.New("conflict.update is required for action update"))
			}
		default:
			errs = append(errs, fmt.Errorf("conflict.action must be ignore or update, got %q", c.Action))
		}
	}
	if d := p.DateDim; d != nil {
		if !dbconn.ValidIdentifier(d.Table) {
			errs = append(errs, fmt.Errorf("date_dim.table: invalid table name %q", d.Table))
		}
		if d.KeyField == "" {
			errs = append(errs, errors.New("date_dim.key_field is required"))
		}
	}

	if len(p.GroupBy) > 0 && len(p.Aggregates) == 0 {
		errs = append(errs, errors.New("group_by needs at least one aggregate"))
	}
	if len(p.Aggregates) > 0 {
		p.groupBy = aggregate.NewGroupBy(p.GroupBy...)
		for i, a := range p.Aggregates {
			if err := p.groupBy.Add(a.Op, a.Field, a.Target); err != nil {
				errs = append(errs, fmt.Errorf("aggregates[%d]: %w", i, err))
			}
		}
	}

	where, err := filter.Build(p.Where)
	if err != nil {
		errs = append(errs, fmt.Errorf("where: %w", err))
	}
	p.where = where
	return errors.Join(errs...)
}

// transformers returns the record steps in application order: mapping,
// trimming, timestamps, normalisers, derived fields, constants.
func (p *tableTransformParams) transformers(now func() time.Time) []core.Transformer {
	var steps []core.Transformer
	if len(p.ColumnMapping) > 0 {
		steps = append(steps, transform.MapColumns(p.ColumnMapping, p.KeepColumns...))
	}
	if len(p.Trim) > 0 {
		steps = append(steps, transform.TrimSpace(p.Trim...))
	}
	for _, t := range p.Timestamps {
		steps = append(steps, transform.Timestamp(t.Field, now, t.Overwrite))
	}
	for _, n := range p.Normalize {
		fn, _ := transform.Lookup(n.Normalizer)
		steps = append(steps, transform.Normalize(n.Field, n.Target, fn, n.Default))
	}
	for _, d := range p.Derive {
		if d.PerArea == "" {
			steps = append(steps, transform.Divide(d.Field, d.Target, d.DivideBy, d.Default))
			continue
		}
		price, area, def := d.Field, d.PerArea, d.Default
		steps = append(steps, transform.AddField(d.Target, func(r core.Record) interface{} {
			if v, ok := transform.PricePerM2(r[price], r[area]); ok {
				return v
			}
			return def
		}))
	}
	keys := make([]string, 0, len(p.Constants))
	for k := range p.Constants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		steps = append(steps, transform.Constant(k, p.Constants[k]))
	}
	return steps
}

func (p *tableTransformParams) sourceQuery() string {
	if p.Query != "" {
		return p.Query
	}
	return "SELECT * FROM " + p.SourceTable
}

// tableTransform cleans rows from a staging table into a warehouse table.
// Rows are validated before anything is written, so a failed quality check
// leaves the target untouched.
type tableTransform struct {
	env    *Env
	params tableTransformParams
}

func newTableTransform(env *Env, params map[string]interface{}) (core.JobBody, error) {
	var p tableTransformParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &tableTransform{env: env, params: p}, nil
}

func (j *tableTransform) Execute(ctx context.Context, jc *core.JobContext) (int64, error) {
	if err := requireEnv(j.env); err != nil {
		return 0, err
	}
	p := j.params

	records, read, err := j.collect(ctx, jc)
	if err != nil {
		return 0, err
	}
	if read == 0 && p.RequireSourceRows {
		return 0, fmt.Errorf("source %s returned no rows", j.sourceName())
	}
	jc.Logger.Info("rows transformed", "source", j.sourceName(), "read", read, "kept", len(records))

	if p.groupBy != nil {
		if records, err = p.groupBy.Apply(ctx, records); err != nil {
			return 0, err
		}
		if len(p.Columns) > 0 {
			records = project(records, p.Columns)
		}
		jc.Logger.Info("rows aggregated", "group_by", p.GroupBy, "groups", len(records))
	}

	if q := p.Quality; q != nil {
		dqv := validators.NewDataQualityValidator(q.MinRows, q.Required,
			validators.WithUniqueKey(q.Unique...),
			validators.WithPositiveFields(q.Positive...),
			validators.WithTable(p.TargetTable))
		report := dqv.Validate(records)
		if !report.Valid() {
			if q.FailOnViolation {
				return 0, dqv.Err()
			}
			jc.Logger.Warn("data quality issues", "table", p.TargetTable, "report", report.String())
		}
	}

	db, dialect, err := j.env.SQL(ctx, p.TargetConnection)
	if err != nil {
		return 0, err
	}
	if d := p.DateDim; d != nil {
		keys := dateKeys(records, d.KeyField)
		if fb := d.fallback(); fb != 0 {
			keys = append(keys, fb)
		}
		n, err := ensureDates(ctx, db, dialect, d.Table, keys)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			jc.Logger.Info("date dimension extended", "table", d.Table, "inserted", n)
		}
	}

	rows, err := j.load(ctx, records)
	if err != nil {
		return rows, err
	}
	if p.ExportCSV != "" {
		if err := j.export(ctx, jc, records); err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func (j *tableTransform) sourceName() string {
	if j.params.SourceTable != "" {
		return j.params.SourceTable
	}
	return "query"
}

// collect reads and transforms every source row into memory. It returns
// the kept records and the number of rows read.
func (j *tableTransform) collect(ctx context.Context, jc *core.JobContext) ([]core.Record, int64, error) {
	p := j.params
	db, dialect, err := j.env.SQL(ctx, p.Connection)
	if err != nil {
		return nil, 0, err
	}
	reader, err := readers.NewSQLReader(db, dialect, readers.WithSQLQuery(p.sourceQuery()))
	if err != nil {
		return nil, 0, err
	}

	var read int64
	builder := dwflow.NewPipeline().From(reader).
		Map(func(ctx context.Context, r core.Record) (core.Record, error) {
			read++
			return r, nil
		})
	for _, step := range p.transformers(jc.Now) {
		builder = builder.Transform(step)
	}
	sink := &memorySink{}
	builder = builder.Filter(p.where)
	if len(p.Columns) > 0 && p.groupBy == nil {
		sink.columns = p.Columns
	}
	pipeline, err := builder.To(sink).Build()
	if err != nil {
		reader.Close()
		return nil, 0, err
	}
	if _, err := pipeline.Execute(ctx); err != nil {
		return nil, read, fmt.Errorf("transform %s: %w", j.sourceName(), err)
	}
	return sink.records, read, nil
}

func (j *tableTransform) load(ctx context.Context, records []core.Record) (int64, error) {
	p := j.params
	db, dialect, err := j.env.SQL(ctx, p.TargetConnection)
	if err != nil {
		return 0, err
	}
	opts := []writers.SQLWriterOption{
		writers.WithTableName(p.TargetTable),
		writers.WithSQLWriterBatchSize(p.BatchSize),
		writers.WithCreateTable(p.CreateTable, false),
		writers.WithTruncateTable(p.Truncate),
	}
	if len(p.Columns) > 0 {
		opts = append(opts, writers.WithColumns(p.Columns))
	}
	if c := p.Conflict; c != nil {
		res := writers.ConflictIgnore
		if c.Action == "update" {
			res = writers.ConflictUpdate
		}
		opts = append(opts, writers.WithConflictResolution(res, c.On, c.Update))
	}
	writer, err := writers.NewSQLWriter(db, dialect, opts...)
	if err != nil {
		return 0, err
	}

	pipeline, err := dwflow.NewPipeline().From(&sliceSource{records: records}).To(writer).Build()
	if err != nil {
		return 0, err
	}
	rows, err := pipeline.Execute(ctx)
	if err != nil {
		return rows, fmt.Errorf("load %s: %w", p.TargetTable, err)
	}
	if rows == 0 && len(p.Columns) > 0 {
		if err := writer.Prepare(ctx); err != nil {
			return 0, err
		}
	}
	return rows, nil
}

func (j *tableTransform) export(ctx context.Context, jc *core.JobContext, records []core.Record) error {
	path := expandDate(j.params.ExportCSV, jc.Now())
	start := time.Now()

	opts := []writers.WriterOptionCSV{writers.WithBOM(true)}
	if len(j.params.Columns) > 0 {
		opts = append(opts, writers.WithHeaders(j.params.Columns))
	}
	writer, err := writers.CreateCSVFile(partPath(path), opts...)
	if err != nil {
		return err
	}
	if err := writer.WriteHeaderOnly(); err != nil {
		writer.Close()
		return err
	}
	pipeline, err := dwflow.NewPipeline().From(&sliceSource{records: records}).To(writer).Build()
	if err != nil {
		writer.Close()
		return err
	}
	rows, err := pipeline.Execute(ctx)
	if err == nil {
		var size int64
		if size, err = commitFile(path); err == nil {
			status := core.FileSuccess
			if rows == 0 {
				status = core.FileEmpty
			}
			jc.RecordFile(ctx, path, rows, size, status, time.Since(start))
			jc.Logger.Info("clean export written", "file", filepath.Base(path), "rows", rows)
			return nil
		}
	}
	discardFile(path)
	jc.RecordFile(ctx, path, rows, 0, core.FileFailed, time.Since(start))
	return fmt.Errorf("export %s: %w", path, err)
}

func dateKeys(records []core.Record, field string) []int {
	seen := make(map[int]bool)
	var keys []int
	for _, r := range records {
		var (
			k  int
			ok bool
		)
		switch v := r[field].(type) {
		case int:
			k, ok = v, true
		case int64:
			k, ok = int(v), true
		default:
			k, ok = transform.DateKey(v)
		}
		if ok && k > 0 && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// memorySink collects records, optionally projected onto columns.
type memorySink struct {
	columns []string
	records []core.Record
}

func (m *memorySink) Write(ctx context.Context, record core.Record) error {
	if len(m.columns) > 0 {
		record = projectRecord(record, m.columns)
	}
	m.records = append(m.records, record)
	return nil
}

func projectRecord(record core.Record, columns []string) core.Record {
	out := make(core.Record, len(columns))
	for _, c := range columns {
		out[c] = record[c]
	}
	return out
}

func project(records []core.Record, columns []string) []core.Record {
	for i, r := range records {
		records[i] = projectRecord(r, columns)
	}
	return records
}

func (m *memorySink) Flush() error { return nil }
func (m *memorySink) Close() error { return nil }

// sliceSource replays collected records.
type sliceSource struct {
	records []core.Record
	next    int
}

func (s *sliceSource) Read(ctx context.Context) (core.Record, error) {
	if s.next >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.next]
	s.next++
	return r, nil
}

func (s *sliceSource) Close() error { return nil }
