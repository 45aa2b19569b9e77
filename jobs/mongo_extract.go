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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/aaronlmathis/dwflow"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
	"github.com/aaronlmathis/dwflow/readers"
	"github.com/aaronlmathis/dwflow/transform"
	"github.com/aaronlmathis/dwflow/writers"
)

type sortKey struct {
	Field string `yaml:"field"`
	Order int    `yaml:"order"` // 1 ascending, -1 descending
}

type tableTarget struct {
	Connection  string   `yaml:"connection"`
	Table       string   `yaml:"table"`
	Truncate    bool     `yaml:"truncate"`
	CreateTable bool     `yaml:"create_table"`
	Columns     []string `yaml:"columns"`
	BatchSize   int      `yaml:"batch_size"`
}

type mongoExtractParams struct {
	Connection string                   `yaml:"connection"`
	Collection string                   `yaml:"collection"`
	Filter     map[string]interface{}   `yaml:"filter"`
	Projection map[string]interface{}   `yaml:"projection"`
	Sort       []sortKey                `yaml:"sort"`
	Pipeline   []map[string]interface{} `yaml:"pipeline"`
	Limit      int64                    `yaml:"limit"`
	Timeout    time.Duration            `yaml:"timeout"`
	// Rename maps document fields to column names, e.g. _id: listing_id.
	Rename map[string]string `yaml:"rename"`
	Target tableTarget       `yaml:"target"`
}

func (p *mongoExtractParams) withDefaults() {
	if p.Target.BatchSize <= 0 {
		p.Target.BatchSize = 5000
	}
}

func (p *mongoExtractParams) validate() error {
	var errs []error
	if p.Connection == "" {
		errs = append(errs, errors.New("connection is required"))
	}
	if p.Collection == "" {
		errs = append(errs, errors.New("collection is required"))
	}
	if len(p.Pipeline) > 0 && (len(p.Filter) > 0 || len(p.Projection) > 0 || len(p.Sort) > 0) {
		errs = append(errs, errors.New("pipeline cannot be combined with filter, projection or sort"))
	}
	for i, s := range p.Sort {
		if s.Field == "" || (s.Order != 1 && s.Order != -1) {
			errs = append(errs, fmt.Errorf("sort[%d] needs a field and order 1 or -1", i))
		}
	}
	if p.Limit < 0 {
		errs = append(errs, errors.New("limit must not be negative"))
	}
	errs = append(errs, p.Target.validate("target"))
	return errors.Join(errs...)
}

func (t tableTarget) validate(name string) error {
	var errs []error
	if t.Connection == "" {
		errs = append(errs, fmt.Errorf("%s.connection is required", name))
	}
	if !dbconn.ValidIdentifier(t.Table) {
		errs = append(errs, fmt.Errorf("%s.table: invalid table name %q", name, t.Table))
	}
	for _, c := range t.Columns {
		if !dbconn.ValidIdentifier(c) {
			errs = append(errs, fmt.Errorf("%s.columns: invalid column name %q", name, c))
		}
	}
	return errors.Join(errs...)
}

func (p *mongoExtractParams) readerOptions() []readers.ReaderOptionMongo {
	opts := []readers.ReaderOptionMongo{readers.WithMongoCollection(p.Collection)}
	if len(p.Pipeline) > 0 {
		stages := make([]bson.M, len(p.Pipeline))
		for i, s := range p.Pipeline {
			stages[i] = bson.M(s)
		}
		opts = append(opts, readers.WithMongoPipeline(stages))
	}
	if len(p.Filter) > 0 {
		opts = append(opts, readers.WithMongoFilter(bson.M(p.Filter)))
	}
	if len(p.Projection) > 0 {
		opts = append(opts, readers.WithMongoProjection(bson.M(p.Projection)))
	}
	if len(p.Sort) > 0 {
		sort := make(bson.D, len(p.Sort))
		for i, s := range p.Sort {
			sort[i] = bson.E{Key: s.Field, Value: s.Order}
		}
		opts = append(opts, readers.WithMongoSort(sort))
	}
	if p.Limit > 0 {
		opts = append(opts, readers.WithMongoLimit(p.Limit))
	}
	if p.Timeout > 0 {
		opts = append(opts, readers.WithMongoTimeout(p.Timeout))
	}
	return opts
}

// mongoExtract copies documents from a collection into a SQL staging
// table. Nested documents and arrays are stored as JSON text.
type mongoExtract struct {
	env    *Env
	params mongoExtractParams
}

func newMongoExtract(env *Env, params map[string]interface{}) (core.JobBody, error) {
	var p mongoExtractParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &mongoExtract{env: env, params: p}, nil
}

func (j *mongoExtract) Execute(ctx context.Context, jc *core.JobContext) (int64, error) {
	if err := requireEnv(j.env); err != nil {
		return 0, err
	}
	p := j.params

	db, dialect, err := j.env.SQL(ctx, p.Target.Connection)
	if err != nil {
		return 0, err
	}
	writerOpts := []writers.SQLWriterOption{
		writers.WithTableName(p.Target.Table),
		writers.WithSQLWriterBatchSize(p.Target.BatchSize),
		writers.WithCreateTable(p.Target.CreateTable, false),
		writers.WithTruncateTable(p.Target.Truncate),
	}
	if len(p.Target.Columns) > 0 {
		writerOpts = append(writerOpts, writers.WithColumns(p.Target.Columns))
	}
	writer, err := writers.NewSQLWriter(db, dialect, writerOpts...)
	if err != nil {
		return 0, err
	}

	source, err := j.env.MongoSource(ctx, p.Connection, p.readerOptions()...)
	if err != nil {
		return 0, err
	}

	builder := dwflow.NewPipeline().From(source).Map(flattenDocument(p.Rename))
	if len(p.Target.Columns) > 0 {
		builder = builder.Transform(transform.Select(p.Target.Columns...))
	}
	pipeline, err := builder.To(writer).Build()
	if err != nil {
		source.Close()
		return 0, err
	}

	start := time.Now()
	rows, err := pipeline.Execute(ctx)
	if err != nil {
		return rows, fmt.Errorf("copy %s into %s: %w", p.Collection, p.Target.Table, err)
	}
	if rows == 0 && len(p.Target.Columns) > 0 {
		if err := writer.Prepare(ctx); err != nil {
			return 0, err
		}
	}
	jc.Logger.Info("documents copied",
		"collection", p.Collection,
		"table", p.Target.Table,
		"rows", rows,
		"elapsed", time.Since(start))
	return rows, nil
}

// flattenDocument renames fields and encodes nested values as JSON.
func flattenDocument(rename map[string]string) func(ctx context.Context, record core.Record) (core.Record, error) {
	return func(ctx context.Context, record core.Record) (core.Record, error) {
		out := make(core.Record, len(record))
		for k, v := range record {
			if to, ok := rename[k]; ok {
				k = to
			}
			switch v.(type) {
			case map[string]interface{}, []interface{}:
				data, err := json.Marshal(v)
				if err != nil {
					return nil, fmt.Errorf("encode field %s: %w", k, err)
				}
				out[k] = string(data)
			default:
				out[k] = v
			}
		}
		return out, nil
	}
}
