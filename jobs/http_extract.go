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
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aaronlmathis/dwflow"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/readers"
	"github.com/aaronlmathis/dwflow/writers"
)

// outputColumn derives one CSV column from an API record. Exactly one of
// Path, Template and Value is set. Suffix is appended to a non-empty Path
// value.
type outputColumn struct {
	Name     string      `yaml:"name"`
	Path     string      `yaml:"path"`
	Template string      `yaml:"template"`
	Value    interface{} `yaml:"value"`
	Suffix   string      `yaml:"suffix"`
}

type paginationParams struct {
	Type        string `yaml:"type"`
	LimitParam  string `yaml:"limit_param"`
	OffsetParam string `yaml:"offset_param"`
	PageParam   string `yaml:"page_param"`
	CursorParam string `yaml:"cursor_param"`
	CursorField string `yaml:"cursor_field"`
	PageSize    int    `yaml:"page_size"`
	MaxPages    int    `yaml:"max_pages"`
	FirstPage   int    `yaml:"first_page"`
}

type httpExtractParams struct {
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method"`
	Query        map[string]string `yaml:"query"`
	Headers      map[string]string `yaml:"headers"`
	BearerToken  string            `yaml:"bearer_token"`
	DataPath     string            `yaml:"data_path"`
	Format       string            `yaml:"format"`
	Pagination   *paginationParams `yaml:"pagination"`
	RateLimit    float64           `yaml:"rate_limit"`
	Retries      int               `yaml:"retries"`
	RetryDelay   time.Duration     `yaml:"retry_delay"`
	Timeout      time.Duration     `yaml:"timeout"`
	OutputFolder string            `yaml:"output_folder"`
	FilePrefix   string            `yaml:"file_prefix"`
	Columns      []outputColumn    `yaml:"columns"`
	Delimiter    string            `yaml:"delimiter"`

	comma rune
}

var templateField = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

func (p *httpExtractParams) withDefaults() {
	if p.Method == "" {
		p.Method = "GET"
	}
	if p.Format == "" {
		p.Format = "json"
	}
	if p.Retries == 0 {
		p.Retries = 3
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = time.Second
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	if p.Pagination != nil && p.Pagination.Type == "" {
		p.Pagination.Type = readers.PaginateOffset
	}
}

func (p *httpExtractParams) validate() error {
	var errs []error
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		errs = append(errs, fmt.Errorf("url must be http or https, got %q", p.URL))
	}
	if p.OutputFolder == "" {
		errs = append(errs, errors.New("output_folder is required"))
	}
	if p.FilePrefix == "" || strings.ContainsAny(p.FilePrefix, `/\`) {
		errs = append(errs, fmt.Errorf("file_prefix must be a plain name, got %q", p.FilePrefix))
	}
	if p.Format != "json" && p.Format != "jsonl" {
		errs = append(errs, fmt.Errorf("format must be json or jsonl, got %q", p.Format))
	}
	if p.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if p.Retries < 0 {
		errs = append(errs, errors.New("retries must not be negative"))
	}
	if pg := p.Pagination; pg != nil {
		switch pg.Type {
		case readers.PaginateNone:
		case readers.PaginateOffset, readers.PaginatePage:
			if pg.PageSize <= 0 {
				errs = append(errs, fmt.Errorf("pagination.page_size is required for %s pagination", pg.Type))
			}
		case readers.PaginateCursor:
			if pg.CursorField == "" {
				errs = append(errs, errors.New("pagination.cursor_field is required for cursor pagination"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown pagination type %q", pg.Type))
		}
		if pg.MaxPages < 0 {
			errs = append(errs, errors.New("pagination.max_pages must not be negative"))
		}
	}
	seen := make(map[string]bool, len(p.Columns))
	for i, c := range p.Columns {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("columns[%d].name is required", i))
		} else if seen[c.Name] {
			errs = append(errs, fmt.Errorf("duplicate column %q", c.Name))
		}
		seen[c.Name] = true
		set := 0
		for _, ok := range []bool{c.Path != "", c.Template != "", c.Value != nil} {
			if ok {
				set++
			}
		}
		if set != 1 {
			errs = append(errs, fmt.Errorf("column %q needs exactly one of path, template or value", c.Name))
		}
	}
	comma, err := parseDelimiter(p.Delimiter)
	if err != nil {
		errs = append(errs, err)
	}
	p.comma = comma
	return errors.Join(errs...)
}

func (p *httpExtractParams) readerOptions(env *Env) []readers.ReaderOptionHTTP {
	opts := []readers.ReaderOptionHTTP{
		readers.WithHTTPMethod(p.Method),
		readers.WithHTTPDataPath(p.DataPath),
		readers.WithHTTPResponseFormat(p.Format),
		readers.WithHTTPRetries(p.Retries, p.RetryDelay),
		readers.WithHTTPTimeout(p.Timeout),
		readers.WithHTTPRateLimit(p.RateLimit),
	}
	if len(p.Headers) > 0 {
		opts = append(opts, readers.WithHTTPHeaders(p.Headers))
	}
	if len(p.Query) > 0 {
		opts = append(opts, readers.WithHTTPQueryParams(p.Query))
	}
	if p.BearerToken != "" {
		opts = append(opts, readers.WithHTTPBearerToken(p.BearerToken))
	}
	if pg := p.Pagination; pg != nil {
		opts = append(opts, readers.WithHTTPPagination(&readers.PaginationConfig{
			Type:        pg.Type,
			LimitParam:  pg.LimitParam,
			OffsetParam: pg.OffsetParam,
			PageParam:   pg.PageParam,
			CursorParam: pg.CursorParam,
			CursorField: pg.CursorField,
			PageSize:    pg.PageSize,
			MaxPages:    pg.MaxPages,
			FirstPage:   pg.FirstPage,
		}))
	}
	if client := env.HTTPClient(); client != nil {
		opts = append(opts, readers.WithHTTPClient(client))
	}
	return opts
}

// httpExtract pulls records from a paginated JSON API into
// {file_prefix}_ddmmyyyy.csv under the output folder.
type httpExtract struct {
	env    *Env
	params httpExtractParams
}

func newHTTPExtract(env *Env, params map[string]interface{}) (core.JobBody, error) {
	var p httpExtractParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &httpExtract{env: env, params: p}, nil
}

func (j *httpExtract) Execute(ctx context.Context, jc *core.JobContext) (int64, error) {
	if err := requireEnv(j.env); err != nil {
		return 0, err
	}
	p := j.params
	path := filepath.Join(p.OutputFolder, fmt.Sprintf("%s_%s.csv", p.FilePrefix, jc.Now().Format(DateStamp)))

	start := time.Now()
	rows, err := j.extract(ctx, path)
	elapsed := time.Since(start)
	if err != nil {
		discardFile(path)
		jc.RecordFile(ctx, path, rows, 0, core.FileFailed, elapsed)
		return rows, err
	}
	size, err := commitFile(path)
	if err != nil {
		discardFile(path)
		jc.RecordFile(ctx, path, rows, 0, core.FileFailed, elapsed)
		return rows, fmt.Errorf("commit %s: %w", path, err)
	}

	status := core.FileSuccess
	if rows == 0 {
		status = core.FileEmpty
		jc.Logger.Warn("api returned no records", "url", p.URL)
	}
	jc.RecordFile(ctx, path, rows, size, status, elapsed)
	jc.Logger.Info("extract written", "file", path, "rows", rows, "bytes", size, "elapsed", elapsed)
	return rows, nil
}

func (j *httpExtract) extract(ctx context.Context, path string) (int64, error) {
	p := j.params
	reader, err := readers.NewHTTPReader(p.URL, p.readerOptions(j.env)...)
	if err != nil {
		return 0, err
	}

	csvOpts := []writers.WriterOptionCSV{
		writers.WithBOM(true),
		writers.WithComma(p.comma),
	}
	if len(p.Columns) > 0 {
		names := make([]string, len(p.Columns))
		for i, c := range p.Columns {
			names[i] = c.Name
		}
		csvOpts = append(csvOpts, writers.WithHeaders(names))
	}
	writer, err := writers.CreateCSVFile(partPath(path), csvOpts...)
	if err != nil {
		reader.Close()
		return 0, err
	}
	// Empty extracts still carry the header row.
	if err := writer.WriteHeaderOnly(); err != nil {
		reader.Close()
		writer.Close()
		return 0, err
	}

	builder := dwflow.NewPipeline().From(reader).To(writer)
	if len(p.Columns) > 0 {
		builder = builder.Map(projectColumns(p.Columns))
	}
	pipeline, err := builder.Build()
	if err != nil {
		reader.Close()
		writer.Close()
		return 0, err
	}
	return pipeline.Execute(ctx)
}

// projectColumns builds the output record for the configured columns.
func projectColumns(columns []outputColumn) func(ctx context.Context, record core.Record) (core.Record, error) {
	return func(ctx context.Context, record core.Record) (core.Record, error) {
		out := make(core.Record, len(columns))
		for _, c := range columns {
			switch {
			case c.Value != nil:
				out[c.Name] = c.Value
			case c.Template != "":
				out[c.Name] = renderTemplate(c.Template, record)
			default:
				v := readers.LookupPath(record, c.Path)
				if c.Suffix != "" && !blank(v) {
					v = fmt.Sprintf("%v%s", v, c.Suffix)
				}
				out[c.Name] = v
			}
		}
		return out, nil
	}
}

// renderTemplate fills {path} placeholders. Any empty placeholder makes the
// whole value nil.
func renderTemplate(tmpl string, record core.Record) interface{} {
	missing := false
	out := templateField.ReplaceAllStringFunc(tmpl, func(m string) string {
		v := readers.LookupPath(record, m[1:len(m)-1])
		if blank(v) {
			missing = true
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
	if missing {
		return nil
	}
	return out
}

func blank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
