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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/readers"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Head int
}

// ColumnView is one column of an inspected file.
type ColumnView struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// InspectView describes an export or extract file.
type InspectView struct {
	File      string        `json:"file"`
	Format    string        `json:"format"`
	Bytes     int64         `json:"bytes"`
	Rows      int64         `json:"rows"`
	RowGroups int           `json:"row_groups,omitempty"`
	Columns   []ColumnView  `json:"columns"`
	Head      []core.Record `json:"head,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show the columns and row count of a CSV, JSON lines or Parquet file",
		Long: `Show the columns, row count and first rows of a file produced or
consumed by a job. The format follows the extension: .parquet, .jsonl or
.ndjson, anything else is read as CSV.

Example:
  dwflow inspect /data/marts/mart_district.parquet --head 5`,
		Args:          usageArgs(cobra.ExactArgs(1)),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Head, "head", 0, "number of records to print")

	return cmd
}

func inspectFile(opts *InspectOptions, path string, cmd *cobra.Command) error {
	if opts.Head < 0 {
		return NewExitError(ExitCommandError, "--head must not be negative")
	}
	info, err := os.Stat(path)
	if err != nil {
		return WrapExitError(ExitFailure, "cannot inspect file", err)
	}

	view := InspectView{File: path, Bytes: info.Size(), Columns: []ColumnView{}}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		view.Format = "parquet"
		err = inspectParquet(cmd.Context(), path, opts.Head, &view)
	case ".jsonl", ".ndjson":
		view.Format = "jsonl"
		err = inspectJSONL(cmd.Context(), path, opts.Head, &view)
	default:
		view.Format = "csv"
		err = inspectCSV(cmd.Context(), path, opts.Head, &view)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "cannot inspect file", err)
	}

	return opts.formatter(cmd).Success(view, view.text())
}

func inspectParquet(ctx context.Context, path string, head int, view *InspectView) error {
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return err
	}
	view.Rows = pf.NumRows()
	view.RowGroups = pf.NumRowGroups()
	if err := pf.Close(); err != nil {
		return err
	}

	reader, err := readers.NewParquetReader(path)
	if err != nil {
		return err
	}
	for _, f := range reader.Schema().Fields() {
		view.Columns = append(view.Columns, ColumnView{Name: f.Name, Type: f.Type.String()})
	}
	view.Head, _, err = drain(ctx, reader, head, false)
	return err
}

func inspectCSV(ctx context.Context, path string, head int, view *InspectView) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	reader, err := readers.NewCSVReader(f, readers.WithCSVInferTypes(false))
	if err != nil {
		f.Close()
		return err
	}
	for _, h := range reader.Headers() {
		view.Columns = append(view.Columns, ColumnView{Name: h})
	}
	view.Head, view.Rows, err = drain(ctx, reader, head, true)
	return err
}

func inspectJSONL(ctx context.Context, path string, head int, view *InspectView) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	reader := readers.NewJSONReader(f)
	seen := make(map[string]bool)
	var names []string
	counted := &keyCollector{DataSource: reader, seen: seen, names: &names}
	view.Head, view.Rows, err = drain(ctx, counted, head, true)
	sort.Strings(names)
	for _, n := range names {
		view.Columns = append(view.Columns, ColumnView{Name: n})
	}
	return err
}

// keyCollector records every key seen in the records read through it.
type keyCollector struct {
	core.DataSource
	seen  map[string]bool
	names *[]string
}

func (k *keyCollector) Read(ctx context.Context) (core.Record, error) {
	rec, err := k.DataSource.Read(ctx)
	for key := range rec {
		if !k.seen[key] {
			k.seen[key] = true
			*k.names = append(*k.names, key)
		}
	}
	return rec, err
}

// drain reads up to head records, or every record when count is set, and
// closes src.
func drain(ctx context.Context, src core.DataSource, head int, count bool) ([]core.Record, int64, error) {
	defer src.Close()
	var (
		records []core.Record
		n       int64
	)
	for count || len(records) < head {
		rec, err := src.Read(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, n, err
		}
		n++
		if len(records) < head {
			records = append(records, rec)
		}
	}
	return records, n, nil
}

func (v InspectView) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "file:    %s\n", v.File)
	fmt.Fprintf(&b, "format:  %s\n", v.Format)
	fmt.Fprintf(&b, "size:    %s\n", humanize.Bytes(uint64(v.Bytes)))
	if v.RowGroups > 0 {
		fmt.Fprintf(&b, "rows:    %s in %d row groups\n", humanize.Comma(v.Rows), v.RowGroups)
	} else {
		fmt.Fprintf(&b, "rows:    %s\n", humanize.Comma(v.Rows))
	}
	fmt.Fprintf(&b, "columns: %d\n", len(v.Columns))
	for _, c := range v.Columns {
		if c.Type != "" {
			fmt.Fprintf(&b, "  %-24s %s\n", c.Name, c.Type)
		} else {
			fmt.Fprintf(&b, "  %s\n", c.Name)
		}
	}
	for _, rec := range v.Head {
		line, err := json.Marshal(rec)
		if err != nil {
			fmt.Fprintf(&b, "%v\n", rec)
			continue
		}
		fmt.Fprintf(&b, "%s\n", line)
	}
	return b.String()
}
