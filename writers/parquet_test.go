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
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/readers"
)

func readParquet(t *testing.T, path string) ([]core.Record, *arrow.Schema) {
	t.Helper()
	r, err := readers.NewParquetReader(path)
	require.NoError(t, err)
	defer r.Close()

	var out []core.Record
	for {
		rec, err := r.Read(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out, r.Schema()
}

func TestParquetWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export", "fact_listing.parquet")
	w, err := NewParquetWriter(path, WithBatchSize(2), WithMetadata(map[string]string{"source": "dw_chotot"}))
	require.NoError(t, err)

	posted := time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)
	ctx := context.Background()
	records := []core.Record{
		{"title": "Căn hộ Q7", "price": int64(2500000000), "size": 45.5, "posted": posted, "verified": true},
		{"title": "Nhà phố", "price": 7800000000, "size": nil, "posted": posted, "verified": false},
		{"title": "Đất nền", "price": nil, "size": 100.0, "posted": posted, "verified": true},
	}
	for _, rec := range records {
		require.NoError(t, w.Write(ctx, rec))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.RecordsWritten)
	assert.Equal(t, int64(2), stats.BatchesWritten)
	assert.Equal(t, int64(1), stats.NullValueCounts["size"])
	assert.Equal(t, int64(1), stats.NullValueCounts["price"])

	got, schema := readParquet(t, path)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"posted", "price", "size", "title", "verified"}, fieldNames(schema))
	assert.Equal(t, "Căn hộ Q7", got[0]["title"])
	assert.Equal(t, int64(2500000000), got[0]["price"])
	assert.Equal(t, int64(7800000000), got[1]["price"])
	assert.Nil(t, got[1]["size"])
	assert.Nil(t, got[2]["price"])
	assert.Equal(t, false, got[1]["verified"])
	assert.True(t, posted.Equal(got[0]["posted"].(time.Time)))
}

func TestParquetWriter_FieldOrderAndStringFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.parquet")
	w, err := NewParquetWriter(path,
		WithFieldOrder([]string{"id", "note", "area"}),
		WithCompression(compress.Codecs.Gzip))
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), core.Record{"id": 1, "area": []string{"Quận 7"}, "ignored": 1}))
	require.NoError(t, w.Close())

	got, schema := readParquet(t, path)
	assert.Equal(t, []string{"id", "note", "area"}, fieldNames(schema))
	assert.Equal(t, core.Record{"id": int64(1), "note": nil, "area": "[Quận 7]"}, got[0])
}

func TestParquetWriter_EmptyExportKeepsColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	w, err := NewParquetWriter(path, WithFieldOrder([]string{"a", "b"}))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, schema := readParquet(t, path)
	assert.Empty(t, got)
	assert.Equal(t, []string{"a", "b"}, fieldNames(schema))
}

func TestParquetWriter_TypeMismatchPoisonsWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.parquet")
	w, err := NewParquetWriter(path, WithBatchSize(1))
	require.NoError(t, err)
	defer os.Remove(path)

	require.NoError(t, w.Write(context.Background(), core.Record{"n": 1}))
	err = w.Write(context.Background(), core.Record{"n": "not a number"})
	var pqErr *ParquetWriterError
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, "append_value", pqErr.Op)

	err = w.Write(context.Background(), core.Record{"n": 2})
	assert.ErrorContains(t, err, "error state")
	_ = w.Close()
}

func fieldNames(schema *arrow.Schema) []string {
	var names []string
	for _, f := range schema.Fields() {
		names = append(names, f.Name)
	}
	return names
}
