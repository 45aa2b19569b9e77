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
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/config"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/readers"
)

func martStatements() []interface{} {
	return []interface{}{
		"CREATE TABLE IF NOT EXISTS mart_district (district TEXT, listings INTEGER, avg_price REAL)",
		"DELETE FROM mart_district",
		"INSERT INTO mart_district VALUES ('Q7', 12, 3.5), ('Gò Vấp', 4, 2.25), ('Thủ Đức', 9, 4.0)",
	}
}

func readAll(t *testing.T, src core.DataSource) []core.Record {
	t.Helper()
	defer src.Close()
	var out []core.Record
	for {
		rec, err := src.Read(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestSQLProcedure_StatementsOnly(t *testing.T) {
	env, db := newWarehouseEnv(t)

	rows, err := runJob(t, env, KindSQLProcedure, map[string]interface{}{
		"connection": "dw",
		"statements": martStatements(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)
	assert.Equal(t, 3, countRows(t, db, "mart_district"))
}

func TestSQLProcedure_StatementError(t *testing.T) {
	env, _ := newWarehouseEnv(t)

	_, err := runJob(t, env, KindSQLProcedure, map[string]interface{}{
		"connection": "dw",
		"call":       "load_mart()",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement 1")
}

func TestSQLProcedure_Exports(t *testing.T) {
	env, _ := newWarehouseEnv(t)
	folder := t.TempDir()
	store := &fileStore{}

	query := "SELECT district, listings, avg_price FROM mart_district ORDER BY listings DESC"
	rows, err := runJob(t, env, KindSQLProcedure, map[string]interface{}{
		"connection":    "dw",
		"statements":    martStatements(),
		"output_folder": folder,
		"exports": []interface{}{
			map[string]interface{}{"query": query, "file": "mart_district_{date}.csv"},
			map[string]interface{}{"query": query, "file": "parquet/mart_district.parquet"},
			map[string]interface{}{"query": query, "file": "mart_district.jsonl"},
		},
	}, store)
	require.NoError(t, err)
	assert.Equal(t, int64(9), rows)

	csvPath := filepath.Join(folder, "mart_district_14032026.csv")
	csvText := strings.TrimPrefix(readFile(t, csvPath), "\ufeff")
	assert.Equal(t, "district,listings,avg_price\nQ7,12,3.5\nThủ Đức,9,4\nGò Vấp,4,2.25\n", csvText)

	pq, err := readers.NewParquetReader(filepath.Join(folder, "parquet", "mart_district.parquet"))
	require.NoError(t, err)
	got := readAll(t, pq)
	require.Len(t, got, 3)
	assert.Equal(t, "Q7", got[0]["district"])
	assert.Equal(t, int64(12), got[0]["listings"])

	f, err := os.Open(filepath.Join(folder, "mart_district.jsonl"))
	require.NoError(t, err)
	lines := readAll(t, readers.NewJSONReader(f))
	require.Len(t, lines, 3)
	assert.Equal(t, "Gò Vấp", lines[2]["district"])

	files := store.recorded()
	require.Len(t, files, 3)
	for _, rec := range files {
		assert.Equal(t, core.FileSuccess, rec.Status)
		assert.Equal(t, int64(3), rec.RowCount)
		assert.Positive(t, rec.ByteSize)
		assert.NoFileExists(t, partPath(rec.FilePath))
	}
}

func TestSQLProcedure_EmptyExportKeepsColumns(t *testing.T) {
	env, _ := newWarehouseEnv(t)
	folder := t.TempDir()
	store := &fileStore{}

	query := "SELECT district, listings FROM mart_district WHERE listings > 100"
	rows, err := runJob(t, env, KindSQLProcedure, map[string]interface{}{
		"connection":    "dw",
		"statements":    martStatements(),
		"output_folder": folder,
		"exports": []interface{}{
			map[string]interface{}{"query": query, "file": "big.csv"},
			map[string]interface{}{"query": query, "file": "big.parquet"},
		},
	}, store)
	require.NoError(t, err)
	assert.Zero(t, rows)

	assert.Equal(t, "\ufeffdistrict,listings\n", readFile(t, filepath.Join(folder, "big.csv")))

	pq, err := readers.NewParquetReader(filepath.Join(folder, "big.parquet"))
	require.NoError(t, err)
	schema := pq.Schema()
	assert.Empty(t, readAll(t, pq))
	require.Equal(t, 2, len(schema.Fields()))
	assert.Equal(t, "district", schema.Field(0).Name)
	assert.Equal(t, "listings", schema.Field(1).Name)

	for _, rec := range store.recorded() {
		assert.Equal(t, core.FileEmpty, rec.Status)
	}
}

func TestSQLProcedure_ValidatesExports(t *testing.T) {
	err := NewRegistry().Validate(KindSQLProcedure, map[string]interface{}{
		"connection": "dw",
		"exports": []interface{}{
			map[string]interface{}{"query": "SELECT 1", "file": "../escape.csv"},
			map[string]interface{}{"query": "SELECT 1", "file": "x.xlsx", "format": "xlsx"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output_folder is required")
	assert.Contains(t, err.Error(), "must be a relative name")
	assert.Contains(t, err.Error(), `unknown format "xlsx"`)
}

func TestSQLProcedure_UploadsExports(t *testing.T) {
	lake := newLake()
	env, _ := newWarehouseEnv(t, WithS3Client("lake", lake))
	env.connections["lake"] = config.Connection{Driver: "s3", Bucket: "raw-zone"}
	folder := t.TempDir()

	query := "SELECT district, listings FROM mart_district ORDER BY listings DESC"
	rows, err := runJob(t, env, KindSQLProcedure, map[string]interface{}{
		"connection":    "dw",
		"statements":    martStatements(),
		"output_folder": folder,
		"exports": []interface{}{
			map[string]interface{}{"query": query, "file": "mart_district_{date}.csv"},
			map[string]interface{}{"query": query, "file": "parquet/mart_district.parquet"},
		},
		"upload": map[string]interface{}{"connection": "lake", "prefix": "marts/{date}/"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), rows)

	csvObj, ok := lake.objects["marts/14032026/mart_district_14032026.csv"]
	require.True(t, ok)
	assert.Equal(t, readFile(t, filepath.Join(folder, "mart_district_14032026.csv")), csvObj.body)
	_, ok = lake.objects["marts/14032026/parquet/mart_district.parquet"]
	assert.True(t, ok)
}

func TestSQLProcedure_UploadErrors(t *testing.T) {
	err := NewRegistry().Validate(KindSQLProcedure, map[string]interface{}{
		"connection": "dw",
		"statements": []interface{}{"SELECT 1"},
		"upload":     map[string]interface{}{"prefix": "x/"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload needs at least one export")
	assert.Contains(t, err.Error(), "upload.connection is required")

	env, _ := newWarehouseEnv(t)
	_, err = runJob(t, env, KindSQLProcedure, map[string]interface{}{
		"connection":    "dw",
		"statements":    martStatements(),
		"output_folder": t.TempDir(),
		"exports":       []interface{}{map[string]interface{}{"query": "SELECT 1 AS n", "file": "n.csv"}},
		"upload":        map[string]interface{}{"connection": "dw"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not s3")
}
