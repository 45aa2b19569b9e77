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
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
)

func openWriterDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := dbconn.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "dw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestSQLWriterError(t *testing.T) {
	baseErr := errors.New("disk full")
	err := &SQLWriterError{Op: "insert", Table: "stg_chotot", Err: baseErr}

	assert.Equal(t, "sql writer insert (stg_chotot): disk full", err.Error())
	assert.True(t, errors.Is(err, baseErr))
	assert.Equal(t, "sql writer validate: x", (&SQLWriterError{Op: "validate", Err: errors.New("x")}).Error())
}

func TestSQLWriterValidation(t *testing.T) {
	db := openWriterDB(t)

	tests := []struct {
		name        string
		db          *sql.DB
		options     []SQLWriterOption
		expectedErr string
	}{
		{name: "missing db", options: []SQLWriterOption{WithTableName("t")}, expectedErr: "database is required"},
		{name: "missing table", db: db, expectedErr: "table name is required"},
		{name: "bad table", db: db, options: []SQLWriterOption{WithTableName("t; DROP TABLE x")}, expectedErr: "invalid table name"},
		{
			name:        "bad column",
			db:          db,
			options:     []SQLWriterOption{WithTableName("t"), WithColumns([]string{"ok", "not ok"})},
			expectedErr: `invalid column name "not ok"`,
		},
		{
			name:        "conflict without columns",
			db:          db,
			options:     []SQLWriterOption{WithTableName("t"), WithConflictResolution(ConflictIgnore, nil, nil)},
			expectedErr: "conflict columns are required",
		},
		{
			name:        "update without update columns",
			db:          db,
			options:     []SQLWriterOption{WithTableName("t"), WithConflictResolution(ConflictUpdate, []string{"id"}, nil)},
			expectedErr: "update columns are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSQLWriter(tt.db, dbconn.SQLite, tt.options...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestSQLWriter_CreatesAndLoadsInBatches(t *testing.T) {
	db := openWriterDB(t)
	ctx := context.Background()

	w, err := NewSQLWriter(db, dbconn.SQLite,
		WithTableName("fact_listing"),
		WithCreateTable(true, false),
		WithSQLWriterBatchSize(2))
	require.NoError(t, err)

	records := []core.Record{
		{"title": "Căn hộ Q7", "price": int64(2500000000), "size": 45.5, "rooms": 2},
		{"title": "Nhà phố", "price": decimal.RequireFromString("7800000000"), "size": 60.0, "rooms": nil},
		{"title": "Đất nền", "price": json.Number("1200000000"), "size": nil, "rooms": 0},
	}
	for _, rec := range records {
		require.NoError(t, w.Write(ctx, rec))
	}
	assert.Equal(t, 2, countRows(t, db, "fact_listing"), "first batch of two is committed on write")
	require.NoError(t, w.Close())

	assert.Equal(t, 3, countRows(t, db, "fact_listing"))
	assert.Equal(t, []string{"price", "rooms", "size", "title"}, w.Columns())

	var price int64
	require.NoError(t, db.QueryRow("SELECT price FROM fact_listing WHERE title = ?", "Nhà phố").Scan(&price))
	assert.Equal(t, int64(7800000000), price)

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.RecordsWritten)
	assert.Equal(t, int64(2), stats.BatchesWritten)
	assert.Equal(t, int64(2), stats.TransactionCount)
	assert.Equal(t, int64(1), stats.NullValueCounts["rooms"])
	assert.Equal(t, int64(1), stats.NullValueCounts["size"])
}

func TestSQLWriter_TruncateReplacesContent(t *testing.T) {
	db := openWriterDB(t)
	ctx := context.Background()
	_, err := db.Exec("CREATE TABLE stg_chotot (field1 TEXT, field2 TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO stg_chotot VALUES ('old', 'row')")
	require.NoError(t, err)

	w, err := NewSQLWriter(db, dbconn.SQLite,
		WithTableName("stg_chotot"),
		WithColumns([]string{"field1", "field2"}),
		WithTruncateTable(true),
		WithTransactionMode(false))
	require.NoError(t, err)

	require.NoError(t, w.Write(ctx, core.Record{"field1": "new", "field2": "row", "extra": "ignored"}))
	require.NoError(t, w.Close())

	var field1 string
	require.NoError(t, db.QueryRow("SELECT field1 FROM stg_chotot").Scan(&field1))
	assert.Equal(t, "new", field1)
	assert.Equal(t, 1, countRows(t, db, "stg_chotot"))
	assert.Zero(t, w.Stats().TransactionCount)
}

func TestSQLWriter_PrepareTruncatesWithoutRows(t *testing.T) {
	db := openWriterDB(t)
	_, err := db.Exec("CREATE TABLE stg_empty (field1 TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO stg_empty VALUES ('stale')")
	require.NoError(t, err)

	w, err := NewSQLWriter(db, dbconn.SQLite, WithTableName("stg_empty"),
		WithColumns([]string{"field1"}), WithTruncateTable(true))
	require.NoError(t, err)
	require.NoError(t, w.Prepare(context.Background()))
	require.NoError(t, w.Close())

	assert.Equal(t, 0, countRows(t, db, "stg_empty"))
}

func TestSQLWriter_TextStagingTable(t *testing.T) {
	db := openWriterDB(t)
	w, err := NewSQLWriter(db, dbconn.SQLite,
		WithTableName("stg_raw"),
		WithColumns([]string{"field1", "field2"}),
		WithCreateTable(true, true))
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), core.Record{"field1": "45", "field2": "2"}))
	require.NoError(t, w.Close())

	var typ string
	require.NoError(t, db.QueryRow("SELECT typeof(field1) FROM stg_raw").Scan(&typ))
	assert.Equal(t, "text", typ)
}

func TestSQLWriter_ConflictResolution(t *testing.T) {
	db := openWriterDB(t)
	ctx := context.Background()
	_, err := db.Exec("CREATE TABLE dim_area (area_id INTEGER PRIMARY KEY, area_name TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO dim_area VALUES (1, 'Quan 7')")
	require.NoError(t, err)

	ignore, err := NewSQLWriter(db, dbconn.SQLite, WithTableName("dim_area"),
		WithConflictResolution(ConflictIgnore, []string{"area_id"}, nil))
	require.NoError(t, err)
	require.NoError(t, ignore.Write(ctx, core.Record{"area_id": 1, "area_name": "ignored"}))
	require.NoError(t, ignore.Write(ctx, core.Record{"area_id": 2, "area_name": "Thu Duc"}))
	require.NoError(t, ignore.Close())

	var name string
	require.NoError(t, db.QueryRow("SELECT area_name FROM dim_area WHERE area_id = 1").Scan(&name))
	assert.Equal(t, "Quan 7", name)

	update, err := NewSQLWriter(db, dbconn.SQLite, WithTableName("dim_area"),
		WithConflictResolution(ConflictUpdate, []string{"area_id"}, []string{"area_name"}))
	require.NoError(t, err)
	require.NoError(t, update.Write(ctx, core.Record{"area_id": 1, "area_name": "Quận 7"}))
	require.NoError(t, update.Close())

	require.NoError(t, db.QueryRow("SELECT area_name FROM dim_area WHERE area_id = 1").Scan(&name))
	assert.Equal(t, "Quận 7", name)
	assert.Equal(t, 2, countRows(t, db, "dim_area"))
}

func TestSQLWriter_InsertErrorRollsBack(t *testing.T) {
	db := openWriterDB(t)
	_, err := db.Exec("CREATE TABLE strict_t (id INTEGER PRIMARY KEY, v TEXT NOT NULL)")
	require.NoError(t, err)

	w, err := NewSQLWriter(db, dbconn.SQLite, WithTableName("strict_t"), WithColumns([]string{"id", "v"}))
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), core.Record{"id": 1, "v": "a"}))
	require.NoError(t, w.Write(context.Background(), core.Record{"id": 2, "v": nil}))

	err = w.Flush()
	var sqlErr *SQLWriterError
	require.ErrorAs(t, err, &sqlErr)
	assert.Equal(t, "insert", sqlErr.Op)
	assert.Equal(t, 0, countRows(t, db, "strict_t"))
}

func TestSQLWriter_InsertStatement(t *testing.T) {
	w := &SQLWriter{
		dialect: dbconn.Postgres,
		columns: []string{"a", "b"},
		opts: &SQLWriterOptions{
			TableName:          "dw.fact",
			ConflictResolution: ConflictUpdate,
			ConflictColumns:    []string{"a"},
			UpdateColumns:      []string{"b"},
		},
	}
	assert.Equal(t,
		"INSERT INTO dw.fact (a, b) VALUES ($1, $2), ($3, $4) ON CONFLICT (a) DO UPDATE SET b = EXCLUDED.b",
		w.insertStatement(2))
	assert.Equal(t, "TRUNCATE TABLE dw.fact", w.truncateStatement())
	assert.Equal(t, "DOUBLE PRECISION", w.inferSQLType(1.5))
}
