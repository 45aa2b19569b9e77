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
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/validators"
)

func seedStaging(t *testing.T, db *sql.DB, rows ...[]string) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE stg_chotot (field1 TEXT, field2 TEXT, field3 TEXT, field4 TEXT, field5 TEXT)`)
	require.NoError(t, err)
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO stg_chotot VALUES (?, ?, ?, ?, ?)`, r[0], r[1], r[2], r[3], r[4])
		require.NoError(t, err)
	}
}

var stagingRows = [][]string{
	{"Căn hộ Q7", "2,5 tỷ", "70 m²", "2026-03-14", " Tân Phong "},
	{"Nhà phố", "5 tỷ", "50 m²", "13/03/2026", "Q1"},
	{"Đất nền", "thỏa thuận", "100", "", ""},
}

func cleanParams(folder string) map[string]interface{} {
	return map[string]interface{}{
		"connection":   "dw",
		"source_table": "stg_chotot",
		"column_mapping": map[string]interface{}{
			"field1": "title",
			"field2": "price_text",
			"field3": "area_text",
			"field4": "posted",
			"field5": "ward",
		},
		"trim": []interface{}{"title", "ward"},
		"normalize": []interface{}{
			map[string]interface{}{"field": "price_text", "target": "price", "normalizer": "price_vnd"},
			map[string]interface{}{"field": "area_text", "target": "area", "normalizer": "extract_number"},
			map[string]interface{}{"field": "posted", "target": "date_key", "normalizer": "date_key", "default": 19000101},
		},
		"derive": []interface{}{
			map[string]interface{}{"target": "price_per_m2", "field": "price", "per_area": "area"},
		},
		"constants":    map[string]interface{}{"source": "chotot"},
		"timestamps":   []interface{}{map[string]interface{}{"field": "loaded_at"}},
		"where":        []interface{}{map[string]interface{}{"field": "price", "op": "not_null"}},
		"columns":      []interface{}{"title", "price", "area", "price_per_m2", "date_key", "ward", "source", "loaded_at"},
		"target_table": "fact_listing",
		"create_table": true,
		"truncate":     true,
		"date_dim":     map[string]interface{}{"table": "dim_date", "key_field": "date_key"},
		"export_csv":   filepath.Join(folder, "clean_chotot_{date}.csv"),
	}
}

func TestTableTransform_CleansIntoWarehouse(t *testing.T) {
	env, db := newWarehouseEnv(t)
	seedStaging(t, db, stagingRows...)
	folder := t.TempDir()
	store := &fileStore{}

	rows, err := runJob(t, env, KindTableTransform, cleanParams(folder), store)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
	assert.Equal(t, 2, countRows(t, db, "fact_listing"))

	var (
		price    int64
		area     float64
		perM2    float64
		dateKey  int
		ward     string
		source   string
		titleKey = "Căn hộ Q7"
	)
	require.NoError(t, db.QueryRow(
		`SELECT price, area, price_per_m2, date_key, ward, source FROM fact_listing WHERE title = ?`, titleKey).
		Scan(&price, &area, &perM2, &dateKey, &ward, &source))
	assert.Equal(t, int64(2500000000), price)
	assert.Equal(t, 70.0, area)
	assert.Equal(t, 35.71, perM2)
	assert.Equal(t, 20260314, dateKey)
	assert.Equal(t, "Tân Phong", ward)
	assert.Equal(t, "chotot", source)

	require.NoError(t, db.QueryRow(`SELECT price_per_m2, date_key FROM fact_listing WHERE title = 'Nhà phố'`).
		Scan(&perM2, &dateKey))
	assert.Equal(t, 100.0, perM2)
	assert.Equal(t, 20260313, dateKey)

	var keys []int
	dims, err := db.Query(`SELECT date_key FROM dim_date ORDER BY date_key`)
	require.NoError(t, err)
	defer dims.Close()
	for dims.Next() {
		var k int
		require.NoError(t, dims.Scan(&k))
		keys = append(keys, k)
	}
	require.NoError(t, dims.Err())
	assert.Equal(t, []int{DefaultDateKey, 20260313, 20260314}, keys)

	export := filepath.Join(folder, "clean_chotot_14032026.csv")
	lines := strings.Split(strings.TrimSpace(strings.TrimPrefix(readFile(t, export), "\ufeff")), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "title,price,area,price_per_m2,date_key,ward,source,loaded_at", lines[0])

	files := store.recorded()
	require.Len(t, files, 1)
	assert.Equal(t, export, files[0].FilePath)
	assert.Equal(t, core.FileSuccess, files[0].Status)
	assert.Equal(t, int64(2), files[0].RowCount)
}

func TestTableTransform_RerunIsIdempotent(t *testing.T) {
	env, db := newWarehouseEnv(t)
	seedStaging(t, db, stagingRows...)
	params := cleanParams(t.TempDir())
	delete(params, "export_csv")

	for i := 0; i < 2; i++ {
		_, err := runJob(t, env, KindTableTransform, params, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, countRows(t, db, "fact_listing"))
	assert.Equal(t, 3, countRows(t, db, "dim_date"))
}

func TestTableTransform_QualityFailureLeavesTarget(t *testing.T) {
	env, db := newWarehouseEnv(t)
	seedStaging(t, db, stagingRows[0], stagingRows[0], stagingRows[1])
	_, err := db.Exec(`CREATE TABLE fact_listing (title TEXT, price BIGINT, ward TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO fact_listing VALUES ('old', 1, 'Q3')`)
	require.NoError(t, err)

	params := map[string]interface{}{
		"connection":   "dw",
		"source_table": "stg_chotot",
		"column_mapping": map[string]interface{}{
			"field1": "title",
			"field2": "price_text",
			"field5": "ward",
		},
		"normalize": []interface{}{
			map[string]interface{}{"field": "price_text", "target": "price", "normalizer": "price_vnd"},
		},
		"columns":      []interface{}{"title", "price", "ward"},
		"target_table": "fact_listing",
		"truncate":     true,
		"quality": map[string]interface{}{
			"required":          []interface{}{"title", "price"},
			"unique":            []interface{}{"title"},
			"positive":          []interface{}{"price"},
			"fail_on_violation": true,
		},
	}
	_, err = runJob(t, env, KindTableTransform, params, nil)
	var qErr *validators.QualityError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "fact_listing", qErr.Table)
	assert.Equal(t, int64(1), qErr.Report.Duplicates)

	var title string
	require.NoError(t, db.QueryRow(`SELECT title FROM fact_listing`).Scan(&title))
	assert.Equal(t, "old", title)
	assert.Equal(t, 1, countRows(t, db, "fact_listing"))

	params["quality"].(map[string]interface{})["fail_on_violation"] = false
	rows, err := runJob(t, env, KindTableTransform, params, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)
}

func TestTableTransform_ConflictUpdate(t *testing.T) {
	env, db := newWarehouseEnv(t)
	seedStaging(t, db, stagingRows...)
	_, err := db.Exec(`CREATE TABLE dim_source (source TEXT PRIMARY KEY, listings BIGINT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO dim_source VALUES ('chotot', 1), ('batdongsan', 7)`)
	require.NoError(t, err)

	params := map[string]interface{}{
		"connection":   "dw",
		"query":        `SELECT 'chotot' AS source, COUNT(*) AS listings FROM stg_chotot`,
		"target_table": "dim_source",
		"columns":      []interface{}{"source", "listings"},
		"conflict": map[string]interface{}{
			"on":     []interface{}{"source"},
			"action": "update",
			"update": []interface{}{"listings"},
		},
	}
	rows, err := runJob(t, env, KindTableTransform, params, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var listings int64
	require.NoError(t, db.QueryRow(`SELECT listings FROM dim_source WHERE source = 'chotot'`).Scan(&listings))
	assert.Equal(t, int64(3), listings)
	assert.Equal(t, 2, countRows(t, db, "dim_source"))
}

func TestTableTransform_EmptySource(t *testing.T) {
	env, db := newWarehouseEnv(t)
	seedStaging(t, db)

	params := map[string]interface{}{
		"connection":   "dw",
		"source_table": "stg_chotot",
		"column_mapping": map[string]interface{}{
			"field1": "title",
		},
		"columns":      []interface{}{"title"},
		"target_table": "fact_empty",
		"create_table": true,
	}
	rows, err := runJob(t, env, KindTableTransform, params, nil)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Equal(t, 0, countRows(t, db, "fact_empty"))

	params["require_source_rows"] = true
	_, err = runJob(t, env, KindTableTransform, params, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stg_chotot returned no rows")
}

func TestTableTransform_Aggregates(t *testing.T) {
	env, db := newWarehouseEnv(t)
	seedStaging(t, db, stagingRows...)

	params := map[string]interface{}{
		"connection":   "dw",
		"source_table": "stg_chotot",
		"column_mapping": map[string]interface{}{
			"field2": "price_text",
			"field5": "ward",
		},
		"trim": []interface{}{"ward"},
		"normalize": []interface{}{
			map[string]interface{}{"field": "price_text", "target": "price", "normalizer": "price_vnd"},
		},
		"constants": map[string]interface{}{"source": "chotot"},
		"where":     []interface{}{map[string]interface{}{"field": "price", "op": "not_null"}},
		"group_by":  []interface{}{"source"},
		"aggregates": []interface{}{
			map[string]interface{}{"op": "count", "target": "listings"},
			map[string]interface{}{"op": "avg", "field": "price", "target": "avg_price"},
		},
		"columns":      []interface{}{"source", "listings", "avg_price"},
		"target_table": "mart_source",
		"create_table": true,
	}
	rows, err := runJob(t, env, KindTableTransform, params, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var (
		listings int64
		avg      float64
	)
	require.NoError(t, db.QueryRow(`SELECT listings, avg_price FROM mart_source WHERE source = 'chotot'`).
		Scan(&listings, &avg))
	assert.Equal(t, int64(2), listings)
	assert.Equal(t, 3750000000.0, avg)
}

func TestTableTransform_ValidatesAggregates(t *testing.T) {
	err := NewRegistry().Validate(KindTableTransform, map[string]interface{}{
		"connection":   "dw",
		"source_table": "stg_chotot",
		"target_table": "mart_source",
		"group_by":     []interface{}{"source"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group_by needs at least one aggregate")

	err = NewRegistry().Validate(KindTableTransform, map[string]interface{}{
		"connection":   "dw",
		"source_table": "stg_chotot",
		"target_table": "mart_source",
		"aggregates":   []interface{}{map[string]interface{}{"op": "median", "field": "price", "target": "p50"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown aggregate "median"`)
}
