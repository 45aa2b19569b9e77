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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
)

func csvParams(folder string, files ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, len(files))
	for i, f := range files {
		list[i] = f
	}
	return map[string]interface{}{
		"connection":    "dw",
		"source_folder": folder,
		"files":         list,
	}
}

func TestCSVToTable_LoadsNewestFile(t *testing.T) {
	env, db := newWarehouseEnv(t)
	folder := t.TempDir()
	writeFile(t, filepath.Join(folder, "chotot_13032026.csv"), "title,price\nOld,1\n", testNow.Add(-24*time.Hour))
	writeFile(t, filepath.Join(folder, "chotot_14032026.csv"), "title,price\nA,100\nB,200\n", testNow)

	store := &fileStore{}
	params := csvParams(folder, map[string]interface{}{
		"file_pattern": "chotot_*.csv",
		"target_table": "stg_chotot",
	})
	rows, err := runJob(t, env, KindCSVToTable, params, store)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
	assert.Equal(t, 2, countRows(t, db, "stg_chotot"))

	var total int64
	require.NoError(t, db.QueryRow("SELECT SUM(price) FROM stg_chotot").Scan(&total))
	assert.Equal(t, int64(300), total)

	files := store.recorded()
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(folder, "chotot_14032026.csv"), files[0].FilePath)
	assert.Equal(t, core.FileSuccess, files[0].Status)
	assert.Equal(t, int64(2), files[0].RowCount)
	assert.Equal(t, int64(7), files[0].SourceID)
	assert.Positive(t, files[0].ByteSize)
	assert.Equal(t, testNow, files[0].Timestamp)
}

func TestCSVToTable_DatePatternAndRawColumns(t *testing.T) {
	env, db := newWarehouseEnv(t)
	folder := t.TempDir()
	writeFile(t, filepath.Join(folder, "bds_13032026.csv"), "a;b\nx;y\n", testNow)
	writeFile(t, filepath.Join(folder, "bds_14032026.csv"), "tieu de;gia\nCăn hộ;2,5 tỷ\nNhà phố;007\n", testNow.Add(-time.Hour))

	params := csvParams(folder, map[string]interface{}{
		"file_pattern": "bds_{date}.csv",
		"target_table": "stg_bds",
	})
	params["raw_columns"] = true
	params["delimiter"] = ";"

	rows, err := runJob(t, env, KindCSVToTable, params, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)

	var field1, field2 string
	require.NoError(t, db.QueryRow("SELECT field1, field2 FROM stg_bds WHERE field2 = '007'").Scan(&field1, &field2))
	assert.Equal(t, "Nhà phố", field1)
	assert.Equal(t, "007", field2)
}

func TestCSVToTable_TruncateBefore(t *testing.T) {
	env, db := newWarehouseEnv(t)
	folder := t.TempDir()
	writeFile(t, filepath.Join(folder, "ads.csv"), "title\nA\nB\n", testNow)

	params := csvParams(folder, map[string]interface{}{
		"file_pattern":    "ads.csv",
		"target_table":    "stg_ads",
		"truncate_before": true,
	})
	for i := 0; i < 2; i++ {
		_, err := runJob(t, env, KindCSVToTable, params, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, countRows(t, db, "stg_ads"))

	params = csvParams(folder, map[string]interface{}{
		"file_pattern": "ads.csv",
		"target_table": "stg_ads",
	})
	_, err := runJob(t, env, KindCSVToTable, params, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, countRows(t, db, "stg_ads"))
}

func TestCSVToTable_HeaderOnlyFile(t *testing.T) {
	env, db := newWarehouseEnv(t)
	folder := t.TempDir()
	writeFile(t, filepath.Join(folder, "empty.csv"), "title,price\n", testNow)

	store := &fileStore{}
	params := csvParams(folder, map[string]interface{}{
		"file_pattern": "empty.csv",
		"target_table": "stg_empty",
	})
	rows, err := runJob(t, env, KindCSVToTable, params, store)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Equal(t, 0, countRows(t, db, "stg_empty"))

	files := store.recorded()
	require.Len(t, files, 1)
	assert.Equal(t, core.FileEmpty, files[0].Status)
}

func TestCSVToTable_MissingFile(t *testing.T) {
	env, _ := newWarehouseEnv(t)
	folder := t.TempDir()

	params := csvParams(folder, map[string]interface{}{
		"file_pattern": "nothing_*.csv",
		"target_table": "stg_nothing",
	})
	_, err := runJob(t, env, KindCSVToTable, params, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoMatch)

	params["missing_ok"] = true
	rows, err := runJob(t, env, KindCSVToTable, params, nil)
	require.NoError(t, err)
	assert.Zero(t, rows)
}

func TestCSVToTable_UnknownConnection(t *testing.T) {
	env := NewEnv(nil)
	params := csvParams(t.TempDir(), map[string]interface{}{
		"file_pattern": "*.csv",
		"target_table": "stg",
	})
	_, err := runJob(t, env, KindCSVToTable, params, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `connection "dw" is not configured`)
}
