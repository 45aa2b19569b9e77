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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
)

func TestNewDateRow(t *testing.T) {
	tests := []struct {
		key  int
		want dateRow
	}{
		{
			key: 20260314,
			want: dateRow{Key: 20260314, FullDate: "2026-03-14", Day: 14, Month: 3, MonthName: "March",
				Quarter: 1, Year: 2026, Week: 10},
		},
		{
			// 2026-01-01 is a Thursday, before the first Sunday.
			key: 20260101,
			want: dateRow{Key: 20260101, FullDate: "2026-01-01", Day: 1, Month: 1, MonthName: "January",
				Quarter: 1, Year: 2026, Week: 0},
		},
		{
			key: 20261231,
			want: dateRow{Key: 20261231, FullDate: "2026-12-31", Day: 31, Month: 12, MonthName: "December",
				Quarter: 4, Year: 2026, Week: 52},
		},
		{
			key: DefaultDateKey,
			want: dateRow{Key: DefaultDateKey, FullDate: "1900-01-01", Day: 1, Month: 1, MonthName: "January",
				Quarter: 1, Year: 1900, Week: 0},
		},
	}
	for _, tt := range tests {
		got, err := newDateRow(tt.key)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "key %d", tt.key)
	}

	_, err := newDateRow(20261332)
	assert.Error(t, err)
}

func TestEnsureDates(t *testing.T) {
	_, db := newWarehouseEnv(t)
	ctx := context.Background()

	n, err := ensureDates(ctx, db, dbconn.SQLite, "dim_date", []int{20260314, 20260313, 20260314})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ensureDates(ctx, db, dbconn.SQLite, "dim_date", []int{20260314, 20260315})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, countRows(t, db, "dim_date"))

	var (
		name    string
		quarter int
		week    int
	)
	require.NoError(t, db.QueryRow(`SELECT month_name, quarter_of_year, week_of_year FROM dim_date WHERE date_key = 20260315`).
		Scan(&name, &quarter, &week))
	assert.Equal(t, "March", name)
	assert.Equal(t, 1, quarter)
	assert.Equal(t, 11, week)

	_, err = ensureDates(ctx, db, dbconn.SQLite, "dim_date", []int{20260230})
	assert.Error(t, err)
}

func TestDateKeys(t *testing.T) {
	records := []core.Record{
		{"date_key": 20260314},
		{"date_key": int64(20260313)},
		{"date_key": "2026-03-14"},
		{"date_key": nil},
		{"date_key": "not a date"},
		{},
	}
	assert.Equal(t, []int{20260314, 20260313}, dateKeys(records, "date_key"))
}
