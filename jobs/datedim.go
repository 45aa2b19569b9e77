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
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aaronlmathis/dwflow/dbconn"
)

// DefaultDateKey stands in for rows without a usable date.
const DefaultDateKey = 19000101

type dateDimSpec struct {
	Table    string `yaml:"table"`
	KeyField string `yaml:"key_field"`
	// Fallback is always ensured; 0 disables it.
	Fallback *int `yaml:"fallback"`
}

func (d *dateDimSpec) fallback() int {
	if d.Fallback == nil {
		return DefaultDateKey
	}
	return *d.Fallback
}

// dateRow is one row of the date dimension.
type dateRow struct {
	Key       int
	FullDate  string
	Day       int
	Month     int
	MonthName string
	Quarter   int
	Year      int
	Week      int // week of year, weeks starting on Sunday
}

func newDateRow(key int) (dateRow, error) {
	d, err := time.Parse("20060102", fmt.Sprintf("%08d", key))
	if err != nil {
		return dateRow{}, fmt.Errorf("invalid date key %d", key)
	}
	return dateRow{
		Key:       key,
		FullDate:  d.Format("2006-01-02"),
		Day:       d.Day(),
		Month:     int(d.Month()),
		MonthName: d.Month().String(),
		Quarter:   (int(d.Month())-1)/3 + 1,
		Year:      d.Year(),
		Week:      (d.YearDay() - 1 + 7 - int(d.Weekday())) / 7,
	}, nil
}

// ensureDates inserts the rows of keys missing from the date dimension
// table, creating the table first if needed. It returns the number of rows
// inserted.
func ensureDates(ctx context.Context, db *sql.DB, dialect dbconn.Dialect, table string, keys []int) (int, error) {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	date_key INTEGER PRIMARY KEY,
	full_date DATE NOT NULL,
	day_of_month INTEGER NOT NULL,
	month_of_year INTEGER NOT NULL,
	month_name TEXT NOT NULL,
	quarter_of_year INTEGER NOT NULL,
	year INTEGER NOT NULL,
	week_of_year INTEGER NOT NULL
)`, table)
	if _, err := db.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("create %s: %w", table, err)
	}

	sorted := append([]int(nil), keys...)
	sort.Ints(sorted)

	exists := dialect.Rebind(fmt.Sprintf("SELECT 1 FROM %s WHERE date_key = ?", table))
	insert := dialect.Rebind(fmt.Sprintf(`INSERT INTO %s
	(date_key, full_date, day_of_month, month_of_year, month_name, quarter_of_year, year, week_of_year)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table))

	inserted := 0
	for i, key := range sorted {
		if i > 0 && sorted[i-1] == key {
			continue
		}
		row, err := newDateRow(key)
		if err != nil {
			return inserted, err
		}
		var one int
		err = db.QueryRowContext(ctx, exists, key).Scan(&one)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return inserted, fmt.Errorf("lookup date %d: %w", key, err)
		}
		if _, err := db.ExecContext(ctx, insert,
			row.Key, row.FullDate, row.Day, row.Month, row.MonthName, row.Quarter, row.Year, row.Week); err != nil {
			return inserted, fmt.Errorf("insert date %d: %w", key, err)
		}
		inserted++
	}
	return inserted, nil
}
