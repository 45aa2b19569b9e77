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

package validators

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
)

func listings() []core.Record {
	return []core.Record{
		{"link": "https://x/1", "title": "Căn hộ", "area_m2": 45.5, "price_vnd": int64(2500000000)},
		{"link": "https://x/2", "title": "Nhà phố", "area_m2": json.Number("60"), "price_vnd": int64(7800000000)},
		{"link": "https://x/3", "title": "Đất", "area_m2": "100", "price_vnd": int64(1200000000)},
	}
}

func TestDataQualityValidator_CleanData(t *testing.T) {
	dqv := NewDataQualityValidator(1, []string{"title", "area_m2"},
		WithUniqueKey("link"),
		WithPositiveFields("area_m2", "price_vnd"),
		WithTable("chotot_clean"))

	report := dqv.Validate(listings())
	assert.True(t, report.Valid(), report.String())
	assert.Equal(t, int64(3), report.Rows)
	assert.NoError(t, dqv.Err())
}

func TestDataQualityValidator_CountsViolations(t *testing.T) {
	dqv := NewDataQualityValidator(0, []string{"title", "area_m2", "tieu_de"},
		WithUniqueKey("link"),
		WithPositiveFields("area_m2"),
		WithTable("bds_clean"))

	records := append(listings(),
		core.Record{"link": "https://x/1", "title": "dup", "area_m2": 30.0},
		core.Record{"link": "https://x/4", "title": "  ", "area_m2": -1},
		core.Record{"link": "https://x/5", "title": nil, "area_m2": nil},
	)
	report := dqv.Validate(records)

	assert.Equal(t, int64(6), report.Rows)
	assert.Equal(t, []string{"tieu_de"}, report.MissingFields)
	assert.Equal(t, int64(2), report.Nulls)
	assert.Equal(t, int64(1), report.Duplicates)
	assert.Equal(t, int64(1), report.NonPositive)
	assert.False(t, report.Valid())

	err := dqv.Err()
	var qErr *QualityError
	require.True(t, errors.As(err, &qErr))
	assert.Equal(t, "bds_clean", qErr.Table)
	assert.Contains(t, err.Error(), "data quality failed for bds_clean: rows=6 nulls=2 duplicates=1 non_positive=1 missing=tieu_de")
}

func TestDataQualityValidator_MinRows(t *testing.T) {
	dqv := NewDataQualityValidator(5, nil)
	report := dqv.Validate(listings())
	assert.False(t, report.Valid())
	assert.Contains(t, report.String(), "min_rows=5")

	report = dqv.Validate(nil)
	assert.Equal(t, int64(0), report.Rows)
}

func TestDataQualityValidator_FieldValidators(t *testing.T) {
	minArea := 10.0
	dqv := NewDataQualityValidator(0, nil,
		WithFieldValidator("link", FieldValidator{DataType: FieldTypeString, Pattern: regexp.MustCompile(`^https://`)}),
		WithFieldValidator("area_m2", FieldValidator{MinValue: &minArea}),
		WithFieldValidator("direction", FieldValidator{AllowedValues: []string{"Đông", "Tây", "Nam", "Bắc"}}),
		WithFieldValidator("rooms", FieldValidator{DataType: FieldTypeInt}),
	)

	ctx := context.Background()
	for _, rec := range []core.Record{
		{"link": "https://x/1", "area_m2": 45.0, "direction": "Đông", "rooms": 2},
		{"link": "ftp://x/2", "area_m2": 5.0, "direction": "Giữa", "rooms": 2.5},
		{"link": nil, "area_m2": nil},
	} {
		out, err := dqv.Transform(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, rec, out)
	}

	report := dqv.Report()
	assert.Equal(t, map[string]int64{"link": 1, "area_m2": 1, "direction": 1, "rooms": 1}, report.FieldViolations)
	assert.Contains(t, report.String(), "area_m2=1 direction=1 link=1 rooms=1")
}
