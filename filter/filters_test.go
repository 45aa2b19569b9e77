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

package filter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
)

func include(t *testing.T, f core.Filter, rec core.Record) bool {
	t.Helper()
	ok, err := f.ShouldInclude(context.Background(), rec)
	require.NoError(t, err)
	return ok
}

func TestFilters(t *testing.T) {
	rec := core.Record{"title": "Căn hộ Quận 7", "price": int64(2500000000), "area": json.Number("45.5"), "note": " ", "province": "HCM"}

	assert.True(t, include(t, NotNull("title"), rec))
	assert.False(t, include(t, NotNull("note"), rec))
	assert.False(t, include(t, NotNull("missing"), rec))
	assert.True(t, include(t, Equals("price", 2500000000), rec))
	assert.True(t, include(t, Contains("title", "Quận"), rec))
	assert.True(t, include(t, StartsWith("title", "Căn"), rec))
	assert.True(t, include(t, GreaterThan("area", 40), rec))
	assert.False(t, include(t, LessThan("area", 40), rec))
	assert.True(t, include(t, Between("price", 1e9, 3e9), rec))
	assert.True(t, include(t, In("province", "HCM", "HN"), rec))
	assert.False(t, include(t, In("missing", "HCM"), rec))
	assert.True(t, include(t, Or(Equals("province", "HN"), Equals("province", "HCM")), rec))
	assert.False(t, include(t, And(NotNull("title"), NotNull("note")), rec))
	assert.True(t, include(t, Not(NotNull("note")), rec))

	re, err := MatchesRegex("title", `Quận \d+$`)
	require.NoError(t, err)
	assert.True(t, include(t, re, rec))
	_, err = MatchesRegex("title", "(")
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	lo, hi := 10.0, 500.0
	f, err := Build([]Condition{
		{Field: "title", Op: "not_null"},
		{Field: "area_m2", Op: "between", Min: &lo, Max: &hi},
		{Field: "price_vnd", Op: "gt", Value: "0"},
		{Field: "province", Op: "in", Values: []string{"Hồ Chí Minh", "Hà Nội"}},
	})
	require.NoError(t, err)

	assert.True(t, include(t, f, core.Record{"title": "A", "area_m2": 45.0, "price_vnd": int64(1), "province": "Hà Nội"}))
	assert.False(t, include(t, f, core.Record{"title": "A", "area_m2": 5.0, "price_vnd": int64(1), "province": "Hà Nội"}))
	assert.False(t, include(t, f, core.Record{"title": "A", "area_m2": 45.0, "price_vnd": int64(-1), "province": "Hà Nội"}))

	_, err = Build([]Condition{
		{Op: "not_null"},
		{Field: "a", Op: "gt", Value: "x"},
		{Field: "b", Op: "between"},
		{Field: "c", Op: "like"},
		{Field: "d", Op: "in"},
	})
	require.Error(t, err)
	for _, want := range []string{"field is required", "numeric value", "needs min and max", `unknown op "like"`, "needs values"} {
		assert.Contains(t, err.Error(), want)
	}
}
