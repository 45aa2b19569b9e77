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

// Package aggregate groups records and computes summary fields such as
// listing counts and average prices per district.
package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aaronlmathis/dwflow/core"
)

// Aggregation operators.
const (
	OpCount = "count"
	OpSum   = "sum"
	OpAvg   = "avg"
	OpMin   = "min"
	OpMax   = "max"
)

// Aggregator accumulates the values of one group.
type Aggregator interface {
	Add(record core.Record)
	Result() interface{}
}

// Factory creates a fresh Aggregator for each group.
type Factory func() Aggregator

// New returns the factory for op applied to field. Count with an empty
// field counts records; with a field it counts non-null values.
func New(op, field string) (Factory, error) {
	op = strings.ToLower(op)
	if op != OpCount && field == "" {
		return nil, fmt.Errorf("aggregate %s needs a field", op)
	}
	switch op {
	case OpCount:
		return func() Aggregator { return &countAggregator{field: field} }, nil
	case OpSum:
		return func() Aggregator { return &sumAggregator{field: field} }, nil
	case OpAvg:
		return func() Aggregator { return &avgAggregator{field: field} }, nil
	case OpMin:
		return func() Aggregator { return &extremeAggregator{field: field, want: -1} }, nil
	case OpMax:
		return func() Aggregator { return &extremeAggregator{field: field, want: 1} }, nil
	default:
		return nil, fmt.Errorf("unknown aggregate %q", op)
	}
}

type countAggregator struct {
	field string
	n     int64
}

func (c *countAggregator) Add(record core.Record) {
	if c.field == "" || record[c.field] != nil {
		c.n++
	}
}

func (c *countAggregator) Result() interface{} { return c.n }

// sumAggregator keeps integer sums as int64 until a fractional value is
// seen.
type sumAggregator struct {
	field    string
	sum      decimal.Decimal
	fraction bool
	seen     bool
}

func (s *sumAggregator) Add(record core.Record) {
	d, ok := toDecimal(record[s.field])
	if !ok {
		return
	}
	s.sum = s.sum.Add(d)
	s.seen = true
	if !d.IsInteger() {
		s.fraction = true
	}
}

func (s *sumAggregator) Result() interface{} {
	if !s.seen {
		return nil
	}
	if !s.fraction {
		return s.sum.IntPart()
	}
	return s.sum.InexactFloat64()
}

type avgAggregator struct {
	field string
	sum   decimal.Decimal
	n     int64
}

func (a *avgAggregator) Add(record core.Record) {
	if d, ok := toDecimal(record[a.field]); ok {
		a.sum = a.sum.Add(d)
		a.n++
	}
}

func (a *avgAggregator) Result() interface{} {
	if a.n == 0 {
		return nil
	}
	return a.sum.Div(decimal.NewFromInt(a.n)).InexactFloat64()
}

// extremeAggregator keeps the minimum (want -1) or maximum (want 1).
type extremeAggregator struct {
	field string
	want  int
	best  interface{}
}

func (e *extremeAggregator) Add(record core.Record) {
	v := record[e.field]
	if v == nil {
		return
	}
	if e.best == nil {
		e.best = v
		return
	}
	if c, ok := compare(v, e.best); ok && c == e.want {
		e.best = v
	}
}

func (e *extremeAggregator) Result() interface{} { return e.best }

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	case []byte:
		d, err := decimal.NewFromString(strings.TrimSpace(string(n)))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// compare orders two values of comparable kinds. Numbers compare
// numerically, times chronologically and strings lexically.
func compare(a, b interface{}) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	_, aString := a.(string)
	_, bString := b.(string)
	if aString && bString {
		return strings.Compare(a.(string), b.(string)), true
	}
	da, okA := toDecimal(a)
	db, okB := toDecimal(b)
	if okA && okB {
		return da.Cmp(db), true
	}
	return 0, false
}
