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

// Package validators implements the data-quality checks run on
// transformed rows before they are loaded into the warehouse.
package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aaronlmathis/dwflow/core"
)

// FieldDataType represents expected data types for validation
type FieldDataType string

const (
	FieldTypeString FieldDataType = "string"
	FieldTypeInt    FieldDataType = "int"
	FieldTypeFloat  FieldDataType = "float"
	FieldTypeBool   FieldDataType = "bool"
	FieldTypeDate   FieldDataType = "date"
	FieldTypeAny    FieldDataType = "any"
)

// FieldValidator defines validation rules for individual fields. Nil
// values are not checked here; RequiredFields covers them.
type FieldValidator struct {
	DataType      FieldDataType
	Pattern       *regexp.Regexp
	MinValue      *float64
	MaxValue      *float64
	AllowedValues []string
}

// QualityReport holds the counts gathered over a stream of rows.
type QualityReport struct {
	Rows            int64            `json:"rows"`
	MissingFields   []string         `json:"missing_fields,omitempty"`
	Nulls           int64            `json:"nulls"`
	Duplicates      int64            `json:"duplicates"`
	NonPositive     int64            `json:"non_positive"`
	FieldViolations map[string]int64 `json:"field_violations,omitempty"`
	MinRows         int64            `json:"min_rows"`
}

// Valid reports whether no check was violated.
func (r QualityReport) Valid() bool {
	return len(r.MissingFields) == 0 && r.Nulls == 0 && r.Duplicates == 0 &&
		r.NonPositive == 0 && len(r.FieldViolations) == 0 && r.Rows >= r.MinRows
}

func (r QualityReport) String() string {
	parts := []string{
		fmt.Sprintf("rows=%d", r.Rows),
		fmt.Sprintf("nulls=%d", r.Nulls),
		fmt.Sprintf("duplicates=%d", r.Duplicates),
		fmt.Sprintf("non_positive=%d", r.NonPositive),
	}
	if len(r.MissingFields) > 0 {
		parts = append(parts, "missing="+strings.Join(r.MissingFields, ","))
	}
	if r.Rows < r.MinRows {
		parts = append(parts, fmt.Sprintf("min_rows=%d", r.MinRows))
	}
	fields := make([]string, 0, len(r.FieldViolations))
	for f := range r.FieldViolations {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%d", f, r.FieldViolations[f]))
	}
	return strings.Join(parts, " ")
}

// QualityError is returned by Err when the report is not valid.
type QualityError struct {
	Table  string
	Report QualityReport
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("data quality failed for %s: %s", e.Table, e.Report)
}

// DataQualityValidator accumulates quality counts for rows passed to
// Observe. It is also a core.Transformer that passes records through
// unchanged, so it can sit at the end of a pipeline's transform chain.
type DataQualityValidator struct {
	Table           string
	MinRecords      int
	RequiredFields  []string
	UniqueKey       []string
	PositiveFields  []string
	FieldValidators map[string]FieldValidator

	mu     sync.Mutex
	report QualityReport
	seen   map[string]struct{}
	absent map[string]bool
}

// DataQualityOption is a functional option for configuring DataQualityValidator
type DataQualityOption func(*DataQualityValidator)

// WithUniqueKey counts rows repeating an earlier row's key columns.
func WithUniqueKey(fields ...string) DataQualityOption {
	return func(dqv *DataQualityValidator) {
		dqv.UniqueKey = fields
	}
}

// WithPositiveFields counts numeric values <= 0 in the given fields.
func WithPositiveFields(fields ...string) DataQualityOption {
	return func(dqv *DataQualityValidator) {
		dqv.PositiveFields = fields
	}
}

// WithFieldValidator adds a field-specific validator
func WithFieldValidator(fieldName string, validator FieldValidator) DataQualityOption {
	return func(dqv *DataQualityValidator) {
		if dqv.FieldValidators == nil {
			dqv.FieldValidators = make(map[string]FieldValidator)
		}
		dqv.FieldValidators[fieldName] = validator
	}
}

func WithTable(table string) DataQualityOption {
	return func(dqv *DataQualityValidator) {
		dqv.Table = table
	}
}

// NewDataQualityValidator creates a validator requiring at least
// minRecords rows and non-null requiredFields.
func NewDataQualityValidator(minRecords int, requiredFields []string, options ...DataQualityOption) *DataQualityValidator {
	dqv := &DataQualityValidator{
		MinRecords:      minRecords,
		RequiredFields:  requiredFields,
		FieldValidators: make(map[string]FieldValidator),
	}
	for _, option := range options {
		option(dqv)
	}
	dqv.Reset()
	return dqv
}

// Reset clears accumulated counts.
func (dqv *DataQualityValidator) Reset() {
	dqv.mu.Lock()
	defer dqv.mu.Unlock()
	dqv.report = QualityReport{MinRows: int64(dqv.MinRecords)}
	dqv.seen = make(map[string]struct{})
	dqv.absent = make(map[string]bool)
}

// Transform observes record and returns it unchanged.
func (dqv *DataQualityValidator) Transform(ctx context.Context, record core.Record) (core.Record, error) {
	dqv.Observe(record)
	return record, nil
}

// Observe adds one row to the counts.
func (dqv *DataQualityValidator) Observe(record core.Record) {
	dqv.mu.Lock()
	defer dqv.mu.Unlock()

	dqv.report.Rows++

	nullRow := false
	for _, field := range dqv.RequiredFields {
		value, ok := record[field]
		if !ok {
			dqv.absent[field] = true
			continue
		}
		if isNull(value) {
			nullRow = true
		}
	}
	if nullRow {
		dqv.report.Nulls++
	}

	if len(dqv.UniqueKey) > 0 {
		key := compositeKey(record, dqv.UniqueKey)
		if _, dup := dqv.seen[key]; dup {
			dqv.report.Duplicates++
		} else {
			dqv.seen[key] = struct{}{}
		}
	}

	for _, field := range dqv.PositiveFields {
		if n, ok := toFloat64(record[field]); ok && n <= 0 {
			dqv.report.NonPositive++
		}
	}

	for field, fv := range dqv.FieldValidators {
		value := record[field]
		if isNull(value) {
			continue
		}
		if !fv.check(value) {
			if dqv.report.FieldViolations == nil {
				dqv.report.FieldViolations = make(map[string]int64)
			}
			dqv.report.FieldViolations[field]++
		}
	}
}

// Validate resets the validator and observes every record.
func (dqv *DataQualityValidator) Validate(records []core.Record) QualityReport {
	dqv.Reset()
	for _, rec := range records {
		dqv.Observe(rec)
	}
	return dqv.Report()
}

// Report returns a copy of the counts so far.
func (dqv *DataQualityValidator) Report() QualityReport {
	dqv.mu.Lock()
	defer dqv.mu.Unlock()

	report := dqv.report
	report.MissingFields = nil
	for field := range dqv.absent {
		report.MissingFields = append(report.MissingFields, field)
	}
	sort.Strings(report.MissingFields)
	if dqv.report.FieldViolations != nil {
		report.FieldViolations = make(map[string]int64, len(dqv.report.FieldViolations))
		for k, v := range dqv.report.FieldViolations {
			report.FieldViolations[k] = v
		}
	}
	return report
}

// Err returns a *QualityError when the accumulated report is not valid.
func (dqv *DataQualityValidator) Err() error {
	report := dqv.Report()
	if report.Valid() {
		return nil
	}
	return &QualityError{Table: dqv.Table, Report: report}
}

func (fv FieldValidator) check(value interface{}) bool {
	switch fv.DataType {
	case FieldTypeString:
		if _, ok := value.(string); !ok {
			return false
		}
	case FieldTypeInt:
		n, ok := toFloat64(value)
		if !ok || n != float64(int64(n)) {
			return false
		}
	case FieldTypeFloat:
		if _, ok := toFloat64(value); !ok {
			return false
		}
	case FieldTypeBool:
		if _, ok := value.(bool); !ok {
			return false
		}
	case FieldTypeDate:
		switch v := value.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse("2006-01-02", v); err != nil {
				return false
			}
		default:
			return false
		}
	}

	if fv.Pattern != nil {
		if !fv.Pattern.MatchString(fmt.Sprintf("%v", value)) {
			return false
		}
	}
	if fv.MinValue != nil || fv.MaxValue != nil {
		n, ok := toFloat64(value)
		if !ok {
			return false
		}
		if fv.MinValue != nil && n < *fv.MinValue {
			return false
		}
		if fv.MaxValue != nil && n > *fv.MaxValue {
			return false
		}
	}
	if len(fv.AllowedValues) > 0 {
		s := fmt.Sprintf("%v", value)
		for _, allowed := range fv.AllowedValues {
			if s == allowed {
				return true
			}
		}
		return false
	}
	return true
}

func isNull(value interface{}) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func compositeKey(record core.Record, fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprintf(&b, "%v", record[f])
	}
	return b.String()
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case decimal.Decimal:
		return v.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
