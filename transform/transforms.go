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

// Package transform provides record transformers for job bodies: column
// selection and mapping, string cleanup, derived fields and the
// normalisers used to clean scraped real-estate listings.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aaronlmathis/dwflow/core"
)

// MissingColumnsError reports source columns a mapping expected but the
// record did not carry.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing columns: %s", strings.Join(e.Columns, ", "))
}

func clone(record core.Record, extra int) core.Record {
	result := make(core.Record, len(record)+extra)
	for k, v := range record {
		result[k] = v
	}
	return result
}

// Select keeps only the listed fields. Fields absent from the record are
// omitted from the output.
func Select(fields ...string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(fields))
		for _, field := range fields {
			if value, exists := record[field]; exists {
				result[field] = value
			}
		}
		return result, nil
	})
}

// Rename renames fields according to mapping and keeps the rest.
func Rename(mapping map[string]string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(record))
		for key, value := range record {
			if newKey, exists := mapping[key]; exists {
				result[newKey] = value
			} else {
				result[key] = value
			}
		}
		return result, nil
	})
}

// MapColumns renames positional staging columns (field1..fieldN) to their
// warehouse names and drops everything unmapped unless keep lists it.
// A record lacking any mapped column fails with *MissingColumnsError.
func MapColumns(mapping map[string]string, keep ...string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		var missing []string
		result := make(core.Record, len(mapping)+len(keep))
		for from, to := range mapping {
			value, ok := record[from]
			if !ok {
				missing = append(missing, from)
				continue
			}
			result[to] = value
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, &MissingColumnsError{Columns: missing}
		}
		for _, field := range keep {
			if value, ok := record[field]; ok {
				result[field] = value
			}
		}
		return result, nil
	})
}

// AddField adds a field computed from the current record.
func AddField(field string, fn func(core.Record) interface{}) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := clone(record, 1)
		result[field] = fn(record)
		return result, nil
	})
}

// Constant sets field to value on every record.
func Constant(field string, value interface{}) core.Transformer {
	return AddField(field, func(core.Record) interface{} { return value })
}

// Timestamp sets field to now() when the record has no value for it.
// With overwrite it is always set.
func Timestamp(field string, now func() time.Time, overwrite bool) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		if !overwrite && record[field] != nil {
			return record, nil
		}
		result := clone(record, 1)
		result[field] = now()
		return result, nil
	})
}

func mapStrings(fn func(string) string, fields []string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := clone(record, 0)
		for _, field := range fields {
			if str, ok := record[field].(string); ok {
				result[field] = fn(str)
			}
		}
		return result, nil
	})
}

// TrimSpace trims whitespace from the given string fields. An empty
// result becomes nil so it is stored as NULL.
func TrimSpace(fields ...string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := clone(record, 0)
		for _, field := range fields {
			if str, ok := record[field].(string); ok {
				if trimmed := strings.TrimSpace(str); trimmed != "" {
					result[field] = trimmed
				} else {
					result[field] = nil
				}
			}
		}
		return result, nil
	})
}

func ToUpper(fields ...string) core.Transformer {
	return mapStrings(strings.ToUpper, fields)
}

func ToLower(fields ...string) core.Transformer {
	return mapStrings(strings.ToLower, fields)
}

// ParseTime parses a string field with layout, in loc.
func ParseTime(field, layout string, loc *time.Location) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		str, ok := record[field].(string)
		if !ok {
			return record, nil
		}
		parsed, err := time.ParseInLocation(layout, strings.TrimSpace(str), loc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse time field %s: %w", field, err)
		}
		result := clone(record, 0)
		result[field] = parsed
		return result, nil
	})
}

// RemoveFields drops the given fields. Fields that don't exist are ignored.
func RemoveFields(fields ...string) core.Transformer {
	drop := make(map[string]bool, len(fields))
	for _, field := range fields {
		drop[field] = true
	}
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(record))
		for k, v := range record {
			if !drop[k] {
				result[k] = v
			}
		}
		return result, nil
	})
}

// Normalize writes n(record[field]) into target. When n reports no value
// target is set to def, which may be nil.
func Normalize(field, target string, n Normalizer, def interface{}) core.Transformer {
	if target == "" {
		target = field
	}
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		value, ok, err := n(record[field])
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", field, err)
		}
		result := clone(record, 1)
		if ok {
			result[target] = value
		} else {
			result[target] = def
		}
		return result, nil
	})
}

// Divide sets target to record[field] / divisor. Missing or negative
// sentinel inputs yield def.
func Divide(field, target string, divisor float64, def interface{}) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := clone(record, 1)
		result[target] = def
		if n, ok := ExtractNumber(record[field]); ok && n >= 0 && divisor != 0 {
			result[target] = n / divisor
		}
		return result, nil
	})
}
