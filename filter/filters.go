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

// Package filter provides record filters for job bodies, plus a builder
// that turns declarative conditions from job params into filters.
package filter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aaronlmathis/dwflow/core"
)

func isEmpty(value interface{}) bool {
	if value == nil {
		return true
	}
	str, ok := value.(string)
	return ok && strings.TrimSpace(str) == ""
}

// NotNull excludes records where field is missing, nil or blank.
func NotNull(field string) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		return !isEmpty(record[field]), nil
	})
}

// Equals compares the string forms of the field and expected.
func Equals(field string, expected interface{}) core.Filter {
	want := fmt.Sprintf("%v", expected)
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		value, exists := record[field]
		if !exists || value == nil {
			return false, nil
		}
		return fmt.Sprintf("%v", value) == want, nil
	})
}

func stringFilter(field string, pred func(string) bool) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		str, ok := record[field].(string)
		return ok && pred(str), nil
	})
}

func Contains(field, substring string) core.Filter {
	return stringFilter(field, func(s string) bool { return strings.Contains(s, substring) })
}

func StartsWith(field, prefix string) core.Filter {
	return stringFilter(field, func(s string) bool { return strings.HasPrefix(s, prefix) })
}

// MatchesRegex includes records whose string field matches pattern.
func MatchesRegex(field, pattern string) (core.Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern for %s: %w", field, err)
	}
	return stringFilter(field, re.MatchString), nil
}

func numericFilter(field string, pred func(float64) bool) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		num, ok := toFloat64(record[field])
		return ok && pred(num), nil
	})
}

func GreaterThan(field string, threshold float64) core.Filter {
	return numericFilter(field, func(n float64) bool { return n > threshold })
}

func LessThan(field string, threshold float64) core.Filter {
	return numericFilter(field, func(n float64) bool { return n < threshold })
}

// Between is inclusive on both ends.
func Between(field string, min, max float64) core.Filter {
	return numericFilter(field, func(n float64) bool { return n >= min && n <= max })
}

// In includes records whose field, as a string, is one of values.
func In(field string, values ...string) core.Filter {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		value := record[field]
		if value == nil {
			return false, nil
		}
		return set[fmt.Sprintf("%v", value)], nil
	})
}

// And requires all filters to pass.
func And(filters ...core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		for _, f := range filters {
			include, err := f.ShouldInclude(ctx, record)
			if err != nil || !include {
				return false, err
			}
		}
		return true, nil
	})
}

// Or requires at least one filter to pass.
func Or(filters ...core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		for _, f := range filters {
			include, err := f.ShouldInclude(ctx, record)
			if err != nil {
				return false, err
			}
			if include {
				return true, nil
			}
		}
		return false, nil
	})
}

func Not(filter core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		include, err := filter.ShouldInclude(ctx, record)
		if err != nil {
			return false, err
		}
		return !include, nil
	})
}

// Condition is the declarative form of a filter as written in job params.
type Condition struct {
	Field  string   `yaml:"field"`
	Op     string   `yaml:"op"`
	Value  string   `yaml:"value"`
	Values []string `yaml:"values"`
	Min    *float64 `yaml:"min"`
	Max    *float64 `yaml:"max"`
}

// Build compiles conditions into one filter that requires all of them.
// Every invalid condition is reported.
func Build(conds []Condition) (core.Filter, error) {
	var (
		filters []core.Filter
		errs    []error
	)
	for i, c := range conds {
		f, err := c.filter()
		if err != nil {
			errs = append(errs, fmt.Errorf("condition %d (%s): %w", i, c.Field, err))
			continue
		}
		filters = append(filters, f)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return And(filters...), nil
}

func (c Condition) filter() (core.Filter, error) {
	if c.Field == "" {
		return nil, errors.New("field is required")
	}
	number := func() (float64, error) {
		n, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil {
			return 0, fmt.Errorf("op %s needs a numeric value", c.Op)
		}
		return n, nil
	}

	switch strings.ToLower(c.Op) {
	case "not_null":
		return NotNull(c.Field), nil
	case "null":
		return Not(NotNull(c.Field)), nil
	case "eq", "equals":
		return Equals(c.Field, c.Value), nil
	case "ne":
		return Not(Equals(c.Field, c.Value)), nil
	case "contains":
		return Contains(c.Field, c.Value), nil
	case "starts_with":
		return StartsWith(c.Field, c.Value), nil
	case "regex":
		return MatchesRegex(c.Field, c.Value)
	case "in":
		if len(c.Values) == 0 {
			return nil, errors.New("op in needs values")
		}
		return In(c.Field, c.Values...), nil
	case "gt":
		n, err := number()
		if err != nil {
			return nil, err
		}
		return GreaterThan(c.Field, n), nil
	case "lt":
		n, err := number()
		if err != nil {
			return nil, err
		}
		return LessThan(c.Field, n), nil
	case "between":
		if c.Min == nil || c.Max == nil {
			return nil, errors.New("op between needs min and max")
		}
		return Between(c.Field, *c.Min, *c.Max), nil
	default:
		return nil, fmt.Errorf("unknown op %q", c.Op)
	}
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
