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

package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	xtransform "golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer cleans one value. ok is false when the input carries no
// usable value; a non-nil error aborts the record.
type Normalizer func(value interface{}) (out interface{}, ok bool, err error)

var numberRe = regexp.MustCompile(`[0-9]+[.,]?[0-9]*`)

// Fold lowercases s and strips Vietnamese diacritics ("Tỷ" -> "ty").
func Fold(s string) string {
	t := xtransform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := xtransform.String(t, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	return strings.ReplaceAll(folded, "đ", "d")
}

func numberText(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		m := numberRe.FindString(strings.TrimSpace(v))
		if m == "" {
			return "", false
		}
		return strings.Replace(m, ",", ".", 1), true
	case json.Number:
		return v.String(), true
	case decimal.Decimal:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case []byte:
		return numberText(string(v))
	default:
		return numberText(fmt.Sprintf("%v", v))
	}
}

// ExtractNumber returns the first number in value. Strings such as
// "80 m²" or "3,5 triệu" yield 80 and 3.5; a comma is read as the
// decimal separator.
func ExtractNumber(value interface{}) (float64, bool) {
	text, ok := numberText(value)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

var priceUnits = []struct {
	words []string
	scale decimal.Decimal
}{
	{[]string{"ty"}, decimal.New(1, 9)},
	{[]string{"trieu", "tr"}, decimal.New(1, 6)},
	{[]string{"nghin", "ngan", "k"}, decimal.New(1, 3)},
}

// ParseVNDPrice converts a Vietnamese price text ("5 tỷ", "3,5 triệu",
// "800k") to whole dong. A bare number is taken as dong.
func ParseVNDPrice(value interface{}) (decimal.Decimal, bool) {
	text, ok := numberText(value)
	if !ok {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}

	str, isString := value.(string)
	if !isString {
		return amount, true
	}
	words := strings.FieldsFunc(Fold(str), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, unit := range priceUnits {
		for _, w := range words {
			for _, u := range unit.words {
				if w == u {
					return amount.Mul(unit.scale).Round(0), true
				}
			}
		}
	}
	return amount, true
}

// DateKey renders a date as the integer YYYYMMDD used by the date
// dimension.
func DateKey(value interface{}) (int, bool) {
	var t time.Time
	switch v := value.(type) {
	case time.Time:
		t = v
	case string:
		parsed, ok := parseDate(strings.TrimSpace(v))
		if !ok {
			return 0, false
		}
		t = parsed
	default:
		return 0, false
	}
	if t.IsZero() {
		return 0, false
	}
	return t.Year()*10000 + int(t.Month())*100 + t.Day(), true
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
	"02012006",
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// PricePerM2 returns price / area in millions of dong, rounded to two
// decimals.
func PricePerM2(price, area interface{}) (float64, bool) {
	p, ok := ParseVNDPrice(price)
	if !ok || p.Sign() <= 0 {
		return 0, false
	}
	a, ok := ExtractNumber(area)
	if !ok || a <= 0 {
		return 0, false
	}
	perM2 := p.Div(decimal.NewFromFloat(a)).Div(decimal.New(1, 6)).Round(2)
	return perM2.InexactFloat64(), true
}

func decimalValue(d decimal.Decimal) interface{} {
	if d.Equal(d.Truncate(0)) && d.Abs().LessThan(decimal.New(1, 18)) {
		return d.IntPart()
	}
	return d.InexactFloat64()
}

var normalizers = map[string]Normalizer{
	"extract_number": func(v interface{}) (interface{}, bool, error) {
		n, ok := ExtractNumber(v)
		return n, ok, nil
	},
	"price_vnd": func(v interface{}) (interface{}, bool, error) {
		d, ok := ParseVNDPrice(v)
		if !ok {
			return nil, false, nil
		}
		return decimalValue(d), true, nil
	},
	"int": func(v interface{}) (interface{}, bool, error) {
		n, ok := ExtractNumber(v)
		return int64(n), ok, nil
	},
	"date_key": func(v interface{}) (interface{}, bool, error) {
		k, ok := DateKey(v)
		return k, ok, nil
	},
	"trim": func(v interface{}) (interface{}, bool, error) {
		s, ok := v.(string)
		if !ok {
			return v, v != nil, nil
		}
		s = strings.TrimSpace(s)
		return s, s != "", nil
	},
	"fold": func(v interface{}) (interface{}, bool, error) {
		s, ok := v.(string)
		if !ok {
			return nil, false, nil
		}
		return Fold(s), true, nil
	},
	"string": func(v interface{}) (interface{}, bool, error) {
		if v == nil {
			return nil, false, nil
		}
		return fmt.Sprintf("%v", v), true, nil
	},
}

// NormalizeInt is the "int" normaliser with the -1 sentinel used for
// counts that could not be parsed.
func NormalizeInt(value interface{}) int64 {
	n, ok := ExtractNumber(value)
	if !ok {
		return -1
	}
	return int64(n)
}

// Lookup returns the named normaliser.
func Lookup(name string) (Normalizer, bool) {
	n, ok := normalizers[name]
	return n, ok
}

// Names lists the registered normalisers.
func Names() []string {
	names := make([]string, 0, len(normalizers))
	for name := range normalizers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
