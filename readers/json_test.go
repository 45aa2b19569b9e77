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

package readers

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONReader_ReadsLines(t *testing.T) {
	data := `{"ad_id": 160123456, "subject": "Căn hộ"}

{"ad_id": 160123457, "subject": "Nhà", "price": 5000000000}
`
	r := NewJSONReader(io.NopCloser(strings.NewReader(data)))
	defer r.Close()

	records := readAll(t, r)
	require.Len(t, records, 2)
	assert.Equal(t, json.Number("160123456"), records[0]["ad_id"])
	assert.Equal(t, json.Number("5000000000"), records[1]["price"])
	assert.Equal(t, "Nhà", records[1]["subject"])
}

func TestJSONReader_DecodeErrorReportsLine(t *testing.T) {
	r := NewJSONReader(io.NopCloser(strings.NewReader("{\"a\": 1}\n{broken\n")))

	_, err := r.Read(context.Background())
	require.NoError(t, err)

	_, err = r.Read(context.Background())
	var jsonErr *JSONReaderError
	require.ErrorAs(t, err, &jsonErr)
	assert.Equal(t, 2, jsonErr.Line)
	assert.Contains(t, err.Error(), "line 2")
}
