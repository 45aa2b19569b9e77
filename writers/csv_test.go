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

package writers

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
)

// Mock writer for CSV testing
type mockCSVWriteCloser struct {
	*strings.Builder
	closed    bool
	failWrite bool
	mu        sync.Mutex
}

func (m *mockCSVWriteCloser) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return 0, io.ErrUnexpectedEOF
	}
	return m.Builder.Write(p)
}

func (m *mockCSVWriteCloser) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockCSVWriteCloser) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Builder.String()
}

func newMockCSVWriteCloser() *mockCSVWriteCloser {
	return &mockCSVWriteCloser{Builder: &strings.Builder{}}
}

func parseCSV(t *testing.T, s string) [][]string {
	t.Helper()
	rows, err := csv.NewReader(strings.NewReader(s)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVWriter_BasicFunctionality(t *testing.T) {
	mock := newMockCSVWriteCloser()
	writer, err := NewCSVWriter(mock)
	require.NoError(t, err)

	err = writer.Write(context.Background(), core.Record{"subject": "Căn hộ Q7", "price": 2500000000, "size": 45.5})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	rows := parseCSV(t, mock.String())
	assert.Equal(t, [][]string{{"price", "size", "subject"}, {"2500000000", "45.5", "Căn hộ Q7"}}, rows)
	assert.True(t, mock.closed)
}

func TestCSVWriter_WithHeadersAndDelimiter(t *testing.T) {
	mock := newMockCSVWriteCloser()
	writer, err := NewCSVWriter(mock, WithHeaders([]string{"id", "area"}), WithComma(';'), WithUseCRLF(true))
	require.NoError(t, err)

	require.NoError(t, writer.Write(context.Background(), core.Record{"area": "Quận 7", "id": 1, "dropped": true}))
	require.NoError(t, writer.Close())

	assert.Equal(t, "id;area\r\n1;Quận 7\r\n", mock.String())
}

func TestCSVWriter_BOMAndFormatting(t *testing.T) {
	mock := newMockCSVWriteCloser()
	writer, err := NewCSVWriter(mock,
		WithBOM(true),
		WithHeaders([]string{"price", "posted", "note"}))
	require.NoError(t, err)

	posted := time.Date(2026, 3, 14, 8, 30, 0, 0, time.UTC)
	require.NoError(t, writer.Write(context.Background(), core.Record{"price": 7.8e9, "posted": posted, "note": nil}))
	require.NoError(t, writer.Close())

	out := mock.String()
	require.True(t, strings.HasPrefix(out, "\ufeff"))
	rows := parseCSV(t, strings.TrimPrefix(out, "\ufeff"))
	assert.Equal(t, []string{"7800000000", "2026-03-14 08:30:00", ""}, rows[1])

	stats := writer.Stats()
	assert.Equal(t, int64(len(out)), stats.BytesWritten)
	assert.Equal(t, int64(1), stats.NullValueCounts["note"])
}

func TestCSVWriter_NoHeaders(t *testing.T) {
	mock := newMockCSVWriteCloser()
	writer, err := NewCSVWriter(mock, WithWriteHeader(false), WithHeaders([]string{"name", "value"}))
	require.NoError(t, err)

	require.NoError(t, writer.Write(context.Background(), core.Record{"name": "a", "value": 1}))
	require.NoError(t, writer.Close())

	assert.Equal(t, "a,1\n", mock.String())
}

func TestCSVWriter_BatchedWrites(t *testing.T) {
	mock := newMockCSVWriteCloser()
	writer, err := NewCSVWriter(mock, WithCSVBatchSize(3), WithHeaders([]string{"id"}))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, writer.Write(ctx, core.Record{"id": i}))
	}
	assert.Equal(t, int64(0), writer.Stats().FlushCount)

	require.NoError(t, writer.Write(ctx, core.Record{"id": 2}))
	assert.Equal(t, int64(1), writer.Stats().FlushCount)
	assert.Len(t, parseCSV(t, mock.String()), 4)

	require.NoError(t, writer.Write(ctx, core.Record{"id": 3}))
	require.NoError(t, writer.Close())

	stats := writer.Stats()
	assert.Equal(t, int64(4), stats.RecordsWritten)
	assert.Equal(t, int64(2), stats.FlushCount)
}

func TestCSVWriter_HeaderOnlyForEmptyExport(t *testing.T) {
	mock := newMockCSVWriteCloser()
	writer, err := NewCSVWriter(mock, WithHeaders([]string{"a", "b"}))
	require.NoError(t, err)

	require.NoError(t, writer.WriteHeaderOnly())
	require.NoError(t, writer.WriteHeaderOnly())
	require.NoError(t, writer.Close())

	assert.Equal(t, "a,b\n", mock.String())
}

func TestCSVWriter_ErrorHandling(t *testing.T) {
	t.Run("write failure puts writer in error state", func(t *testing.T) {
		mock := newMockCSVWriteCloser()
		mock.failWrite = true
		writer, err := NewCSVWriter(mock, WithWriteHeader(false), WithCSVBatchSize(1))
		require.NoError(t, err)

		err = writer.Write(context.Background(), core.Record{"test": "value"})
		var csvErr *CSVWriterError
		require.ErrorAs(t, err, &csvErr)

		err = writer.Write(context.Background(), core.Record{"test": "value2"})
		assert.ErrorContains(t, err, "error state")
	})

	t.Run("nil writer", func(t *testing.T) {
		_, err := NewCSVWriter(nil)
		assert.ErrorContains(t, err, "writer is required")
	})

	t.Run("cancelled context", func(t *testing.T) {
		writer, err := NewCSVWriter(newMockCSVWriteCloser())
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, writer.Write(ctx, core.Record{"a": 1}), context.Canceled)
	})
}

func TestCSVWriter_ConcurrentSafety(t *testing.T) {
	mock := newMockCSVWriteCloser()
	writer, err := NewCSVWriter(mock, WithCSVBatchSize(10), WithHeaders([]string{"worker", "n"}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for n := 0; n < 25; n++ {
				assert.NoError(t, writer.Write(context.Background(), core.Record{"worker": worker, "n": n}))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, writer.Close())

	assert.Len(t, parseCSV(t, mock.String()), 101)
	assert.Equal(t, int64(100), writer.Stats().RecordsWritten)
}

func TestCreateCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw", "chotot", "chotot_14032026.csv")
	writer, err := CreateCSVFile(path, WithBOM(true))
	require.NoError(t, err)
	require.NoError(t, writer.Write(context.Background(), core.Record{"subject": "Nhà phố"}))
	require.NoError(t, writer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\ufeffsubject\nNhà phố\n", string(data))
}
