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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/config"
	"github.com/aaronlmathis/dwflow/core"
)

var testNow = time.Date(2026, 3, 14, 6, 30, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

// fileStore records file ingestion rows and ignores runs.
type fileStore struct {
	mu    sync.Mutex
	files []core.FileIngestionRecord
}

func (s *fileStore) FindLatestRun(context.Context, string, int64, time.Time) (*core.ProcessRun, error) {
	return nil, nil
}

func (s *fileStore) CreateRun(context.Context, string, string, int64) (int64, error) {
	return 1, nil
}

func (s *fileStore) FinalizeRun(context.Context, int64, core.Status, string) error {
	return nil
}

func (s *fileStore) RecordFile(_ context.Context, rec core.FileIngestionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, rec)
	return nil
}

func (s *fileStore) recorded() []core.FileIngestionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.FileIngestionRecord(nil), s.files...)
}

// newWarehouseEnv returns an Env with a file backed sqlite connection named
// "dw" and the database handle for assertions.
func newWarehouseEnv(t *testing.T, options ...EnvOption) (*Env, *sql.DB) {
	t.Helper()
	conns := map[string]config.Connection{
		"dw": {Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "dw.db")},
	}
	env := NewEnv(conns, options...)
	t.Cleanup(func() { env.Close() })
	db, _, err := env.SQL(context.Background(), "dw")
	require.NoError(t, err)
	return env, db
}

func newTestJobContext(kind string, params map[string]interface{}, store core.ControlStore) *core.JobContext {
	def := core.JobDefinition{
		Key:         kind,
		ProcessCode: kind,
		ProcessName: kind,
		SourceID:    7,
		Kind:        kind,
		Params:      params,
	}
	return core.NewJobContext(def, 1, store, nil, fixedNow)
}

// runJob builds the body for kind through a fresh registry and executes it.
func runJob(t *testing.T, env *Env, kind string, params map[string]interface{}, store core.ControlStore) (int64, error) {
	t.Helper()
	jc := newTestJobContext(kind, params, store)
	body, err := NewRegistry().Body(env, jc.Definition)
	require.NoError(t, err)
	return body.Execute(context.Background(), jc)
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func writeFile(t *testing.T, path, content string, modified time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, modified, modified))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
