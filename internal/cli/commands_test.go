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

package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/store"
)

func TestJobsCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "jobs", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "build_mart")
	assert.Contains(t, out, "P11/1")
	assert.Contains(t, out, "daily")
	assert.Contains(t, out, "build_mart, publish_mart, report_mart")

	out, err = execute(t, "jobs", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var view JobsView
	resp := decodeResponse(t, out, &view)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, view.Jobs, 3)
	assert.Equal(t, "build_mart", view.Jobs[0].Job)
	assert.Equal(t, "sql_procedure", view.Jobs[0].Kind)
	assert.Equal(t, []string{"P10/1"}, view.Jobs[1].DependsOn)
	require.Len(t, view.Batches, 1)
	assert.Equal(t, "sequential", view.Batches[0].Mode)
}

func TestRunBatchStatus(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "init-db", "-c", cfg)
	require.NoError(t, err)
	assert.Equal(t, "control tables process_log and file_log ready\n", out)

	out, err = execute(t, "run", "build_mart", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var run JobRunView
	assert.Equal(t, "ok", decodeResponse(t, out, &run).Status)
	assert.Equal(t, "SUCCEEDED", run.Outcome)
	assert.Equal(t, int64(2), run.Rows)
	assert.Equal(t, int64(1), run.ProcessID)

	out, err = execute(t, "run", "build_mart", "-c", cfg)
	require.NoError(t, err, "a job that already succeeded today is skipped")
	assert.Contains(t, out, "SKIPPED")

	out, err = execute(t, "batch", "daily", "-c", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "SKIPPED")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "BLOCKED")
	assert.Contains(t, err.Error(), "publish_mart (FAILED)")
	assert.Contains(t, err.Error(), "report_mart (BLOCKED)")

	out, err = execute(t, "status", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var runs []RunView
	decodeResponse(t, out, &runs)
	require.Len(t, runs, 2)
	assert.Equal(t, "P11", runs[0].ProcessCode)
	assert.Equal(t, "FAILED", runs[0].Status)
	assert.Equal(t, "P10", runs[1].ProcessCode)
	assert.Equal(t, "SUCCESS", runs[1].Status)
	assert.NotNil(t, runs[1].UpdatedAt)

	out, err = execute(t, "status", "-c", cfg, "--date", "2026-03-13")
	require.NoError(t, err)
	assert.Equal(t, "no runs on 2026-03-13\n", out)

	_, err = execute(t, "status", "-c", cfg, "--date", "14/03/2026")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunCommand_Failure(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "init-db", "-c", cfg)
	require.NoError(t, err)

	out, err := execute(t, "run", "publish_mart", "-c", cfg, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var run JobRunView
	resp := decodeResponse(t, out, &run)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "BLOCKED", run.Outcome, "upstream P10 has not run today")
	assert.Zero(t, run.ProcessID)

	_, err = execute(t, "run", "no_such_job", "-c", cfg)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRecoverCommand(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "init-db", "-c", cfg)
	require.NoError(t, err)

	// A run left RUNNING by a crashed executor three hours ago.
	st, err := store.Open(context.Background(), "sqlite", filepath.Join(filepath.Dir(cfg), "control.db"),
		store.WithLocation(time.UTC),
		store.WithClock(func() time.Time { return testNow.Add(-3 * time.Hour) }))
	require.NoError(t, err)
	_, err = st.CreateRun(context.Background(), "P10", "Build district mart", 1)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "recover", "-c", cfg, "--older-than", "4h")
	require.NoError(t, err)
	assert.Contains(t, out, "0 stale runs")

	out, err = execute(t, "recover", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var view RecoverView
	decodeResponse(t, out, &view)
	assert.Equal(t, int64(1), view.Recovered)
	assert.True(t, view.Cutoff.Equal(testNow.Add(-2*time.Hour)))

	out, err = execute(t, "status", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, store.StaleRunMessage)
}

func TestInvalidJobDoesNotBlockOthers(t *testing.T) {
	cfg := writeConfig(t)
	data := readConfig(t, cfg)
	data = strings.Replace(data, "batches:\n", `  broken_mart:
    process_code: P13
    source_id: 1
    kind: sql_procedure
    params: {connection: dw}
batches:
  with_broken:
    jobs: [build_mart, broken_mart]
`, 1)
	require.NoError(t, os.WriteFile(cfg, []byte(data), 0o644))

	_, err := execute(t, "init-db", "-c", cfg)
	require.NoError(t, err)

	out, err := execute(t, "run", "build_mart", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var run JobRunView
	decodeResponse(t, out, &run)
	assert.Equal(t, "SUCCEEDED", run.Outcome)

	out, err = execute(t, "run", "broken_mart", "-c", cfg, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	decodeResponse(t, out, &run)
	assert.Equal(t, "CONFIG_ERROR", run.Outcome)
	assert.Zero(t, run.ProcessID)
	assert.Contains(t, run.Error, "process_name is required")

	out, err = execute(t, "jobs", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var view JobsView
	decodeResponse(t, out, &view)
	for _, jv := range view.Jobs {
		if jv.Job == "broken_mart" {
			assert.NotEmpty(t, jv.Error)
		} else {
			assert.Empty(t, jv.Error, jv.Job)
		}
	}

	out, err = execute(t, "batch", "with_broken", "-c", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "SKIPPED")
	assert.Contains(t, out, "CONFIG_ERROR")

	out, err = execute(t, "status", "-c", cfg, "--format", "json")
	require.NoError(t, err)
	var runs []RunView
	decodeResponse(t, out, &runs)
	require.Len(t, runs, 1, "an invalid job never creates a run")
	assert.Equal(t, "P10", runs[0].ProcessCode)
}

func readConfig(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
