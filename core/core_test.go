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

package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"RUNNING", StatusRunning},
		{"PROCESS", StatusRunning},
		{"success", StatusSuccess},
		{"FAILED", StatusFailed},
		{"FAIL", StatusFailed},
		{" fail ", StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseStatus("DONE")
	assert.Error(t, err)
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestJobDefinitionValidate(t *testing.T) {
	def := JobDefinition{Key: "load", ProcessCode: "P5", ProcessName: "Load", SourceID: 2}
	assert.NoError(t, def.Validate())

	bad := JobDefinition{
		Key:       "broken",
		SourceID:  2,
		DependsOn: []Dependency{{ProcessCode: "", SourceID: 1}},
	}
	err := bad.Validate()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Problems, 3)
	assert.Contains(t, err.Error(), `job "broken"`)

	self := JobDefinition{
		Key: "self", ProcessCode: "P6", ProcessName: "Self", SourceID: 2,
		DependsOn: []Dependency{{ProcessCode: "P6", SourceID: 2}},
	}
	assert.ErrorContains(t, self.Validate(), "cannot depend on itself")
}

func TestGateErrorMessage(t *testing.T) {
	err := &GateError{
		Job:        "P9",
		Dependency: Dependency{ProcessCode: "P6", SourceID: 2},
		Reason:     ReasonNotSuccessful,
		Status:     StatusFailed,
	}
	assert.Equal(t, "dependency P6/2 for P9: upstream not successful (status=FAILED)", err.Error())
}

type failingStore struct {
	ControlStore
	recorded []FileIngestionRecord
}

func (s *failingStore) RecordFile(ctx context.Context, rec FileIngestionRecord) error {
	s.recorded = append(s.recorded, rec)
	return errors.New("disk full")
}

func TestJobContextRecordFileSwallowsErrors(t *testing.T) {
	store := &failingStore{}
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	def := JobDefinition{ProcessCode: "P5", ProcessName: "Load", SourceID: 2}
	jc := NewJobContext(def, 7, store, nil, func() time.Time { return fixed })

	assert.NotPanics(t, func() {
		jc.RecordFile(context.Background(), "/data/a.csv", 10, 2048, FileSuccess, time.Second)
	})
	require.Len(t, store.recorded, 1)
	assert.Equal(t, int64(2), store.recorded[0].SourceID)
	assert.Equal(t, fixed, store.recorded[0].Timestamp)
	assert.Equal(t, int64(7), jc.ProcessID)
}
