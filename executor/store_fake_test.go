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

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aaronlmathis/dwflow/core"
)

// memStore is an in-memory control store with the same finalize semantics
// as the SQL store.
type memStore struct {
	mu        sync.Mutex
	now       func() time.Time
	nextID    int64
	runs      []*core.ProcessRun
	files     []core.FileIngestionRecord
	finalizes map[int64]int

	findErr     error
	createErr   error
	finalizeErr error
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, finalizes: make(map[int64]int)}
}

func (m *memStore) seed(code string, source int64, status core.Status, started time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.runs = append(m.runs, &core.ProcessRun{
		ProcessID:   m.nextID,
		ProcessCode: code,
		ProcessName: code,
		SourceID:    source,
		Status:      status,
		StartedAt:   started,
	})
	return m.nextID
}

func (m *memStore) FindLatestRun(_ context.Context, code string, source int64, day time.Time) (*core.ProcessRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	y, mo, d := day.Date()
	var latest *core.ProcessRun
	for _, r := range m.runs {
		ry, rm, rd := r.StartedAt.Date()
		if r.ProcessCode != code || r.SourceID != source || ry != y || rm != mo || rd != d {
			continue
		}
		if latest == nil || r.ProcessID > latest.ProcessID {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) CreateRun(_ context.Context, code, name string, source int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	m.runs = append(m.runs, &core.ProcessRun{
		ProcessID:   m.nextID,
		ProcessCode: code,
		ProcessName: name,
		SourceID:    source,
		Status:      core.StatusRunning,
		StartedAt:   m.now(),
	})
	return m.nextID, nil
}

func (m *memStore) FinalizeRun(_ context.Context, id int64, status core.Status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizes[id]++
	if m.finalizeErr != nil {
		return m.finalizeErr
	}
	for _, r := range m.runs {
		if r.ProcessID != id {
			continue
		}
		if r.Status.IsTerminal() {
			return &core.IntegrityError{Op: "finalize_run", ProcessID: id,
				Err: fmt.Errorf("%w (status=%s)", core.ErrRunTerminal, r.Status)}
		}
		now := m.now()
		r.Status = status
		r.UpdatedAt = &now
		if message != "" {
			r.ProcessName += " - " + message
		}
		return nil
	}
	return &core.IntegrityError{Op: "finalize_run", ProcessID: id, Err: core.ErrRunNotFound}
}

func (m *memStore) RecordFile(_ context.Context, rec core.FileIngestionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append(m.files, rec)
	return nil
}

func (m *memStore) run(id int64) *core.ProcessRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ProcessID == id {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

var errBoom = errors.New("boom")
