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
	"fmt"
	"log/slog"
	"time"

	"github.com/aaronlmathis/dwflow/core"
)

// Decision is the outcome of the run guard.
type Decision int

const (
	// Continue starts a new run.
	Continue Decision = iota
	// Skip leaves today's run alone; the job is already running or done.
	Skip
)

func (d Decision) String() string {
	if d == Skip {
		return "SKIP"
	}
	return "CONTINUE"
}

// StaleRunMessage is appended to runs the guard recovers as stale.
const StaleRunMessage = "stale run recovered"

// Guard prevents a job from running twice on the same day.
type Guard struct {
	store      core.ControlStore
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
}

// NewGuard returns a Guard. With staleAfter > 0 a RUNNING row older than
// staleAfter is finalized FAILED and a new run is allowed.
func NewGuard(store core.ControlStore, logger *slog.Logger, now func() time.Time, staleAfter time.Duration) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{store: store, logger: logger, now: now, staleAfter: staleAfter}
}

// Check returns the decision for (processCode, sourceID) together with the
// run it was based on, which is nil when there was none today.
func (g *Guard) Check(ctx context.Context, processCode string, sourceID int64) (Decision, *core.ProcessRun, error) {
	now := g.now()
	run, err := g.store.FindLatestRun(ctx, processCode, sourceID, now)
	if err != nil {
		return Continue, nil, fmt.Errorf("run guard: %w", err)
	}
	if run == nil {
		return Continue, nil, nil
	}

	switch run.Status {
	case core.StatusSuccess:
		return Skip, run, nil
	case core.StatusRunning:
		if g.staleAfter > 0 && now.Sub(run.StartedAt) > g.staleAfter {
			if err := g.store.FinalizeRun(ctx, run.ProcessID, core.StatusFailed, StaleRunMessage); err != nil {
				return Continue, run, fmt.Errorf("run guard: recover stale run: %w", err)
			}
			g.logger.Warn("stale run marked failed",
				"process_code", processCode,
				"source_id", sourceID,
				"process_id", run.ProcessID,
				"started_at", run.StartedAt)
			return Continue, run, nil
		}
		return Skip, run, nil
	default:
		return Continue, run, nil
	}
}
