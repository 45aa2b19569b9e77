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
	"strconv"
	"time"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/notify"
)

// Gate checks that every declared upstream job succeeded today. It reads
// the control store and never writes to it.
type Gate struct {
	store    core.ControlStore
	notifier core.Notifier
	logger   *slog.Logger
	now      func() time.Time
	env      string
}

// NewGate returns a Gate. A nil notifier discards notifications.
func NewGate(store core.ControlStore, notifier core.Notifier, logger *slog.Logger, now func() time.Time) *Gate {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, notifier: notifier, logger: logger, now: now}
}

// Evaluate returns nil when every dependency has a SUCCESS run today, and
// a *core.GateError for the first one that does not. Each blocked
// evaluation sends exactly one notification.
func (g *Gate) Evaluate(ctx context.Context, label string, deps []core.Dependency) error {
	today := g.now()
	for _, dep := range deps {
		run, err := g.store.FindLatestRun(ctx, dep.ProcessCode, dep.SourceID, today)
		var gateErr *core.GateError
		switch {
		case err != nil:
			gateErr = &core.GateError{Job: label, Dependency: dep, Reason: core.ReasonStoreError, Err: err}
		case run == nil:
			gateErr = &core.GateError{Job: label, Dependency: dep, Reason: core.ReasonMissingRun}
		case run.Status != core.StatusSuccess:
			gateErr = &core.GateError{Job: label, Dependency: dep, Reason: core.ReasonNotSuccessful, Status: run.Status}
		default:
			g.logger.Debug("dependency satisfied",
				"job", label,
				"dependency", dep.String(),
				"upstream_process_id", run.ProcessID)
			continue
		}

		g.logger.Warn("dependency gate blocked",
			"job", label,
			"dependency", dep.String(),
			"reason", gateErr.Reason,
			"upstream_status", string(gateErr.Status))
		g.notifier.Notify(ctx, gateSubject(label, gateErr), g.gateReport(label, gateErr).String())
		return gateErr
	}
	return nil
}

func gateSubject(label string, e *core.GateError) string {
	if e.Reason == core.ReasonMissingRun {
		return fmt.Sprintf("[ERROR] %s Dependency Missing", label)
	}
	return fmt.Sprintf("[ERROR] %s Dependency Failed", label)
}

func (g *Gate) gateReport(label string, e *core.GateError) notify.Report {
	status := string(e.Status)
	if status == "" {
		status = "N/A"
	}
	return notify.Report{
		Title:       notify.TitleError,
		Timestamp:   g.now(),
		Environment: g.env,
		Details: []notify.Field{
			{Key: "Job", Value: label},
			{Key: "Dependency Process Code", Value: e.Dependency.ProcessCode},
			{Key: "Dependency Source ID", Value: strconv.FormatInt(e.Dependency.SourceID, 10)},
			{Key: "Dependency Status", Value: status},
		},
		Info:   e.Error(),
		Footer: notify.ErrorFooter,
	}
}
