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

// Package dag runs batches of jobs. A batch is either a fixed sequence or a
// set of jobs grouped into dependency levels that run concurrently. The
// coordinator never decides whether a job may run; every job goes through
// the executor, whose dependency gate reads the control store.
package dag

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/executor"
	"github.com/aaronlmathis/dwflow/notify"
)

// JobRunner runs one job through the control protocol.
type JobRunner interface {
	Run(ctx context.Context, def core.JobDefinition, body core.JobBody) executor.Result
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithNotifier sets the notifier used for batch summaries.
func WithNotifier(n core.Notifier) CoordinatorOption {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the clock used for batch timing.
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithBatchID overrides batch id generation.
func WithBatchID(gen func() string) CoordinatorOption {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Coordinator runs batches through a JobRunner.
type Coordinator struct {
	runner   JobRunner
	notifier core.Notifier
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewCoordinator creates a coordinator around runner.
func NewCoordinator(runner JobRunner, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		runner:   runner,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes every job in the batch. A failed job does not stop its
// siblings. Jobs that never started because ctx was cancelled are reported
// as blocked.
func (c *Coordinator) Run(ctx context.Context, batch *Batch) *BatchResult {
	result := &BatchResult{
		BatchID: c.newID(),
		Name:    batch.Name,
		Started: c.now(),
		Results: make([]executor.Result, len(batch.Jobs)),
	}
	log := c.logger.With("batch", batch.Name, "batch_id", result.BatchID)

	if batch.graph == nil || batch.graph.size != len(batch.Jobs) {
		if err := batch.prepare(); err != nil {
			log.Error("batch invalid", "error", err)
			result.Error = err
			for i, job := range batch.Jobs {
				result.Results[i] = executor.Result{
					Key:         job.Definition.Key,
					ProcessCode: job.Definition.ProcessCode,
					SourceID:    job.Definition.SourceID,
					Outcome:     executor.OutcomeConfigError,
					Err:         err,
					Started:     result.Started,
				}
			}
			result.Elapsed = c.now().Sub(result.Started)
			c.sendSummary(ctx, batch, result)
			return result
		}
	}

	log.Info("batch started", "mode", string(batch.Mode), "jobs", len(batch.Jobs))

	switch batch.Mode {
	case Parallel:
		c.runParallel(ctx, log, batch, result)
	default:
		c.runSequential(ctx, batch, result)
	}

	result.Elapsed = c.now().Sub(result.Started)
	log.Info("batch finished",
		"succeeded", result.Succeeded(),
		"failed", result.FailedCount(),
		"elapsed", result.Elapsed)

	c.sendSummary(ctx, batch, result)
	return result
}

func (c *Coordinator) runSequential(ctx context.Context, batch *Batch, result *BatchResult) {
	for i, job := range batch.Jobs {
		result.Results[i] = c.runJob(ctx, job)
	}
}

// runParallel runs one level at a time. Every job of a level finishes
// before the next level starts so that downstream gates observe final
// upstream rows.
func (c *Coordinator) runParallel(ctx context.Context, log *slog.Logger, batch *Batch, result *BatchResult) {
	for levelIdx, level := range batch.graph.levels() {
		var g errgroup.Group
		g.SetLimit(batch.MaxParallelism)
		for _, idx := range level {
			g.Go(func() error {
				result.Results[idx] = c.runJob(ctx, batch.Jobs[idx])
				return nil
			})
		}
		_ = g.Wait()
		log.Debug("completed level", "level", levelIdx, "jobs", len(level))
	}
}

func (c *Coordinator) runJob(ctx context.Context, job Job) executor.Result {
	def := job.Definition
	if err := ctx.Err(); err != nil {
		return executor.Result{
			Key:         def.Key,
			ProcessCode: def.ProcessCode,
			SourceID:    def.SourceID,
			Outcome:     executor.OutcomeBlocked,
			Err:         err,
			Started:     c.now(),
		}
	}
	res := c.runner.Run(ctx, def, job.Body)
	c.logger.Info("job finished",
		"job", def.Key,
		"process_code", def.ProcessCode,
		"source_id", def.SourceID,
		"process_id", res.ProcessID,
		"outcome", res.Outcome.String(),
		"rows", res.Rows,
		"elapsed", res.Elapsed)
	return res
}

func (c *Coordinator) sendSummary(ctx context.Context, batch *Batch, result *BatchResult) {
	switch batch.Summary {
	case SummaryAlways:
	case SummaryOnFailure:
		if result.Succeeded() {
			return
		}
	default:
		return
	}
	summary := result.Summary()
	c.notifier.Notify(context.WithoutCancel(ctx), summary.Subject(), summary.String())
}

// ErrBatchFailed is returned by BatchResult.Err when any job did not
// succeed.
var ErrBatchFailed = errors.New("batch failed")
