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

// Package executor runs a single job through the control protocol:
//
//	INIT -> GATED -> GUARDED -> RUNNING -> SUCCESS | FAILED
//
// The dependency gate and the run guard decide whether the job may start.
// A started job gets its own control row, which is always finalized before
// anyone is notified. Failures inside the job body, panics included, end at
// this boundary and come back as a Result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/notify"
)

// TracerName is the instrumentation name used for executor spans.
const TracerName = "github.com/aaronlmathis/dwflow/executor"

// Options configures an Executor.
type Options struct {
	Notifier       core.Notifier
	Logger         *slog.Logger
	Clock          func() time.Time
	StaleAfter     time.Duration
	Environment    string
	TracerProvider trace.TracerProvider
}

// Option configures Options.
type Option func(*Options)

// WithNotifier sets the notifier used for failure reports.
func WithNotifier(n core.Notifier) Option {
	return func(o *Options) { o.Notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClock sets the clock. It should be the same clock the control store
// uses so that "today" means the same day on both sides.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

// WithStaleAfter enables stale RUNNING row recovery in the run guard.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Options) { o.StaleAfter = d }
}

// WithEnvironment sets the environment name printed in reports.
func WithEnvironment(env string) Option {
	return func(o *Options) { o.Environment = env }
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) { o.TracerProvider = tp }
}

func (o *Options) withDefaults() *Options {
	if o.Notifier == nil {
		o.Notifier = notify.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	return o
}

// Executor drives jobs through the control protocol. It holds no per-job
// state and may run jobs concurrently.
type Executor struct {
	store    core.ControlStore
	opts     Options
	notifier core.Notifier
	gate     *Gate
	guard    *Guard
	tracer   trace.Tracer
}

// New returns an Executor writing to store.
func New(store core.ControlStore, options ...Option) (*Executor, error) {
	if store == nil {
		return nil, errors.New("executor: control store is required")
	}
	opts := (&Options{}).withDefaults()
	for _, opt := range options {
		opt(opts)
	}
	if opts.StaleAfter < 0 {
		return nil, errors.New("executor: stale_after must not be negative")
	}

	notifier := notify.Safe(opts.Notifier, opts.Logger)
	gate := NewGate(store, notifier, opts.Logger, opts.Clock)
	gate.env = opts.Environment

	return &Executor{
		store:    store,
		opts:     *opts,
		notifier: notifier,
		gate:     gate,
		guard:    NewGuard(store, opts.Logger, opts.Clock, opts.StaleAfter),
		tracer:   opts.TracerProvider.Tracer(TracerName),
	}, nil
}

// Run executes one job. It never panics and never returns an error; the
// Result carries the outcome.
func (e *Executor) Run(ctx context.Context, def core.JobDefinition, body core.JobBody) (res Result) {
	res = Result{
		Key:         def.Key,
		ProcessCode: def.ProcessCode,
		SourceID:    def.SourceID,
		State:       StateInit,
		Started:     e.opts.Clock(),
	}
	log := e.opts.Logger.With("job", def.Key, "process_code", def.ProcessCode, "source_id", def.SourceID)

	ctx, span := e.tracer.Start(ctx, "dwflow.executor/run", trace.WithAttributes(
		attribute.String("dwflow.job", def.Key),
		attribute.String("dwflow.process_code", def.ProcessCode),
		attribute.Int64("dwflow.source_id", def.SourceID),
	))
	defer func() {
		res.Elapsed = e.opts.Clock().Sub(res.Started)
		span.SetAttributes(
			attribute.String("dwflow.outcome", res.Outcome.String()),
			attribute.Int64("dwflow.process_id", res.ProcessID),
			attribute.Int64("dwflow.rows", res.Rows),
		)
		if !res.OK() {
			span.SetStatus(codes.Error, res.Outcome.String())
			if res.Err != nil {
				span.RecordError(res.Err)
			}
		}
		span.End()
	}()

	label := displayName(def)

	if err := validateJob(def, body); err != nil {
		res.Outcome, res.Err = OutcomeConfigError, err
		log.Error("job configuration invalid", "error", err)
		e.notifier.Notify(ctx, fmt.Sprintf("[ERROR] %s Configuration Error", label), e.report(def, 0, err, "").String())
		return res
	}

	// INIT -> GATED
	if len(def.DependsOn) > 0 {
		if err := e.gate.Evaluate(ctx, label, def.DependsOn); err != nil {
			res.Outcome, res.Err = OutcomeBlocked, err
			return res
		}
	}
	res.State = StateGated

	// GATED -> GUARDED
	decision, latest, err := e.guard.Check(ctx, def.ProcessCode, def.SourceID)
	if err != nil {
		res.Outcome, res.Err = OutcomeBlocked, err
		log.Error("run guard failed", "error", err)
		e.notifier.Notify(ctx, fmt.Sprintf("[ERROR] %s Run Guard Failed", label), e.report(def, 0, err, "").String())
		return res
	}
	res.State = StateGuarded
	if decision == Skip {
		res.Outcome = OutcomeSkipped
		res.ProcessID = latest.ProcessID
		log.Info("job already handled today, skipping",
			"process_id", latest.ProcessID,
			"status", string(latest.Status))
		return res
	}

	// GUARDED -> RUNNING
	processID, err := e.store.CreateRun(ctx, def.ProcessCode, def.ProcessName, def.SourceID)
	if err != nil {
		res.Outcome = OutcomeIntegrityError
		res.Err = &core.IntegrityError{Op: "create_run", Err: err}
		e.escalate(ctx, log, def, res.Err)
		return res
	}
	res.ProcessID = processID
	res.State = StateRunning
	log = log.With("process_id", processID)
	log.Info("job started")

	jc := core.NewJobContext(def, processID, e.store, log, e.opts.Clock)
	rows, bodyErr := e.invoke(ctx, def, body, jc)
	res.Rows = rows

	// The run must be finalized even when ctx was cancelled mid-job.
	finalCtx := context.WithoutCancel(ctx)

	if bodyErr == nil {
		msg := fmt.Sprintf("OK - %d rows", rows)
		if err := e.store.FinalizeRun(finalCtx, processID, core.StatusSuccess, msg); err != nil {
			res.Outcome, res.Err = OutcomeIntegrityError, asIntegrity(processID, err)
			e.escalate(finalCtx, log, def, res.Err)
			return res
		}
		res.State, res.Outcome = StateSuccess, OutcomeSucceeded
		log.Info("job succeeded", "rows", rows)
		return res
	}

	res.Err = bodyErr
	if err := e.store.FinalizeRun(finalCtx, processID, core.StatusFailed, bodyErr.Error()); err != nil {
		res.Outcome, res.Err = OutcomeIntegrityError, errors.Join(bodyErr, asIntegrity(processID, err))
		e.escalate(finalCtx, log, def, res.Err)
		return res
	}
	res.State, res.Outcome = StateFailed, OutcomeFailed
	log.Error("job failed", "error", bodyErr)

	var stack string
	var jobErr *core.JobError
	if errors.As(bodyErr, &jobErr) {
		stack = jobErr.Stack
	}
	e.notifier.Notify(finalCtx,
		fmt.Sprintf("[FAILED] Process %s Failed", def.ProcessCode),
		e.report(def, processID, bodyErr, stack).String())
	return res
}

// invoke runs the body and converts panics and invalid counts to errors.
func (e *Executor) invoke(ctx context.Context, def core.JobDefinition, body core.JobBody, jc *core.JobContext) (rows int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			rows = 0
			err = &core.JobError{
				Job:   def.Key,
				Err:   fmt.Errorf("%v", r),
				Panic: true,
				Stack: string(debug.Stack()),
			}
		}
	}()

	rows, err = body.Execute(ctx, jc)
	if err != nil {
		return rows, &core.JobError{Job: def.Key, Err: err}
	}
	if rows < 0 {
		return rows, &core.JobError{Job: def.Key, Err: fmt.Errorf("job returned negative row count %d", rows)}
	}
	return rows, nil
}

// escalate reports a control-store write failure. These are logged at
// ERROR and sent with a distinct subject because a RUNNING row may now be
// stuck.
func (e *Executor) escalate(ctx context.Context, log *slog.Logger, def core.JobDefinition, err error) {
	var integrity *core.IntegrityError
	var processID int64
	if errors.As(err, &integrity) {
		processID = integrity.ProcessID
	}
	log.Error("control store integrity failure", "error", err, "process_id", processID)
	e.notifier.Notify(ctx,
		fmt.Sprintf("[CRITICAL] Control store integrity: %s/%d", def.ProcessCode, def.SourceID),
		e.report(def, processID, err, "").String())
}

func (e *Executor) report(def core.JobDefinition, processID int64, err error, stack string) notify.Report {
	details := []notify.Field{
		{Key: "Job", Value: def.Key},
		{Key: "Process Code", Value: def.ProcessCode},
		{Key: "Process Name", Value: def.ProcessName},
		{Key: "Source ID", Value: strconv.FormatInt(def.SourceID, 10)},
	}
	if processID > 0 {
		details = append(details, notify.Field{Key: "Process ID", Value: strconv.FormatInt(processID, 10)})
	}
	return notify.Report{
		Title:       notify.TitleError,
		Timestamp:   e.opts.Clock(),
		Environment: e.opts.Environment,
		Details:     details,
		Info:        causeChain(err),
		Trace:       stack,
		Footer:      notify.ErrorFooter,
	}
}

func asIntegrity(processID int64, err error) error {
	var integrity *core.IntegrityError
	if errors.As(err, &integrity) {
		return err
	}
	return &core.IntegrityError{Op: "finalize_run", ProcessID: processID, Err: err}
}

// causeChain renders err followed by each wrapped cause on its own line.
func causeChain(err error) string {
	if err == nil {
		return ""
	}
	out := err.Error()
	seen := out
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		msg := cause.Error()
		if msg == seen {
			continue
		}
		out += "\nCaused by: " + msg
		seen = msg
	}
	return out
}

func validateJob(def core.JobDefinition, body core.JobBody) error {
	if invalid, ok := body.(core.InvalidJob); ok {
		var cfgErr *core.ConfigError
		if errors.As(invalid.Err, &cfgErr) {
			return invalid.Err
		}
		return &core.ConfigError{Job: def.Key, Err: invalid.Err}
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if body == nil {
		return &core.ConfigError{Job: def.Key, Problems: []string{"no job body registered"}}
	}
	return nil
}

func displayName(def core.JobDefinition) string {
	if def.ProcessName != "" {
		return def.ProcessName
	}
	if def.Key != "" {
		return def.Key
	}
	return def.ProcessCode
}
