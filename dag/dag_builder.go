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

package dag

import (
	"context"
	"errors"
	"fmt"

	"github.com/aaronlmathis/dwflow/core"
)

// BatchBuilder provides a fluent API for constructing batches.
type BatchBuilder struct {
	batch *Batch
}

// NewBatch creates a new batch builder.
func NewBatch(name string) *BatchBuilder {
	return &BatchBuilder{
		batch: &Batch{
			Name:           name,
			Mode:           Sequential,
			MaxParallelism: 4,
			Summary:        SummaryNever,
		},
	}
}

// Add appends a job to the batch.
func (b *BatchBuilder) Add(def core.JobDefinition, body core.JobBody) *BatchBuilder {
	b.batch.Jobs = append(b.batch.Jobs, Job{Definition: def, Body: body})
	return b
}

// AddFunc appends a job whose body is a plain function.
func (b *BatchBuilder) AddFunc(def core.JobDefinition, fn func(ctx context.Context, jc *core.JobContext) (int64, error)) *BatchBuilder {
	return b.Add(def, core.JobBodyFunc(fn))
}

// WithMode sets the scheduling mode.
func (b *BatchBuilder) WithMode(mode Mode) *BatchBuilder {
	b.batch.Mode = mode
	return b
}

// WithMaxParallelism sets the maximum number of jobs run at once in
// parallel mode.
func (b *BatchBuilder) WithMaxParallelism(n int) *BatchBuilder {
	b.batch.MaxParallelism = n
	return b
}

// WithSummary sets when a batch summary notification is sent.
func (b *BatchBuilder) WithSummary(policy SummaryPolicy) *BatchBuilder {
	b.batch.Summary = policy
	return b
}

// Build validates and returns the batch.
func (b *BatchBuilder) Build() (*Batch, error) {
	if err := b.batch.prepare(); err != nil {
		return nil, err
	}
	return b.batch, nil
}

// prepare validates the batch and computes its dependency graph.
func (batch *Batch) prepare() error {
	if err := validateBatch(batch); err != nil {
		return err
	}
	g := newGraph(batch.Jobs)
	if cycle := g.findCycle(); cycle != nil {
		return fmt.Errorf("batch %s: dependency cycle %s", batch.Name, describeCycle(batch.Jobs, cycle))
	}
	batch.graph = g
	if batch.Mode == Sequential {
		if err := checkDeclaredOrder(batch); err != nil {
			batch.graph = nil
			return err
		}
	}
	return nil
}

func validateBatch(batch *Batch) error {
	var errs []error
	if batch.Name == "" {
		errs = append(errs, errors.New("batch name is required"))
	}
	if batch.Mode != Sequential && batch.Mode != Parallel {
		errs = append(errs, fmt.Errorf("unknown batch mode %q", batch.Mode))
	}
	if batch.MaxParallelism < 1 {
		errs = append(errs, fmt.Errorf("max_parallelism must be at least 1, got %d", batch.MaxParallelism))
	}
	if len(batch.Jobs) == 0 {
		errs = append(errs, errors.New("batch has no jobs"))
	}

	keys := make(map[string]bool, len(batch.Jobs))
	identities := make(map[core.Dependency]string, len(batch.Jobs))
	for _, job := range batch.Jobs {
		def := job.Definition
		if def.Key == "" {
			errs = append(errs, fmt.Errorf("job %s/%d has no key", def.ProcessCode, def.SourceID))
			continue
		}
		if keys[def.Key] {
			errs = append(errs, fmt.Errorf("job %s declared twice", def.Key))
		}
		keys[def.Key] = true
		if job.invalid() {
			continue
		}
		if other, ok := identities[def.Identity()]; ok {
			errs = append(errs, fmt.Errorf("jobs %s and %s share process %s", other, def.Key, def.Identity()))
		}
		identities[def.Identity()] = def.Key
	}

	if len(errs) > 0 {
		return fmt.Errorf("batch %s: %w", batch.Name, errors.Join(errs...))
	}
	return nil
}

// checkDeclaredOrder rejects a sequential batch in which a job is declared
// before one of its in-batch dependencies.
func checkDeclaredOrder(batch *Batch) error {
	for i := range batch.Jobs {
		for _, up := range batch.graph.upstream(i) {
			if up > i {
				return fmt.Errorf("batch %s: job %s runs before its dependency %s",
					batch.Name, batch.Jobs[i].Definition.Key, batch.Jobs[up].Definition.Key)
			}
		}
	}
	return nil
}
