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

package dwflow

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Package dwflow runs control-table-driven ETL jobs for a small data
// warehouse. Job bodies move records with the streaming Pipeline defined
// here:
//
//	written, err := dwflow.NewPipeline().
//	    From(csvReader).
//	    Transform(mapping).
//	    Filter(notNull).
//	    To(tableWriter).
//	    Build()
//
// The control protocol (gate, guard, executor, coordinator) lives in the
// executor and dag packages.

// PipelineBuilder provides a fluent API for constructing pipelines.
type PipelineBuilder struct {
	pipeline *Pipeline
}

// NewPipeline creates a new PipelineBuilder.
func NewPipeline() *PipelineBuilder {
	return &PipelineBuilder{
		pipeline: &Pipeline{
			transformers: make([]Transformer, 0),
			filters:      make([]Filter, 0),
			strategy:     FailFast,
		},
	}
}

// From sets the DataSource for the pipeline.
func (pb *PipelineBuilder) From(source DataSource) *PipelineBuilder {
	pb.pipeline.source = source
	return pb
}

// Transform adds a Transformer to the pipeline.
func (pb *PipelineBuilder) Transform(transformer Transformer) *PipelineBuilder {
	pb.pipeline.transformers = append(pb.pipeline.transformers, transformer)
	return pb
}

// Filter adds a Filter to the pipeline.
func (pb *PipelineBuilder) Filter(filter Filter) *PipelineBuilder {
	pb.pipeline.filters = append(pb.pipeline.filters, filter)
	return pb
}

// Map adds a mapping function to the pipeline.
func (pb *PipelineBuilder) Map(fn func(ctx context.Context, record Record) (Record, error)) *PipelineBuilder {
	return pb.Transform(TransformFunc(fn))
}

// Where adds a filtering function to the pipeline.
func (pb *PipelineBuilder) Where(fn func(ctx context.Context, record Record) (bool, error)) *PipelineBuilder {
	return pb.Filter(FilterFunc(fn))
}

// To sets the DataSink for the pipeline.
func (pb *PipelineBuilder) To(sink DataSink) *PipelineBuilder {
	pb.pipeline.sink = sink
	return pb
}

// WithErrorStrategy sets the error handling strategy for the pipeline.
func (pb *PipelineBuilder) WithErrorStrategy(strategy ErrorStrategy) *PipelineBuilder {
	pb.pipeline.strategy = strategy
	return pb
}

// WithErrorHandler sets a custom error handler for the pipeline.
func (pb *PipelineBuilder) WithErrorHandler(handler ErrorHandler) *PipelineBuilder {
	pb.pipeline.errorHandler = handler
	return pb
}

// Build validates and constructs the Pipeline.
func (pb *PipelineBuilder) Build() (*Pipeline, error) {
	if pb.pipeline.source == nil {
		return nil, fmt.Errorf("pipeline requires a data source")
	}
	if pb.pipeline.sink == nil {
		return nil, fmt.Errorf("pipeline requires a data sink")
	}
	return pb.pipeline, nil
}

// Pipeline streams records from a source through transformers and filters
// into a sink.
type Pipeline struct {
	transformers []Transformer
	filters      []Filter
	source       DataSource
	sink         DataSink
	strategy     ErrorStrategy
	errorHandler ErrorHandler

	collected []error
}

// Errors returns the record errors collected under CollectErrors.
func (p *Pipeline) Errors() []error {
	return p.collected
}

// Execute runs the pipeline to completion and returns the number of
// records written to the sink. The source and sink are closed on return;
// a failing flush or close is reported when the run itself succeeded.
func (p *Pipeline) Execute(ctx context.Context) (written int64, err error) {
	defer func() {
		closeErr := p.close()
		if err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		record, readErr := p.source.Read(ctx)
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			if err := p.handleError(ctx, record, readErr); err != nil {
				return written, err
			}
			continue
		}

		if len(record) == 0 {
			continue
		}

		transformed, tErr := p.applyTransformations(ctx, record)
		if tErr != nil {
			if err := p.handleError(ctx, record, tErr); err != nil {
				return written, err
			}
			continue
		}
		if len(transformed) == 0 {
			continue
		}

		include, fErr := p.applyFilters(ctx, transformed)
		if fErr != nil {
			if err := p.handleError(ctx, record, fErr); err != nil {
				return written, err
			}
			continue
		}
		if !include {
			continue
		}

		if wErr := p.sink.Write(ctx, transformed); wErr != nil {
			if err := p.handleError(ctx, transformed, wErr); err != nil {
				return written, err
			}
			continue
		}
		written++
	}
}

func (p *Pipeline) close() error {
	var errs []error
	if p.sink != nil {
		if err := p.sink.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush sink: %w", err))
		}
		if err := p.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	if p.source != nil {
		if err := p.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) applyFilters(ctx context.Context, record Record) (bool, error) {
	for _, filter := range p.filters {
		include, err := filter.ShouldInclude(ctx, record)
		if err != nil {
			return false, err
		}
		if !include {
			return false, nil
		}
	}
	return true, nil
}

func (p *Pipeline) applyTransformations(ctx context.Context, record Record) (Record, error) {
	current := record
	for _, transformer := range p.transformers {
		transformed, err := transformer.Transform(ctx, current)
		if err != nil {
			return nil, err
		}
		current = transformed
	}
	return current, nil
}

// handleError applies the error strategy. A nil return continues the run.
func (p *Pipeline) handleError(ctx context.Context, record Record, err error) error {
	switch p.strategy {
	case SkipErrors:
		if p.errorHandler != nil {
			return p.errorHandler.HandleError(ctx, record, err)
		}
		return nil
	case CollectErrors:
		p.collected = append(p.collected, err)
		if p.errorHandler != nil {
			return p.errorHandler.HandleError(ctx, record, err)
		}
		return nil
	default:
		return err
	}
}
