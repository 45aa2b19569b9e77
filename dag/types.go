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
	"fmt"
	"strings"

	"github.com/aaronlmathis/dwflow/core"
)

// Mode selects how a batch schedules its jobs.
type Mode string

const (
	// Sequential runs jobs one at a time in declared order.
	Sequential Mode = "sequential"
	// Parallel runs each dependency level concurrently.
	Parallel Mode = "parallel"
)

// ParseMode parses a batch mode. The empty string means Sequential.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Sequential:
		return Sequential, nil
	case Parallel:
		return Parallel, nil
	default:
		return "", fmt.Errorf("unknown batch mode %q", s)
	}
}

// SummaryPolicy controls when the coordinator sends a batch summary.
type SummaryPolicy string

const (
	SummaryAlways    SummaryPolicy = "always"
	SummaryOnFailure SummaryPolicy = "on_failure"
	SummaryNever     SummaryPolicy = "never"
)

// ParseSummaryPolicy parses a summary policy. The empty string means
// SummaryNever.
func ParseSummaryPolicy(s string) (SummaryPolicy, error) {
	switch SummaryPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SummaryNever:
		return SummaryNever, nil
	case SummaryAlways:
		return SummaryAlways, nil
	case SummaryOnFailure:
		return SummaryOnFailure, nil
	default:
		return "", fmt.Errorf("unknown summary policy %q", s)
	}
}

// Job pairs a definition with the body that does its work.
type Job struct {
	Definition core.JobDefinition
	Body       core.JobBody
}

// invalid reports whether the job carries a configuration error instead of
// a runnable body. Such jobs take no part in the dependency graph.
func (j Job) invalid() bool {
	_, ok := j.Body.(core.InvalidJob)
	return ok
}

// Batch is a named set of jobs run together by the coordinator.
type Batch struct {
	Name           string
	Mode           Mode
	MaxParallelism int
	Summary        SummaryPolicy
	Jobs           []Job

	graph *graph
}

// Levels returns the job keys grouped by dependency level. Jobs in one
// level have no dependency on each other.
func (b *Batch) Levels() [][]string {
	levels := b.dependencyGraph().levels()
	out := make([][]string, len(levels))
	for i, level := range levels {
		for _, idx := range level {
			out[i] = append(out[i], b.Jobs[idx].Definition.Key)
		}
	}
	return out
}

// Upstream returns the keys of in-batch jobs that key depends on.
func (b *Batch) Upstream(key string) []string {
	g := b.dependencyGraph()
	idx, ok := g.index[key]
	if !ok {
		return nil
	}
	return b.keys(g.upstream(idx))
}

// Downstream returns the keys of in-batch jobs that depend on key.
func (b *Batch) Downstream(key string) []string {
	g := b.dependencyGraph()
	idx, ok := g.index[key]
	if !ok {
		return nil
	}
	return b.keys(g.downstream(idx))
}

func (b *Batch) dependencyGraph() *graph {
	if b.graph != nil {
		return b.graph
	}
	return newGraph(b.Jobs)
}

func (b *Batch) keys(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, b.Jobs[i].Definition.Key)
	}
	return out
}
