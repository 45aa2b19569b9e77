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
	"sort"
	"strings"
)

// graph holds the in-batch dependency edges between jobs, addressed by
// their position in the batch. Edges to jobs outside the batch are not
// represented; the dependency gate checks those against the control store.
type graph struct {
	size  int
	index map[string]int
	deps  map[int][]int
}

func newGraph(jobs []Job) *graph {
	g := &graph{
		size:  len(jobs),
		index: make(map[string]int, len(jobs)),
		deps:  make(map[int][]int),
	}
	byIdentity := make(map[string]int, len(jobs))
	for i, job := range jobs {
		g.index[job.Definition.Key] = i
		if !job.invalid() {
			byIdentity[job.Definition.Identity().String()] = i
		}
	}
	for i, job := range jobs {
		if job.invalid() {
			continue
		}
		for _, dep := range job.Definition.DependsOn {
			if up, ok := byIdentity[dep.String()]; ok {
				g.deps[i] = append(g.deps[i], up)
			}
		}
	}
	return g
}

func (g *graph) upstream(i int) []int {
	return g.deps[i]
}

func (g *graph) downstream(i int) []int {
	var out []int
	for j := 0; j < g.size; j++ {
		for _, dep := range g.deps[j] {
			if dep == i {
				out = append(out, j)
				break
			}
		}
	}
	return out
}

// findCycle returns the jobs of one dependency cycle, or nil.
func (g *graph) findCycle() []int {
	visited := make([]bool, g.size)
	onStack := make([]bool, g.size)
	var stack []int
	var cycle []int

	var visit func(i int) bool
	visit = func(i int) bool {
		visited[i] = true
		onStack[i] = true
		stack = append(stack, i)
		for _, dep := range g.deps[i] {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if onStack[dep] {
				for k := len(stack) - 1; k >= 0; k-- {
					cycle = append(cycle, stack[k])
					if stack[k] == dep {
						break
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		onStack[i] = false
		return false
	}

	for i := 0; i < g.size; i++ {
		if !visited[i] && visit(i) {
			return cycle
		}
	}
	return nil
}

// topologicalSort orders jobs with Kahn's algorithm. Ties are broken by
// declaration order so the result is stable.
func (g *graph) topologicalSort() ([]int, error) {
	inDegree := make([]int, g.size)
	for i := 0; i < g.size; i++ {
		inDegree[i] = len(g.deps[i])
	}

	var queue []int
	for i := 0; i < g.size; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	result := make([]int, 0, g.size)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var ready []int
		for _, down := range g.downstream(current) {
			for _, dep := range g.deps[down] {
				if dep == current {
					inDegree[down]--
				}
			}
			if inDegree[down] == 0 {
				ready = append(ready, down)
			}
		}
		sort.Ints(ready)
		queue = append(queue, ready...)
	}

	if len(result) != g.size {
		return nil, fmt.Errorf("batch contains a dependency cycle")
	}
	return result, nil
}

// levels groups jobs so that every job sits one level below its deepest
// in-batch dependency. It assumes the graph is acyclic.
func (g *graph) levels() [][]int {
	order, err := g.topologicalSort()
	if err != nil {
		return nil
	}
	level := make([]int, g.size)
	maxLevel := 0
	for _, i := range order {
		l := 0
		for _, dep := range g.deps[i] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[i] = l
		if l > maxLevel {
			maxLevel = l
		}
	}
	if g.size == 0 {
		return nil
	}
	out := make([][]int, maxLevel+1)
	for i := 0; i < g.size; i++ {
		out[level[i]] = append(out[level[i]], i)
	}
	return out
}

func describeCycle(jobs []Job, cycle []int) string {
	names := make([]string, 0, len(cycle)+1)
	for _, i := range cycle {
		names = append(names, jobs[i].Definition.Key)
	}
	if len(cycle) > 0 {
		names = append(names, jobs[cycle[0]].Definition.Key)
	}
	return strings.Join(names, " -> ")
}
