package aggregate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aaronlmathis/dwflow/core"
)

type output struct {
	target  string
	factory Factory
}

// GroupBy groups records by key fields and computes one output field per
// registered aggregate. Groups are returned in first-seen order.
type GroupBy struct {
	groupFields []string
	outputs     []output
}

// NewGroupBy creates a GroupBy on the given fields. With no fields every
// record falls into a single group.
func NewGroupBy(groupFields ...string) *GroupBy {
	return &GroupBy{groupFields: groupFields}
}

// Count adds a record count.
func (g *GroupBy) Count(target string) *GroupBy {
	return g.must(OpCount, "", target)
}

// Sum adds the sum of field.
func (g *GroupBy) Sum(field, target string) *GroupBy {
	return g.must(OpSum, field, target)
}

// Avg adds the average of field.
func (g *GroupBy) Avg(field, target string) *GroupBy {
	return g.must(OpAvg, field, target)
}

// Min adds the minimum of field.
func (g *GroupBy) Min(field, target string) *GroupBy {
	return g.must(OpMin, field, target)
}

// Max adds the maximum of field.
func (g *GroupBy) Max(field, target string) *GroupBy {
	return g.must(OpMax, field, target)
}

func (g *GroupBy) must(op, field, target string) *GroupBy {
	if err := g.Add(op, field, target); err != nil {
		panic(err)
	}
	return g
}

// Add registers op on field under the output name target.
func (g *GroupBy) Add(op, field, target string) error {
	if target == "" {
		return fmt.Errorf("aggregate %s(%s) needs a target", op, field)
	}
	for _, f := range g.groupFields {
		if f == target {
			return fmt.Errorf("aggregate target %q is also a group field", target)
		}
	}
	for _, o := range g.outputs {
		if o.target == target {
			return fmt.Errorf("aggregate target %q is used twice", target)
		}
	}
	factory, err := New(op, field)
	if err != nil {
		return err
	}
	g.outputs = append(g.outputs, output{target: target, factory: factory})
	return nil
}

// Fields returns the output columns: group fields then aggregate targets.
func (g *GroupBy) Fields() []string {
	fields := append([]string{}, g.groupFields...)
	for _, o := range g.outputs {
		fields = append(fields, o.target)
	}
	return fields
}

type group struct {
	key  core.Record
	aggs []Aggregator
}

// Process aggregates records read from a channel until it is closed or
// ctx is done.
func (g *GroupBy) Process(ctx context.Context, records <-chan core.Record) ([]core.Record, error) {
	var (
		order  []string
		groups = make(map[string]*group)
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case record, ok := <-records:
			if !ok {
				return g.results(order, groups), nil
			}
			key := g.groupKey(record)
			grp, exists := groups[key]
			if !exists {
				grp = g.newGroup(record)
				groups[key] = grp
				order = append(order, key)
			}
			for _, agg := range grp.aggs {
				agg.Add(record)
			}
		}
	}
}

// Apply aggregates an in-memory slice of records.
func (g *GroupBy) Apply(ctx context.Context, records []core.Record) ([]core.Record, error) {
	ch := make(chan core.Record)
	go func() {
		defer close(ch)
		for _, r := range records {
			select {
			case ch <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return g.Process(ctx, ch)
}

func (g *GroupBy) newGroup(record core.Record) *group {
	grp := &group{key: make(core.Record, len(g.groupFields)), aggs: make([]Aggregator, len(g.outputs))}
	for _, f := range g.groupFields {
		grp.key[f] = record[f]
	}
	for i, o := range g.outputs {
		grp.aggs[i] = o.factory()
	}
	return grp
}

func (g *GroupBy) results(order []string, groups map[string]*group) []core.Record {
	results := make([]core.Record, 0, len(order))
	for _, key := range order {
		grp := groups[key]
		result := make(core.Record, len(g.groupFields)+len(g.outputs))
		for k, v := range grp.key {
			result[k] = v
		}
		for i, o := range g.outputs {
			result[o.target] = grp.aggs[i].Result()
		}
		results = append(results, result)
	}
	return results
}

// groupKey encodes the group values with their types so that 1 and "1"
// land in different groups.
func (g *GroupBy) groupKey(record core.Record) string {
	var b strings.Builder
	for _, field := range g.groupFields {
		fmt.Fprintf(&b, "%T:%v\x1f", record[field], record[field])
	}
	return b.String()
}
