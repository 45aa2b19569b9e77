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

// Package jobs holds the job bodies that can be named by kind in the
// configuration, and the registry that builds them from job params.
//
// A factory only decodes and validates params. Connections are opened
// through the Env when the body executes, so validating a configuration
// never touches a database or a remote service.
package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aaronlmathis/dwflow/core"
)

// ErrUnknownKind is returned for a kind with no registered factory.
var ErrUnknownKind = errors.New("unknown job kind")

var errNoEnv = errors.New("job body has no environment")

// Factory builds a job body from its params. env is nil when the registry
// only validates params.
type Factory func(env *Env, params map[string]interface{}) (core.JobBody, error)

// Registry maps job kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Built-in kinds.
const (
	KindCSVToTable     = "csv_to_table"
	KindHTTPExtract    = "http_extract"
	KindS3Extract      = "s3_extract"
	KindMongoExtract   = "mongo_extract"
	KindSQLProcedure   = "sql_procedure"
	KindTableTransform = "table_transform"
)

// NewRegistry returns a registry with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories[KindCSVToTable] = newCSVToTable
	r.factories[KindHTTPExtract] = newHTTPExtract
	r.factories[KindS3Extract] = newS3Extract
	r.factories[KindMongoExtract] = newMongoExtract
	r.factories[KindSQLProcedure] = newSQLProcedure
	r.factories[KindTableTransform] = newTableTransform
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return errors.New("kind is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s is nil", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
	return nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) factory(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f, nil
}

// Validate checks params for kind. Its signature matches
// config.ParamsValidator.
func (r *Registry) Validate(kind string, params map[string]interface{}) error {
	f, err := r.factory(kind)
	if err != nil {
		return err
	}
	_, err = f(nil, params)
	return err
}

// Body builds the body for a job definition.
func (r *Registry) Body(env *Env, def core.JobDefinition) (core.JobBody, error) {
	if env == nil {
		return nil, errNoEnv
	}
	f, err := r.factory(def.Kind)
	if err != nil {
		return nil, err
	}
	body, err := f(env, def.Params)
	if err != nil {
		return nil, &core.ConfigError{Job: def.Key, Err: err}
	}
	return body, nil
}

// Bodies adapts the registry to the bodies func taken by config.Batch.
func (r *Registry) Bodies(env *Env) func(def core.JobDefinition) (core.JobBody, error) {
	return func(def core.JobDefinition) (core.JobBody, error) {
		return r.Body(env, def)
	}
}

type jobParams interface {
	withDefaults()
	validate() error
}

// decodeParams re-marshals the loosely typed params map and decodes it into
// out, rejecting unknown keys.
func decodeParams(params map[string]interface{}, out jobParams) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode params: %w", err)
	}
	out.withDefaults()
	return out.validate()
}
