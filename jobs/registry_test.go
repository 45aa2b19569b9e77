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

package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/dwflow/core"
)

func TestRegistry_Kinds(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{
		KindCSVToTable,
		KindHTTPExtract,
		KindMongoExtract,
		KindS3Extract,
		KindSQLProcedure,
		KindTableTransform,
	}, r.Kinds())
}

func TestRegistry_ValidateUnknownKind(t *testing.T) {
	err := NewRegistry().Validate("ftp_pull", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
	assert.Contains(t, err.Error(), `"ftp_pull"`)
}

func TestRegistry_ValidateParams(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name    string
		kind    string
		params  map[string]interface{}
		wantErr string
	}{
		{
			name: "csv valid",
			kind: KindCSVToTable,
			params: map[string]interface{}{
				"connection":    "dw",
				"source_folder": "/data/raw",
				"files": []interface{}{
					map[string]interface{}{"file_pattern": "chotot_*.csv", "target_table": "stg_chotot"},
				},
			},
		},
		{
			name:    "csv missing files",
			kind:    KindCSVToTable,
			params:  map[string]interface{}{"connection": "dw", "source_folder": "/data/raw"},
			wantErr: "files must not be empty",
		},
		{
			name: "csv bad table",
			kind: KindCSVToTable,
			params: map[string]interface{}{
				"connection":    "dw",
				"source_folder": "/data/raw",
				"files": []interface{}{
					map[string]interface{}{"file_pattern": "*.csv", "target_table": "stg; DROP"},
				},
			},
			wantErr: "invalid table name",
		},
		{
			name:    "unknown key",
			kind:    KindSQLProcedure,
			params:  map[string]interface{}{"connection": "dw", "call": "load_mart()", "procedure": "x"},
			wantErr: "field procedure not found",
		},
		{
			name: "http offset needs page size",
			kind: KindHTTPExtract,
			params: map[string]interface{}{
				"url":           "https://gateway.chotot.com/v1/public/ad-listing",
				"output_folder": "/data/raw",
				"file_prefix":   "chotot",
				"pagination":    map[string]interface{}{"type": "offset"},
			},
			wantErr: "page_size is required",
		},
		{
			name: "http bad scheme",
			kind: KindHTTPExtract,
			params: map[string]interface{}{
				"url":           "ftp://example.com",
				"output_folder": "/data/raw",
				"file_prefix":   "chotot",
			},
			wantErr: "url must be http or https",
		},
		{
			name:    "s3 select",
			kind:    KindS3Extract,
			params:  map[string]interface{}{"connection": "lake", "output_folder": "/data/raw", "select": "oldest"},
			wantErr: "select must be newest or all",
		},
		{
			name: "mongo pipeline with filter",
			kind: KindMongoExtract,
			params: map[string]interface{}{
				"connection": "docs",
				"collection": "listings",
				"filter":     map[string]interface{}{"status": "active"},
				"pipeline":   []interface{}{map[string]interface{}{"$match": map[string]interface{}{}}},
				"target":     map[string]interface{}{"connection": "dw", "table": "stg_listings"},
			},
			wantErr: "pipeline cannot be combined",
		},
		{
			name: "transform unknown normalizer",
			kind: KindTableTransform,
			params: map[string]interface{}{
				"connection":   "dw",
				"source_table": "stg_chotot",
				"target_table": "clean_chotot",
				"normalize": []interface{}{
					map[string]interface{}{"field": "price", "target": "price", "normalizer": "magic"},
				},
			},
			wantErr: `unknown normalizer "magic"`,
		},
		{
			name: "transform bad where",
			kind: KindTableTransform,
			params: map[string]interface{}{
				"connection":   "dw",
				"source_table": "stg_chotot",
				"target_table": "clean_chotot",
				"where":        []interface{}{map[string]interface{}{"field": "price", "op": "resembles", "value": 1}},
			},
			wantErr: "where",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.kind, tt.params)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_Body(t *testing.T) {
	r := NewRegistry()
	def := core.JobDefinition{
		Key:         "load_mart",
		ProcessCode: "load_mart",
		ProcessName: "Load mart",
		Kind:        KindSQLProcedure,
		Params:      map[string]interface{}{"connection": "dw"},
	}

	_, err := r.Body(nil, def)
	assert.ErrorIs(t, err, errNoEnv)

	env := NewEnv(nil)
	_, err = r.Body(env, def)
	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "load_mart", cfgErr.Job)
	assert.Contains(t, err.Error(), "one of call, statements or exports is required")

	def.Params["call"] = "load_mart()"
	body, err := r.Body(env, def)
	require.NoError(t, err)
	assert.NotNil(t, body)
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", nil))
	assert.Error(t, r.Register("noop", nil))

	called := false
	require.NoError(t, r.Register("noop", func(env *Env, params map[string]interface{}) (core.JobBody, error) {
		return core.JobBodyFunc(func(ctx context.Context, jc *core.JobContext) (int64, error) {
			called = true
			return 3, nil
		}), nil
	}))
	assert.Contains(t, r.Kinds(), "noop")
	assert.NoError(t, r.Validate("noop", nil))

	body, err := r.Bodies(NewEnv(nil))(core.JobDefinition{Key: "n", Kind: "noop"})
	require.NoError(t, err)
	rows, err := body.Execute(context.Background(), newTestJobContext("noop", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)
	assert.True(t, called)
}
