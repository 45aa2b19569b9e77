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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/aaronlmathis/dwflow/config"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/readers"
)

// cursorSource serves docs from an in-memory cursor and keeps the options
// the job asked for.
type cursorSource struct {
	docs []interface{}
	got  readers.MongoReaderOptions
	conn config.Connection
}

func (c *cursorSource) open(ctx context.Context, conn config.Connection, options ...readers.ReaderOptionMongo) (core.DataSource, error) {
	c.conn = conn
	for _, option := range options {
		option(&c.got)
	}
	cursor, err := mongo.NewCursorFromDocuments(c.docs, nil, nil)
	if err != nil {
		return nil, err
	}
	return readers.NewMongoCursorReader(cursor, c.got.Collection), nil
}

func mongoEnv(t *testing.T, src *cursorSource) *Env {
	t.Helper()
	env, _ := newWarehouseEnv(t, WithMongoSource(src.open))
	env.connections["docs"] = config.Connection{Driver: "mongodb", URI: "mongodb://localhost:27017", Database: "crm"}
	return env
}

func TestMongoExtract_CopiesDocuments(t *testing.T) {
	id1, id2 := primitive.NewObjectID(), primitive.NewObjectID()
	src := &cursorSource{docs: []interface{}{
		bson.D{
			{Key: "_id", Value: id1},
			{Key: "subject", Value: "Căn hộ Q7"},
			{Key: "price", Value: int64(2500000000)},
			{Key: "location", Value: bson.D{{Key: "ward", Value: "Tân Phong"}, {Key: "district", Value: "Q7"}}},
			{Key: "tags", Value: bson.A{"hot", "new"}},
			{Key: "internal", Value: "drop me"},
		},
		bson.D{
			{Key: "_id", Value: id2},
			{Key: "subject", Value: "Nhà phố"},
			{Key: "price", Value: int64(900000000)},
		},
	}}
	env := mongoEnv(t, src)
	db, _, err := env.SQL(context.Background(), "dw")
	require.NoError(t, err)

	params := map[string]interface{}{
		"connection": "docs",
		"collection": "listings",
		"filter":     map[string]interface{}{"status": "active"},
		"sort":       []interface{}{map[string]interface{}{"field": "price", "order": -1}},
		"limit":      100,
		"rename":     map[string]interface{}{"_id": "listing_id"},
		"target": map[string]interface{}{
			"connection":   "dw",
			"table":        "stg_listings",
			"create_table": true,
			"truncate":     true,
			"columns":      []interface{}{"listing_id", "subject", "price", "location", "tags"},
		},
	}
	rows, err := runJob(t, env, KindMongoExtract, params, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)

	assert.Equal(t, "crm", src.conn.Database)
	assert.Equal(t, "listings", src.got.Collection)
	assert.Equal(t, bson.M{"status": "active"}, src.got.Filter)
	assert.Equal(t, bson.D{{Key: "price", Value: -1}}, src.got.Sort)
	assert.Equal(t, int64(100), src.got.Limit)

	var (
		subject  string
		location string
		tags     string
	)
	require.NoError(t, db.QueryRow("SELECT subject, location, tags FROM stg_listings WHERE listing_id = ?", id1.Hex()).
		Scan(&subject, &location, &tags))
	assert.Equal(t, "Căn hộ Q7", subject)
	assert.JSONEq(t, `{"ward": "Tân Phong", "district": "Q7"}`, location)
	assert.JSONEq(t, `["hot", "new"]`, tags)

	var missing interface{}
	require.NoError(t, db.QueryRow("SELECT location FROM stg_listings WHERE listing_id = ?", id2.Hex()).Scan(&missing))
	assert.Nil(t, missing)
}

func TestMongoExtract_EmptyCollectionCreatesTable(t *testing.T) {
	src := &cursorSource{}
	env := mongoEnv(t, src)
	db, _, err := env.SQL(context.Background(), "dw")
	require.NoError(t, err)

	params := map[string]interface{}{
		"connection": "docs",
		"collection": "listings",
		"pipeline":   []interface{}{map[string]interface{}{"$match": map[string]interface{}{"status": "sold"}}},
		"target": map[string]interface{}{
			"connection":   "dw",
			"table":        "stg_sold",
			"create_table": true,
			"columns":      []interface{}{"listing_id", "subject"},
		},
	}
	rows, err := runJob(t, env, KindMongoExtract, params, nil)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Equal(t, readers.ModeAggregate, src.got.Mode)
	assert.Equal(t, 0, countRows(t, db, "stg_sold"))
}

func TestMongoExtract_WrongDriver(t *testing.T) {
	env, _ := newWarehouseEnv(t)
	params := map[string]interface{}{
		"connection": "dw",
		"collection": "listings",
		"target":     map[string]interface{}{"connection": "dw", "table": "stg_listings"},
	}
	_, err := runJob(t, env, KindMongoExtract, params, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not mongodb")
}

func TestFlattenDocument(t *testing.T) {
	fn := flattenDocument(map[string]string{"_id": "listing_id"})
	out, err := fn(context.Background(), core.Record{
		"_id":    "abc",
		"params": map[string]interface{}{"rooms": int64(2)},
		"images": []interface{}{"a.jpg"},
		"price":  int64(5),
	})
	require.NoError(t, err)
	assert.Equal(t, core.Record{
		"listing_id": "abc",
		"params":     `{"rooms":2}`,
		"images":     `["a.jpg"]`,
		"price":      int64(5),
	}, out)
}
