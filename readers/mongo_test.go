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

package readers

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestMongoReader_Validation(t *testing.T) {
	tests := []struct {
		name    string
		options []ReaderOptionMongo
		wantErr []string
	}{
		{
			name:    "missing database and collection",
			wantErr: []string{"database name is required", "collection name is required"},
		},
		{
			name: "aggregate without pipeline",
			options: []ReaderOptionMongo{
				WithMongoDB("crm"), WithMongoCollection("listings"),
				WithMongoPipeline(nil),
			},
			wantErr: []string{"pipeline is required"},
		},
		{
			name: "bad read preference",
			options: []ReaderOptionMongo{
				WithMongoDB("crm"), WithMongoCollection("listings"),
				WithMongoReadPreference("closest"),
			},
			wantErr: []string{"invalid read preference: closest"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMongoReader(tt.options...)
			var mongoErr *MongoReaderError
			require.ErrorAs(t, err, &mongoErr)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}

	r, err := NewMongoReader(WithMongoDB("crm"), WithMongoCollection("listings"),
		WithMongoFilter(bson.M{"status": "active"}), WithMongoLimit(10))
	require.NoError(t, err)
	assert.Equal(t, ModeFind, r.opts.Mode)
	assert.Equal(t, int32(1000), r.opts.BatchSize)
}

func TestMongoReader_ReadsCursor(t *testing.T) {
	id := primitive.NewObjectID()
	created := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	docs := []interface{}{
		bson.D{
			{Key: "_id", Value: id},
			{Key: "subject", Value: "Căn hộ Q7"},
			{Key: "price", Value: int64(2500000000)},
			{Key: "created", Value: primitive.NewDateTimeFromTime(created)},
			{Key: "agent", Value: nil},
		},
		bson.D{{Key: "subject", Value: "Nhà phố"}, {Key: "tags", Value: bson.A{"hot", "new"}}},
	}
	cursor, err := mongo.NewCursorFromDocuments(docs, nil, nil)
	require.NoError(t, err)

	r := NewMongoCursorReader(cursor, "listings")
	defer r.Close()

	first, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id.Hex(), first["_id"])
	assert.Equal(t, "Căn hộ Q7", first["subject"])
	assert.Equal(t, int64(2500000000), first["price"])
	assert.Equal(t, created, first["created"])
	assert.Nil(t, first["agent"])

	second, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"hot", "new"}, second["tags"])

	_, err = r.Read(context.Background())
	assert.Equal(t, io.EOF, err)

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.RecordsRead)
	assert.Equal(t, int64(1), stats.NullValueCounts["agent"])
}

func TestConvertBSONValue(t *testing.T) {
	dec, err := primitive.ParseDecimal128("12.50")
	require.NoError(t, err)

	assert.Equal(t, "12.50", convertBSONValue(dec))
	assert.Nil(t, convertBSONValue(primitive.Null{}))
	assert.Equal(t, map[string]interface{}{"size": int32(45)}, convertBSONValue(bson.D{{Key: "size", Value: int32(45)}}))
	assert.Equal(t, "^Q7", convertBSONValue(primitive.Regex{Pattern: "^Q7"}))
}
