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
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aaronlmathis/dwflow/config"
	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/dbconn"
	"github.com/aaronlmathis/dwflow/readers"
	"github.com/aaronlmathis/dwflow/writers"
)

// MongoSourceFunc opens a document source for a named connection.
type MongoSourceFunc func(ctx context.Context, conn config.Connection, options ...readers.ReaderOptionMongo) (core.DataSource, error)

// Env gives job bodies access to the named data connections. SQL
// databases are opened on first use and shared by every job of the
// invocation; Close releases them.
type Env struct {
	logger      *slog.Logger
	connections map[string]config.Connection
	httpClient  *http.Client
	mongoSource MongoSourceFunc
	dbOptions   []dbconn.Option

	mu  sync.Mutex
	dbs map[string]*sqlConn
	s3  map[string]readers.S3API
}

type sqlConn struct {
	db      *sql.DB
	dialect dbconn.Dialect
	owned   bool
}

// EnvOption configures an Env.
type EnvOption func(*Env)

func WithLogger(logger *slog.Logger) EnvOption {
	return func(e *Env) { e.logger = logger }
}

// WithHTTPClient sets the client used by http_extract.
func WithHTTPClient(client *http.Client) EnvOption {
	return func(e *Env) { e.httpClient = client }
}

// WithSQLDB registers an open database under name. The Env does not close
// it.
func WithSQLDB(name string, db *sql.DB, dialect dbconn.Dialect) EnvOption {
	return func(e *Env) { e.dbs[name] = &sqlConn{db: db, dialect: dialect} }
}

// WithS3Client replaces the S3 client built for the named connection.
func WithS3Client(name string, client readers.S3API) EnvOption {
	return func(e *Env) { e.s3[name] = client }
}

// WithMongoSource replaces how document sources are opened.
func WithMongoSource(fn MongoSourceFunc) EnvOption {
	return func(e *Env) { e.mongoSource = fn }
}

// WithDBOptions passes pool options to every database the Env opens.
func WithDBOptions(options ...dbconn.Option) EnvOption {
	return func(e *Env) { e.dbOptions = append(e.dbOptions, options...) }
}

// NewEnv creates an Env over the configured connections.
func NewEnv(connections map[string]config.Connection, options ...EnvOption) *Env {
	e := &Env{
		logger:      slog.Default(),
		connections: connections,
		mongoSource: openMongoSource,
		dbs:         make(map[string]*sqlConn),
		s3:          make(map[string]readers.S3API),
	}
	for _, option := range options {
		option(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Logger returns the Env logger.
func (e *Env) Logger() *slog.Logger {
	return e.logger
}

// Connection returns the named connection.
func (e *Env) Connection(name string) (config.Connection, error) {
	conn, ok := e.connections[name]
	if !ok {
		return config.Connection{}, fmt.Errorf("connection %q is not configured", name)
	}
	return conn, nil
}

// SQL returns the database for a postgres or sqlite connection, opening
// it on first use.
func (e *Env) SQL(ctx context.Context, name string) (*sql.DB, dbconn.Dialect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.dbs[name]; ok {
		return c.db, c.dialect, nil
	}
	conn, err := e.Connection(name)
	if err != nil {
		return nil, "", err
	}
	if _, err := dbconn.ParseDialect(conn.Driver); err != nil {
		return nil, "", fmt.Errorf("connection %q: %w", name, err)
	}
	db, dialect, err := dbconn.Open(ctx, conn.Driver, conn.DSN, e.dbOptions...)
	if err != nil {
		return nil, "", fmt.Errorf("connection %q: %w", name, err)
	}
	e.dbs[name] = &sqlConn{db: db, dialect: dialect, owned: true}
	e.logger.Debug("opened connection", "connection", name, "driver", conn.Driver)
	return db, dialect, nil
}

// S3Options returns reader options for the named s3 connection. An
// injected client stands in for a configured connection.
func (e *Env) S3Options(name string) ([]readers.ReaderOptionS3, error) {
	e.mu.Lock()
	client := e.s3[name]
	e.mu.Unlock()

	conn, err := e.Connection(name)
	if err != nil && client == nil {
		return nil, err
	}
	if err == nil && conn.Driver != "s3" {
		return nil, fmt.Errorf("connection %q is %s, not s3", name, conn.Driver)
	}

	var opts []readers.ReaderOptionS3
	if conn.Bucket != "" {
		opts = append(opts, readers.WithS3Bucket(conn.Bucket))
	}
	if conn.Region != "" {
		opts = append(opts, readers.WithS3Region(conn.Region))
	}
	if conn.Endpoint != "" {
		opts = append(opts, readers.WithS3Endpoint(conn.Endpoint))
	}
	if conn.AccessKey != "" {
		opts = append(opts, readers.WithS3StaticCredentials(conn.AccessKey, conn.SecretKey))
	}
	opts = append(opts, readers.WithS3PathStyle(conn.PathStyle))
	if client != nil {
		opts = append(opts, readers.WithS3Client(client))
	}
	return opts, nil
}

// S3Uploader returns an uploader into the bucket of the named s3
// connection. An injected client is used when it can put objects.
func (e *Env) S3Uploader(ctx context.Context, name, prefix string) (*writers.S3Uploader, error) {
	e.mu.Lock()
	client := e.s3[name]
	e.mu.Unlock()

	conn, err := e.Connection(name)
	if err != nil {
		return nil, err
	}
	if conn.Driver != "s3" {
		return nil, fmt.Errorf("connection %q is %s, not s3", name, conn.Driver)
	}

	opts := []writers.UploaderOptionS3{
		writers.WithS3UploadBucket(conn.Bucket),
		writers.WithS3UploadPrefix(prefix),
		writers.WithS3UploadPathStyle(conn.PathStyle),
	}
	if conn.Region != "" {
		opts = append(opts, writers.WithS3UploadRegion(conn.Region))
	}
	if conn.Endpoint != "" {
		opts = append(opts, writers.WithS3UploadEndpoint(conn.Endpoint))
	}
	if conn.AccessKey != "" {
		opts = append(opts, writers.WithS3UploadStaticCredentials(conn.AccessKey, conn.SecretKey))
	}
	if put, ok := client.(writers.S3PutAPI); ok {
		opts = append(opts, writers.WithS3UploadClient(put))
	}
	return writers.NewS3Uploader(ctx, opts...)
}

// MongoSource opens a document source on the named mongodb connection.
func (e *Env) MongoSource(ctx context.Context, name string, options ...readers.ReaderOptionMongo) (core.DataSource, error) {
	conn, err := e.Connection(name)
	if err != nil {
		return nil, err
	}
	if conn.Driver != "mongodb" {
		return nil, fmt.Errorf("connection %q is %s, not mongodb", name, conn.Driver)
	}
	return e.mongoSource(ctx, conn, options...)
}

// HTTPClient returns the client for http_extract, or nil for the reader's
// default.
func (e *Env) HTTPClient() *http.Client {
	return e.httpClient
}

// Close closes the databases the Env opened.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for name, c := range e.dbs {
		if !c.owned {
			continue
		}
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(e.dbs, name)
	}
	return errors.Join(errs...)
}

func openMongoSource(ctx context.Context, conn config.Connection, options ...readers.ReaderOptionMongo) (core.DataSource, error) {
	opts := []readers.ReaderOptionMongo{
		readers.WithMongoURI(conn.URI),
		readers.WithMongoDB(conn.Database),
	}
	reader, err := readers.NewMongoReader(append(opts, options...)...)
	if err != nil {
		return nil, err
	}
	if err := reader.Connect(ctx); err != nil {
		return nil, err
	}
	return reader, nil
}

func requireEnv(env *Env) error {
	if env == nil {
		return errNoEnv
	}
	return nil
}
