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

package writers

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3UploaderError wraps upload errors with the object key.
type S3UploaderError struct {
	Op  string
	Key string
	Err error
}

func (e *S3UploaderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("s3 uploader %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("s3 uploader %s: %v", e.Op, e.Err)
}

func (e *S3UploaderError) Unwrap() error {
	return e.Err
}

// S3PutAPI is the subset of the S3 client the uploader uses.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3UploaderStats holds upload statistics.
type S3UploaderStats struct {
	ObjectsUploaded int64
	BytesUploaded   int64
	UploadDuration  time.Duration
	UploadedKeys    []string
}

// S3UploaderOptions configures an S3Uploader.
type S3UploaderOptions struct {
	Bucket         string
	Prefix         string
	Region         string
	Credentials    aws.Credentials
	EndpointURL    string
	ForcePathStyle bool
	Client         S3PutAPI
}

// UploaderOptionS3 configures S3UploaderOptions.
type UploaderOptionS3 func(*S3UploaderOptions)

// WithS3UploadBucket sets the destination bucket.
func WithS3UploadBucket(bucket string) UploaderOptionS3 {
	return func(o *S3UploaderOptions) { o.Bucket = bucket }
}

// WithS3UploadPrefix sets the key prefix, e.g. "marts/daily/".
func WithS3UploadPrefix(prefix string) UploaderOptionS3 {
	return func(o *S3UploaderOptions) { o.Prefix = prefix }
}

// WithS3UploadRegion sets the AWS region.
func WithS3UploadRegion(region string) UploaderOptionS3 {
	return func(o *S3UploaderOptions) { o.Region = region }
}

// WithS3UploadStaticCredentials uses fixed credentials instead of the
// default chain.
func WithS3UploadStaticCredentials(accessKey, secretKey string) UploaderOptionS3 {
	return func(o *S3UploaderOptions) {
		o.Credentials = aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}
	}
}

// WithS3UploadEndpoint targets an S3-compatible endpoint such as MinIO.
func WithS3UploadEndpoint(endpoint string) UploaderOptionS3 {
	return func(o *S3UploaderOptions) { o.EndpointURL = endpoint }
}

// WithS3UploadPathStyle enables path-style addressing.
func WithS3UploadPathStyle(pathStyle bool) UploaderOptionS3 {
	return func(o *S3UploaderOptions) { o.ForcePathStyle = pathStyle }
}

// WithS3UploadClient uses the given client.
func WithS3UploadClient(client S3PutAPI) UploaderOptionS3 {
	return func(o *S3UploaderOptions) { o.Client = client }
}

// S3Uploader copies finished local files into a bucket.
type S3Uploader struct {
	client S3PutAPI
	opts   S3UploaderOptions
	stats  S3UploaderStats
	mu     sync.Mutex
}

// NewS3Uploader creates an uploader. Without an injected client one is
// built from the default AWS configuration chain.
func NewS3Uploader(ctx context.Context, options ...UploaderOptionS3) (*S3Uploader, error) {
	var opts S3UploaderOptions
	for _, option := range options {
		option(&opts)
	}
	if opts.Bucket == "" {
		return nil, &S3UploaderError{Op: "validate_options", Err: fmt.Errorf("bucket is required")}
	}

	client := opts.Client
	if client == nil {
		var configOpts []func(*config.LoadOptions) error
		if opts.Region != "" {
			configOpts = append(configOpts, config.WithRegion(opts.Region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, &S3UploaderError{Op: "create_aws_config", Err: err}
		}
		if opts.Credentials.AccessKeyID != "" {
			cfg.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
				opts.Credentials.AccessKeyID, opts.Credentials.SecretAccessKey, ""))
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if opts.EndpointURL != "" {
				o.BaseEndpoint = aws.String(opts.EndpointURL)
			}
			o.UsePathStyle = opts.ForcePathStyle
		})
	}
	return &S3Uploader{client: client, opts: opts}, nil
}

// Key returns the object key a file name is uploaded under.
func (u *S3Uploader) Key(name string) string {
	if u.opts.Prefix == "" {
		return name
	}
	return strings.TrimSuffix(u.opts.Prefix, "/") + "/" + name
}

// UploadFile uploads the local file at path under Key(name) and returns
// the number of bytes sent.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath, name string) (int64, error) {
	key := u.Key(name)
	start := time.Now()

	f, err := os.Open(localPath)
	if err != nil {
		return 0, &S3UploaderError{Op: "open", Key: key, Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, &S3UploaderError{Op: "stat", Key: key, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.opts.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if ct := contentType(key); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return 0, &S3UploaderError{Op: "put_object", Key: key, Err: err}
	}

	u.mu.Lock()
	u.stats.ObjectsUploaded++
	u.stats.BytesUploaded += info.Size()
	u.stats.UploadDuration += time.Since(start)
	u.stats.UploadedKeys = append(u.stats.UploadedKeys, key)
	u.mu.Unlock()
	return info.Size(), nil
}

// Stats returns upload statistics.
func (u *S3Uploader) Stats() S3UploaderStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	stats := u.stats
	stats.UploadedKeys = append([]string(nil), u.stats.UploadedKeys...)
	return stats
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".jsonl", ".ndjson":
		return "application/x-ndjson"
	case ".parquet":
		return "application/vnd.apache.parquet"
	}
	return mime.TypeByExtension(path.Ext(key))
}
