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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/aaronlmathis/dwflow/core"
	"github.com/aaronlmathis/dwflow/readers"
)

type s3ExtractParams struct {
	Connection string `yaml:"connection"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	Suffix     string `yaml:"suffix"`
	// FilePattern is a regular expression on the object base name; {date}
	// is replaced first.
	FilePattern  string `yaml:"file_pattern"`
	Recursive    *bool  `yaml:"recursive"`
	Select       string `yaml:"select"` // newest or all
	OutputFolder string `yaml:"output_folder"`
	RequireMatch bool   `yaml:"require_match"`
}

const (
	selectNewest = "newest"
	selectAll    = "all"
)

func (p *s3ExtractParams) withDefaults() {
	if p.Select == "" {
		p.Select = selectNewest
	}
	if p.Recursive == nil {
		recursive := true
		p.Recursive = &recursive
	}
}

func (p *s3ExtractParams) validate() error {
	var errs []error
	if p.Connection == "" {
		errs = append(errs, errors.New("connection is required"))
	}
	if p.OutputFolder == "" {
		errs = append(errs, errors.New("output_folder is required"))
	}
	if p.Select != selectNewest && p.Select != selectAll {
		errs = append(errs, fmt.Errorf("select must be newest or all, got %q", p.Select))
	}
	if p.FilePattern != "" {
		if _, err := regexp.Compile(expandDate(p.FilePattern, time.Time{})); err != nil {
			errs = append(errs, fmt.Errorf("file_pattern: %w", err))
		}
	}
	return errors.Join(errs...)
}

// s3Extract downloads matching objects into the output folder, newest
// first.
type s3Extract struct {
	env    *Env
	params s3ExtractParams
}

func newS3Extract(env *Env, params map[string]interface{}) (core.JobBody, error) {
	var p s3ExtractParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &s3Extract{env: env, params: p}, nil
}

func (j *s3Extract) Execute(ctx context.Context, jc *core.JobContext) (int64, error) {
	if err := requireEnv(j.env); err != nil {
		return 0, err
	}
	p := j.params

	opts, err := j.env.S3Options(p.Connection)
	if err != nil {
		return 0, err
	}
	if p.Bucket != "" {
		opts = append(opts, readers.WithS3Bucket(p.Bucket))
	}
	opts = append(opts,
		readers.WithS3Prefix(p.Prefix),
		readers.WithS3Suffix(p.Suffix),
		readers.WithS3Recursive(*p.Recursive),
		readers.WithS3SortOrder(readers.SortNewestFirst),
	)
	if p.FilePattern != "" {
		opts = append(opts, readers.WithS3FilePattern(expandDate(p.FilePattern, jc.Now())))
	}

	reader, err := readers.NewS3Reader(ctx, opts...)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	objects, err := reader.Objects(ctx)
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		if p.RequireMatch {
			return 0, fmt.Errorf("no object under %q matches", p.Prefix)
		}
		jc.Logger.Warn("no object to download", "prefix", p.Prefix, "pattern", p.FilePattern)
		return 0, nil
	}
	if p.Select == selectNewest {
		objects = objects[:1]
	}

	if err := os.MkdirAll(p.OutputFolder, 0o755); err != nil {
		return 0, err
	}

	var downloaded int64
	for _, obj := range objects {
		path := filepath.Join(p.OutputFolder, obj.Name())
		start := time.Now()
		size, err := j.download(ctx, reader, obj.Key, path)
		elapsed := time.Since(start)
		if err != nil {
			discardFile(path)
			jc.RecordFile(ctx, path, 0, size, core.FileFailed, elapsed)
			return downloaded, err
		}

		status := core.FileSuccess
		if size == 0 {
			status = core.FileEmpty
		}
		jc.RecordFile(ctx, path, 0, size, status, elapsed)
		jc.Logger.Info("object downloaded", "key", obj.Key, "file", path, "bytes", size, "elapsed", elapsed)
		downloaded++
	}
	return downloaded, nil
}

func (j *s3Extract) download(ctx context.Context, reader *readers.S3Reader, key, path string) (int64, error) {
	f, err := os.Create(partPath(path))
	if err != nil {
		return 0, err
	}
	n, err := reader.Download(ctx, key, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	if _, err := commitFile(path); err != nil {
		return n, err
	}
	return n, nil
}
