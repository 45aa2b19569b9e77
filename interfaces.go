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

package dwflow

import "github.com/aaronlmathis/dwflow/core"

// Record and the streaming interfaces live in core so that readers,
// writers and job bodies share one definition. They are re-exported here
// for callers that only build pipelines.
type (
	Record           = core.Record
	DataSource       = core.DataSource
	DataSink         = core.DataSink
	Transformer      = core.Transformer
	TransformFunc    = core.TransformFunc
	Filter           = core.Filter
	FilterFunc       = core.FilterFunc
	ErrorStrategy    = core.ErrorStrategy
	ErrorHandler     = core.ErrorHandler
	ErrorHandlerFunc = core.ErrorHandlerFunc
)

const (
	FailFast      = core.FailFast
	SkipErrors    = core.SkipErrors
	CollectErrors = core.CollectErrors
)
