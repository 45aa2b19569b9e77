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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aaronlmathis/dwflow/core"
)

// HTTPReaderError provides structured error information for HTTP reader operations
type HTTPReaderError struct {
	Op         string // request, status_check, parse, rate_limit
	StatusCode int
	URL        string
	Err        error
}

func (e *HTTPReaderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("http reader %s [%d] %s: %v", e.Op, e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("http reader %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *HTTPReaderError) Unwrap() error {
	return e.Err
}

// HTTPReaderStats holds statistics about the HTTP reader's performance
type HTTPReaderStats struct {
	RequestCount  int64
	PagesRead     int64
	RecordsRead   int64
	BytesRead     int64
	RetryCount    int64
	RateLimitHits int64
	ReadDuration  time.Duration
	LastReadTime  time.Time
}

// AuthConfig defines authentication configuration
type AuthConfig struct {
	Type       string // bearer, basic, apikey
	Token      string
	Username   string
	Password   string
	HeaderName string
	QueryParam string
}

// Pagination types.
const (
	PaginateNone   = "none"
	PaginateOffset = "offset"
	PaginatePage   = "page"
	PaginateCursor = "cursor"
)

// PaginationConfig defines pagination behavior. Fetching stops at an empty
// page, a page shorter than PageSize, a missing cursor or MaxPages.
type PaginationConfig struct {
	Type        string
	LimitParam  string
	OffsetParam string
	PageParam   string
	CursorParam string
	CursorField string // dotted path to the next cursor in the response
	PageSize    int
	MaxPages    int // 0 = unlimited
	// FirstPage is the number of the first page for page pagination.
	FirstPage int
}

// HTTPReaderOptions configures the HTTP reader
type HTTPReaderOptions struct {
	Method          string
	Headers         map[string]string
	QueryParams     map[string]string
	Auth            *AuthConfig
	Pagination      *PaginationConfig
	Timeout         time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	RequestsPerSec  float64 // 0 = no limit
	ResponseFormat  string  // json or jsonl
	DataPath        string  // dotted path to the record array
	MaxResponseSize int64
	UserAgent       string
	Client          *http.Client
}

// ReaderOptionHTTP is a functional option for HTTPReaderOptions
type ReaderOptionHTTP func(*HTTPReaderOptions)

func WithHTTPMethod(method string) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.Method = method }
}

func WithHTTPHeaders(headers map[string]string) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) {
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

func WithHTTPQueryParams(params map[string]string) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) {
		for k, v := range params {
			opts.QueryParams[k] = v
		}
	}
}

func WithHTTPAuth(auth *AuthConfig) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.Auth = auth }
}

func WithHTTPBearerToken(token string) ReaderOptionHTTP {
	return WithHTTPAuth(&AuthConfig{Type: "bearer", Token: token})
}

func WithHTTPPagination(pagination *PaginationConfig) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.Pagination = pagination }
}

func WithHTTPTimeout(timeout time.Duration) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.Timeout = timeout }
}

func WithHTTPRetries(attempts int, delay time.Duration) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) {
		opts.RetryAttempts = attempts
		opts.RetryDelay = delay
	}
}

// WithHTTPRateLimit caps the request rate. Zero disables the limiter.
func WithHTTPRateLimit(requestsPerSec float64) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.RequestsPerSec = requestsPerSec }
}

func WithHTTPResponseFormat(format string) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.ResponseFormat = format }
}

func WithHTTPDataPath(path string) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.DataPath = path }
}

func WithHTTPUserAgent(userAgent string) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.UserAgent = userAgent }
}

func WithHTTPClient(client *http.Client) ReaderOptionHTTP {
	return func(opts *HTTPReaderOptions) { opts.Client = client }
}

// HTTPReader implements core.DataSource for paginated JSON APIs.
type HTTPReader struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	opts     *HTTPReaderOptions
	stats    HTTPReaderStats
	current  []core.Record
	index    int
	page     int
	cursor   string
	hasMore  bool
	lastPage int
}

// NewHTTPReader creates a new HTTP API reader with configurable options
func NewHTTPReader(rawURL string, options ...ReaderOptionHTTP) (*HTTPReader, error) {
	opts := &HTTPReaderOptions{
		Method:          http.MethodGet,
		Headers:         make(map[string]string),
		QueryParams:     make(map[string]string),
		Timeout:         30 * time.Second,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		ResponseFormat:  "json",
		MaxResponseSize: 100 * 1024 * 1024,
		UserAgent:       "DWFlow-HTTPReader/1.0",
	}
	for _, option := range options {
		option(opts)
	}

	if rawURL == "" {
		return nil, &HTTPReaderError{Op: "create", Err: errors.New("url is required")}
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, &HTTPReaderError{Op: "create", URL: rawURL, Err: err}
	}
	if opts.ResponseFormat != "json" && opts.ResponseFormat != "jsonl" {
		return nil, &HTTPReaderError{Op: "create", URL: rawURL, Err: fmt.Errorf("unsupported response format: %s", opts.ResponseFormat)}
	}
	if pg := opts.Pagination; pg != nil {
		switch pg.Type {
		case PaginateNone, PaginateOffset, PaginatePage, PaginateCursor:
		default:
			return nil, &HTTPReaderError{Op: "create", URL: rawURL, Err: fmt.Errorf("unsupported pagination type: %s", pg.Type)}
		}
		if pg.Type != PaginateNone && pg.Type != PaginateCursor && pg.PageSize <= 0 {
			return nil, &HTTPReaderError{Op: "create", URL: rawURL, Err: errors.New("pagination page size must be positive")}
		}
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	reader := &HTTPReader{
		baseURL: rawURL,
		client:  client,
		opts:    opts,
		hasMore: true,
	}
	if opts.RequestsPerSec > 0 {
		reader.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	if opts.Pagination != nil && opts.Pagination.Type == PaginatePage {
		reader.page = opts.Pagination.FirstPage
	}
	return reader, nil
}

// Read implements the core.DataSource interface
func (hr *HTTPReader) Read(ctx context.Context) (core.Record, error) {
	start := time.Now()
	defer func() {
		hr.stats.ReadDuration += time.Since(start)
		hr.stats.LastReadTime = time.Now()
	}()

	for hr.index >= len(hr.current) {
		if !hr.hasMore {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, &HTTPReaderError{Op: "read", URL: hr.baseURL, Err: err}
		}
		if err := hr.loadNextPage(ctx); err != nil {
			return nil, err
		}
	}

	record := hr.current[hr.index]
	hr.index++
	hr.stats.RecordsRead++
	return record, nil
}

// Close implements the core.DataSource interface
func (hr *HTTPReader) Close() error {
	hr.client.CloseIdleConnections()
	return nil
}

// Stats returns HTTP reader performance statistics
func (hr *HTTPReader) Stats() HTTPReaderStats {
	return hr.stats
}

func (hr *HTTPReader) loadNextPage(ctx context.Context) error {
	requestURL, err := hr.requestURL()
	if err != nil {
		return &HTTPReaderError{Op: "build_url", URL: hr.baseURL, Err: err}
	}

	data, err := hr.executeRequestWithRetry(ctx, requestURL)
	if err != nil {
		return err
	}

	records, response, err := hr.parseResponse(data)
	if err != nil {
		return &HTTPReaderError{Op: "parse", URL: requestURL, Err: err}
	}

	hr.stats.PagesRead++
	hr.current = records
	hr.index = 0
	hr.advance(response, len(records))
	return nil
}

// requestURL merges the configured query params and the pagination state
// into the base URL.
func (hr *HTTPReader) requestURL() (string, error) {
	u, err := url.Parse(hr.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range hr.opts.QueryParams {
		q.Set(k, v)
	}

	if pg := hr.opts.Pagination; pg != nil {
		if pg.LimitParam != "" && pg.PageSize > 0 {
			q.Set(pg.LimitParam, strconv.Itoa(pg.PageSize))
		}
		switch pg.Type {
		case PaginateOffset:
			if pg.OffsetParam != "" {
				q.Set(pg.OffsetParam, strconv.Itoa(int(hr.stats.PagesRead)*pg.PageSize))
			}
		case PaginatePage:
			if pg.PageParam != "" {
				q.Set(pg.PageParam, strconv.Itoa(hr.page))
			}
		case PaginateCursor:
			if pg.CursorParam != "" && hr.cursor != "" {
				q.Set(pg.CursorParam, hr.cursor)
			}
		}
	}

	if hr.opts.Auth != nil && hr.opts.Auth.Type == "apikey" && hr.opts.Auth.QueryParam != "" {
		q.Set(hr.opts.Auth.QueryParam, hr.opts.Auth.Token)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// advance updates the pagination state after a page of n records.
func (hr *HTTPReader) advance(response interface{}, n int) {
	pg := hr.opts.Pagination
	if pg == nil || pg.Type == PaginateNone {
		hr.hasMore = false
		return
	}
	if pg.MaxPages > 0 && int(hr.stats.PagesRead) >= pg.MaxPages {
		hr.hasMore = false
		return
	}
	if n == 0 {
		hr.hasMore = false
		return
	}

	switch pg.Type {
	case PaginateOffset, PaginatePage:
		hr.page++
		hr.hasMore = n >= pg.PageSize
	case PaginateCursor:
		next, err := extractPath(response, pg.CursorField)
		cursor, ok := next.(string)
		if err != nil || !ok || cursor == "" || cursor == hr.cursor {
			hr.hasMore = false
			return
		}
		hr.cursor = cursor
	}
}

// executeRequestWithRetry retries rate limited (429) and server (5xx)
// responses with exponential backoff.
func (hr *HTTPReader) executeRequestWithRetry(ctx context.Context, requestURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= hr.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := hr.opts.RetryDelay * time.Duration(1<<uint(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, &HTTPReaderError{Op: "retry", URL: requestURL, Err: ctx.Err()}
			}
			hr.stats.RetryCount++
		}

		if hr.limiter != nil {
			if err := hr.limiter.Wait(ctx); err != nil {
				return nil, &HTTPReaderError{Op: "rate_limit", URL: requestURL, Err: err}
			}
		}

		data, err := hr.executeRequest(ctx, requestURL)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var httpErr *HTTPReaderError
		if !errors.As(err, &httpErr) {
			break
		}
		if httpErr.StatusCode == http.StatusTooManyRequests {
			hr.stats.RateLimitHits++
			continue
		}
		if httpErr.StatusCode >= 500 {
			continue
		}
		if httpErr.StatusCode == 0 && httpErr.Op == "request" && ctx.Err() == nil {
			continue
		}
		break
	}

	return nil, lastErr
}

func (hr *HTTPReader) executeRequest(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, hr.opts.Method, requestURL, nil)
	if err != nil {
		return nil, &HTTPReaderError{Op: "create_request", URL: requestURL, Err: err}
	}

	req.Header.Set("User-Agent", hr.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range hr.opts.Headers {
		req.Header.Set(k, v)
	}
	if err := hr.addAuthentication(req); err != nil {
		return nil, &HTTPReaderError{Op: "auth", URL: requestURL, Err: err}
	}

	hr.stats.RequestCount++
	resp, err := hr.client.Do(req)
	if err != nil {
		return nil, &HTTPReaderError{Op: "request", URL: requestURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPReaderError{
			Op:         "status_check",
			URL:        requestURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, hr.opts.MaxResponseSize))
	if err != nil {
		return nil, &HTTPReaderError{Op: "read_response", URL: requestURL, Err: err}
	}
	hr.stats.BytesRead += int64(len(data))
	return data, nil
}

func (hr *HTTPReader) addAuthentication(req *http.Request) error {
	auth := hr.opts.Auth
	if auth == nil {
		return nil
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "apikey":
		if auth.HeaderName != "" {
			req.Header.Set(auth.HeaderName, auth.Token)
		}
	default:
		return fmt.Errorf("unsupported auth type: %s", auth.Type)
	}
	return nil
}

// parseResponse returns the records of a page and, for JSON responses, the
// decoded document for cursor lookup. Numbers are kept as json.Number.
func (hr *HTTPReader) parseResponse(data []byte) ([]core.Record, interface{}, error) {
	if hr.opts.ResponseFormat == "jsonl" {
		records, err := parseJSONLines(data)
		return records, nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var response interface{}
	if err := dec.Decode(&response); err != nil {
		return nil, nil, fmt.Errorf("json unmarshal failed: %w", err)
	}

	payload, err := extractPath(response, hr.opts.DataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("data path extraction failed: %w", err)
	}
	records, err := convertToRecords(payload)
	return records, response, err
}

func parseJSONLines(data []byte) ([]core.Record, error) {
	var records []core.Record
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		var record core.Record
		if err := dec.Decode(&record); err != nil {
			return nil, fmt.Errorf("jsonl parse error: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// extractPath walks a dotted path through nested objects. An empty path
// returns data unchanged.
func extractPath(data interface{}, path string) (interface{}, error) {
	current := data
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot traverse path %s: expected object", part)
		}
		if current, ok = obj[part]; !ok {
			return nil, fmt.Errorf("path element %s not found", part)
		}
	}
	return current, nil
}

func convertToRecords(data interface{}) ([]core.Record, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		records := make([]core.Record, 0, len(v))
		for _, item := range v {
			if record, ok := item.(map[string]interface{}); ok {
				records = append(records, core.Record(record))
			}
		}
		return records, nil
	case map[string]interface{}:
		return []core.Record{core.Record(v)}, nil
	default:
		return nil, fmt.Errorf("unexpected response format: %T", data)
	}
}

// LookupPath returns the value at a dotted path inside a record, such as
// "params.size". Missing elements yield nil.
func LookupPath(record core.Record, path string) interface{} {
	v, err := extractPath(map[string]interface{}(record), path)
	if err != nil {
		return nil
	}
	return v
}
