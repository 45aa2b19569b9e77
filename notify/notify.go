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

// Package notify delivers human-readable job reports. Every Notifier in
// this package is best effort: delivery failures are logged and never
// returned to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aaronlmathis/dwflow/core"
)

// LogNotifier writes notifications to a structured logger. It is used when
// email delivery is disabled.
type LogNotifier struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogNotifier returns a LogNotifier logging at WARN.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger, Level: slog.LevelWarn}
}

// Notify implements core.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, subject, message string) {
	n.Logger.Log(ctx, n.Level, "notification", "subject", subject, "message", message)
}

// Multi fans a notification out to every notifier.
type Multi []core.Notifier

// Notify implements core.Notifier.
func (m Multi) Notify(ctx context.Context, subject, message string) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, subject, message)
		}
	}
}

// Nop discards notifications.
type Nop struct{}

// Notify implements core.Notifier.
func (Nop) Notify(context.Context, string, string) {}

// Message is a recorded notification.
type Message struct {
	Subject string
	Body    string
}

// Recorder keeps notifications in memory. The CLI uses it to print what
// would have been sent in dry runs; tests use it to assert on delivery.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Notify implements core.Notifier.
func (r *Recorder) Notify(_ context.Context, subject, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Body: message})
}

// Messages returns a copy of the recorded notifications.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Count returns how many notifications were recorded.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Safe shields a caller from a notifier that panics.
func Safe(n core.Notifier, logger *slog.Logger) core.Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return core.NotifierFunc(func(ctx context.Context, subject, message string) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("notifier panicked", "subject", subject, "panic", r)
			}
		}()
		n.Notify(ctx, subject, message)
	})
}
