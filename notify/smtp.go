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

package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPError wraps SMTP delivery failures with the failing step.
type SMTPError struct {
	Op  string
	Err error
}

func (e *SMTPError) Error() string {
	return fmt.Sprintf("smtp %s: %v", e.Op, e.Err)
}

func (e *SMTPError) Unwrap() error {
	return e.Err
}

// SMTPOptions configures the SMTP notifier.
type SMTPOptions struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Sender    string
	Receivers []string
	StartTLS  bool
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// SMTPOption configures SMTPOptions.
type SMTPOption func(*SMTPOptions)

// WithSMTPServer sets the server address.
func WithSMTPServer(host string, port int) SMTPOption {
	return func(o *SMTPOptions) {
		o.Host = host
		o.Port = port
	}
}

// WithSMTPAuth sets PLAIN auth credentials.
func WithSMTPAuth(username, password string) SMTPOption {
	return func(o *SMTPOptions) {
		o.Username = username
		o.Password = password
	}
}

// WithSMTPEnvelope sets the sender and receivers.
func WithSMTPEnvelope(sender string, receivers ...string) SMTPOption {
	return func(o *SMTPOptions) {
		o.Sender = sender
		o.Receivers = append([]string(nil), receivers...)
	}
}

// WithSMTPStartTLS enables or disables STARTTLS.
func WithSMTPStartTLS(enabled bool) SMTPOption {
	return func(o *SMTPOptions) { o.StartTLS = enabled }
}

// WithSMTPTimeout bounds dialing and the whole SMTP conversation.
func WithSMTPTimeout(d time.Duration) SMTPOption {
	return func(o *SMTPOptions) { o.Timeout = d }
}

func (o *SMTPOptions) withDefaults() *SMTPOptions {
	if o.Port == 0 {
		o.Port = 587
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

func validateSMTPOptions(o *SMTPOptions) error {
	if o.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if o.Sender == "" {
		return fmt.Errorf("sender is required")
	}
	if len(o.Receivers) == 0 {
		return fmt.Errorf("at least one receiver is required")
	}
	return nil
}

// Deliverer sends a prepared message. It is swapped in tests.
type Deliverer func(ctx context.Context, opts *SMTPOptions, msg []byte) error

// SMTPNotifier emails notifications.
type SMTPNotifier struct {
	opts    *SMTPOptions
	logger  *slog.Logger
	deliver Deliverer
	now     func() time.Time
}

// NewSMTPNotifier validates the options and returns a notifier.
func NewSMTPNotifier(logger *slog.Logger, options ...SMTPOption) (*SMTPNotifier, error) {
	opts := (&SMTPOptions{StartTLS: true}).withDefaults()
	for _, opt := range options {
		opt(opts)
	}
	if err := validateSMTPOptions(opts); err != nil {
		return nil, &SMTPError{Op: "validate", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPNotifier{opts: opts, logger: logger, deliver: deliverSMTP, now: time.Now}, nil
}

// WithDeliverer replaces the transport.
func (n *SMTPNotifier) WithDeliverer(d Deliverer) *SMTPNotifier {
	n.deliver = d
	return n
}

// Notify implements core.Notifier.
func (n *SMTPNotifier) Notify(ctx context.Context, subject, message string) {
	msg, err := n.compose(subject, message)
	if err != nil {
		n.logger.Error("compose notification failed", "subject", subject, "error", err)
		return
	}
	if err := n.deliver(ctx, n.opts, msg); err != nil {
		n.logger.Error("send notification failed",
			"subject", subject,
			"smtp_host", n.opts.Host,
			"error", err)
		return
	}
	n.logger.Info("notification sent", "subject", subject, "receivers", len(n.opts.Receivers))
}

func (n *SMTPNotifier) compose(subject, body string) ([]byte, error) {
	var buf bytes.Buffer
	headers := []struct{ k, v string }{
		{"From", n.opts.Sender},
		{"To", strings.Join(n.opts.Receivers, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"Date", n.now().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/plain; charset="utf-8"`},
		{"Content-Transfer-Encoding", "quoted-printable"},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.k, h.v)
	}
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(strings.ReplaceAll(body, "\n", "\r\n"))); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deliverSMTP(ctx context.Context, o *SMTPOptions, msg []byte) error {
	addr := net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
	dialer := &net.Dialer{Timeout: o.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &SMTPError{Op: "dial", Err: err}
	}
	_ = conn.SetDeadline(time.Now().Add(o.Timeout))

	client, err := smtp.NewClient(conn, o.Host)
	if err != nil {
		_ = conn.Close()
		return &SMTPError{Op: "hello", Err: err}
	}
	defer func() { _ = client.Close() }()

	if o.StartTLS {
		cfg := o.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: o.Host, MinVersion: tls.VersionTLS12}
		}
		if err := client.StartTLS(cfg); err != nil {
			return &SMTPError{Op: "starttls", Err: err}
		}
	}
	if o.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", o.Username, o.Password, o.Host)); err != nil {
			return &SMTPError{Op: "auth", Err: err}
		}
	}
	if err := client.Mail(o.Sender); err != nil {
		return &SMTPError{Op: "mail", Err: err}
	}
	for _, rcpt := range o.Receivers {
		if err := client.Rcpt(rcpt); err != nil {
			return &SMTPError{Op: "rcpt", Err: err}
		}
	}
	w, err := client.Data()
	if err != nil {
		return &SMTPError{Op: "data", Err: err}
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return &SMTPError{Op: "write", Err: err}
	}
	if err := w.Close(); err != nil {
		return &SMTPError{Op: "data_close", Err: err}
	}
	return client.Quit()
}
