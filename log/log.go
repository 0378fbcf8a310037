// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package log provides the structured logger shared by the throttle
// packages. It is a thin wrapper over log/slog emitting JSON records,
// with named sub-loggers and automatic trace/span id propagation when
// the calling context carries a recording OpenTelemetry span.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger is a structured logger. The zero value is not usable;
	// construct one with NewLogger.
	Logger struct {
		logger     *slog.Logger
		output     io.Writer
		path       string
		level      *slog.LevelVar
		attributes []Attr
	}

	// Option configures a Logger during initialization.
	Option func(l *Logger)

	// Level filters log records by severity.
	Level = slog.Level

	// Attr is a key-value pair attached to log records.
	Attr = slog.Attr
)

var (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// WithLevel sets the minimum severity emitted by the Logger.
func WithLevel(level slog.Level) Option {
	return func(l *Logger) {
		l.level.Set(level)
	}
}

// WithOutput directs log records to w instead of stderr.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) {
		l.output = w
	}
}

// WithName assigns a dotted path name identifying the logging source.
func WithName(name string) Option {
	return func(l *Logger) {
		l.path = name
	}
}

// WithAttributes attaches default attributes to every record.
func WithAttributes(attrs ...Attr) Option {
	return func(l *Logger) {
		l.attributes = attrs
	}
}

// Any creates an attribute holding any value.
func Any(k string, v any) Attr {
	return slog.Any(k, v)
}

// Bool creates a boolean attribute.
func Bool(k string, v bool) Attr {
	return slog.Bool(k, v)
}

// Duration creates a duration attribute.
func Duration(k string, v time.Duration) Attr {
	return slog.Duration(k, v)
}

// Int creates an integer attribute.
func Int(k string, v int) Attr {
	return slog.Int(k, v)
}

// Int64 creates an int64 attribute.
func Int64(k string, v int64) Attr {
	return slog.Int64(k, v)
}

// String creates a string attribute.
func String(k, v string) Attr {
	return slog.String(k, v)
}

// Time creates a time attribute.
func Time(k string, v time.Time) Attr {
	return slog.Time(k, v)
}

// Error creates a string attribute under the "error" key.
func Error(err error) Attr {
	return String("error", err.Error())
}

// NewLogger builds a Logger writing JSON records to stderr unless
// configured otherwise.
func NewLogger(options ...Option) *Logger {
	l := &Logger{
		output: os.Stderr,
		level:  new(slog.LevelVar),
	}

	for _, option := range options {
		option(l)
	}

	handler := slog.NewJSONHandler(
		l.output,
		&slog.HandlerOptions{
			Level: l.level,
		},
	).WithAttrs(l.attributes)

	l.logger = slog.New(handler)

	return l
}

// With returns a Logger carrying additional default attributes while
// keeping the receiver's name, output, and level.
func (l *Logger) With(attrs ...Attr) *Logger {
	return NewLogger(
		WithName(l.path),
		WithOutput(l.output),
		WithLevel(l.level.Level()),
		WithAttributes(
			append(l.attributes, attrs...)...,
		),
	)
}

// Named returns a Logger whose name is the receiver's path extended
// with the given segment. Output, level, and default attributes are
// inherited unless overridden by options.
func (l *Logger) Named(name string, options ...Option) *Logger {
	newPath := l.path
	if newPath != "" {
		newPath += "."
	}
	newPath += name

	inherited := []Option{
		WithOutput(l.output),
		WithLevel(l.level.Level()),
		WithAttributes(l.attributes...),
	}

	options = append(inherited, options...)
	options = append(options, WithName(newPath))

	return NewLogger(options...)
}

// Log emits a record at the given level. When ctx carries a recording
// span, the trace and span ids are appended as attributes.
func (l *Logger) Log(ctx context.Context, level Level, msg string, args ...Attr) {
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		spanCtx := span.SpanContext()

		args = append(
			args,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	l.logger.LogAttrs(ctx, level, msg, append(l.attributes, args...)...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...Attr) {
	l.Log(context.Background(), LevelDebug, msg, args...)
}

// DebugCtx logs a debug message with tracing from ctx.
func (l *Logger) DebugCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelDebug, msg, args...)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...Attr) {
	l.Log(context.Background(), LevelInfo, msg, args...)
}

// InfoCtx logs an informational message with tracing from ctx.
func (l *Logger) InfoCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...Attr) {
	l.Log(context.Background(), LevelWarn, msg, args...)
}

// WarnCtx logs a warning message with tracing from ctx.
func (l *Logger) WarnCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...Attr) {
	l.Log(context.Background(), LevelError, msg, args...)
}

// ErrorCtx logs an error message with tracing from ctx.
func (l *Logger) ErrorCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelError, msg, args...)
}
