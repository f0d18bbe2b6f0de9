// Package logging provides the printf-style Logger interface used
// throughout the engine: component-tagged loggers, OrNop/IsNil nil-safety
// helpers, backed by log/slog.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
)

// Logger is the printf-style logging interface every component depends on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	With(fields ...any) Logger
}

type slogLogger struct {
	base *slog.Logger
}

var root *slog.Logger

func init() {
	format := os.Getenv("OVERSEER_LOG_FORMAT")
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	root = slog.New(handler)
}

// NewComponentLogger returns a Logger that tags every line with component.
func NewComponentLogger(component string) Logger {
	return &slogLogger{base: root.With(slog.String("component", component))}
}

func (l *slogLogger) Debug(format string, args ...any) { l.log(context.Background(), slog.LevelDebug, format, args) }
func (l *slogLogger) Info(format string, args ...any)  { l.log(context.Background(), slog.LevelInfo, format, args) }
func (l *slogLogger) Warn(format string, args ...any)  { l.log(context.Background(), slog.LevelWarn, format, args) }
func (l *slogLogger) Error(format string, args ...any) { l.log(context.Background(), slog.LevelError, format, args) }

func (l *slogLogger) With(fields ...any) Logger {
	return &slogLogger{base: l.base.With(fields...)}
}

func (l *slogLogger) log(ctx context.Context, level slog.Level, format string, args []any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.base.Log(ctx, level, msg)
}

// nopLogger discards everything; returned by OrNop for a nil Logger.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (n nopLogger) With(...any) Logger { return n }

// OrNop returns l, or a no-op Logger if l is nil (including a typed nil
// pointer stored in the interface).
func OrNop(l Logger) Logger {
	if IsNil(l) {
		return nopLogger{}
	}
	return l
}

// IsNil reports whether l is nil, including the case of a non-nil interface
// wrapping a typed nil pointer.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}
