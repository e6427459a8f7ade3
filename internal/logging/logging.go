// Package logging provides the structured, leveled logger used across
// the bridge: a thin wrapper over log/slog with a JSON handler and a
// fixed set of bound attributes, mirroring the shape of the teacher's
// internal/events.EventLogger (base run/worker attributes bound once via
// slog.Logger.With, then event-specific attributes per call site).
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps *slog.Logger so call sites log domain events instead of
// building slog.Attr slices inline, and so a sink can be swapped for
// tests without touching callers.
type Logger struct {
	slog *slog.Logger
}

// New builds a Logger emitting JSON lines to w at the given level.
func New(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{slog: slog.New(handler)}
}

// Default builds the process-wide logger: JSON to stderr at Info level,
// matching the teacher's default handler target.
func Default() *Logger {
	return New(os.Stderr, slog.LevelInfo)
}

// Noop discards everything; used where a caller has no logger injected.
func Noop() *Logger {
	return New(io.Discard, slog.LevelError+1)
}

// With returns a Logger with additional attributes bound to every
// subsequent call, e.g. logger.With("worker_id", id).
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.slog.Error(msg, args...) }

// WithContext threads request-scoped attributes (e.g. correlation id)
// pulled from ctx, mirroring handlers that attach a request id to ctx
// upstream of the facade.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if v := ctx.Value(correlationIDKey{}); v != nil {
		if id, ok := v.(string); ok {
			return l.With("correlation_id", id)
		}
	}
	return l
}

type correlationIDKey struct{}

// ContextWithCorrelationID attaches id so a later WithContext call picks
// it up without threading it through every intermediate function.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}
