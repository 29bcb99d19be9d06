// Package log provides structured logging for the Vanadium secure-element
// VM. It wraps Go's log/slog with per-subsystem child loggers so the
// interpreter, page cache, and host bridge can be told apart in a trace.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with per-subsystem context.
type Logger struct {
	inner *slog.Logger
}

// defaultLogger is the process-wide logger used by the package-level
// convenience functions.
var defaultLogger *Logger

func init() {
	defaultLogger = New(slog.LevelInfo)
}

// New creates a Logger that writes JSON to stderr at the given level.
func New(level slog.Level) *Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{inner: slog.New(h)}
}

// NewWithFormat creates a Logger that writes to w at the given level,
// rendering each record through the named formatter ("text", "json", or
// "color"; see FormatterForName). This is what vanadium-se's -log-format
// flag selects between: JSON for a collector, text or color for a
// developer watching the emulator run interactively.
func NewWithFormat(level slog.Level, format string, w io.Writer) *Logger {
	h := NewFormatterHandler(w, level, FormatterForName(format))
	return &Logger{inner: slog.New(h)}
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler. This
// is useful for testing or for writing to a custom destination.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger with an additional "module" attribute. This
// is the primary way subsystems (cpu, memory, pagecache, hostio, session,
// ...) obtain their own contextual logger.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// Fatal logs at FATAL (one step above LevelError, see slogFatalLevel) and
// terminates the process. Used where a session cannot continue at all --
// e.g. the host oracle's combined Merkle root diverged mid-run and no
// further page fetch can be trusted.
func (l *Logger) Fatal(msg string, args ...any) {
	l.inner.Log(context.Background(), slogFatalLevel, msg, args...)
	os.Exit(1)
}

// ---------------------------------------------------------------------------
// Package-level convenience functions -- delegate to defaultLogger.
// ---------------------------------------------------------------------------

// Debug logs at LevelDebug using the default logger.
func Debug(msg string, args ...any) { defaultLogger.Debug(msg, args...) }

// Info logs at LevelInfo using the default logger.
func Info(msg string, args ...any) { defaultLogger.Info(msg, args...) }

// Warn logs at LevelWarn using the default logger.
func Warn(msg string, args ...any) { defaultLogger.Warn(msg, args...) }

// Error logs at LevelError using the default logger.
func Error(msg string, args ...any) { defaultLogger.Error(msg, args...) }

// Fatal logs at FATAL using the default logger and terminates the process.
func Fatal(msg string, args ...any) { defaultLogger.Fatal(msg, args...) }
