// Package logger provides structured logging on top of slog with hostname
// tagging and basename-only source locations, shared by every relay component.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Fields represents structured log fields.
type Fields map[string]any

var (
	defaultLogger *slog.Logger
	hostname      string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	defaultLogger = New(os.Stderr)
}

// New creates a logger writing to w with the relay's standard handler options.
func New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts)).With("host", hostname)
}

// SetDefault replaces the package-level logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

// Default returns the package-level logger.
func Default() *slog.Logger {
	return defaultLogger
}

// Info logs an info message with optional fields.
func Info(msg string, fields Fields) {
	defaultLogger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs(fields)...)
}

// Warn logs a warning message with optional fields.
func Warn(msg string, fields Fields) {
	defaultLogger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs(fields)...)
}

// Error logs an error message; err is attached as an "error" field.
func Error(msg string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	defaultLogger.LogAttrs(context.Background(), slog.LevelError, msg, attrs(fields)...)
}

// Debug logs a debug message with optional fields.
func Debug(msg string, fields Fields) {
	defaultLogger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs(fields)...)
}

func attrs(fields Fields) []slog.Attr {
	if fields == nil {
		return nil
	}
	out := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		out = append(out, slog.Any(k, v))
	}
	return out
}
