// Package observability configures structured logging and tracing for
// termbridge.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const redactedValue = "[REDACTED]"

type contextKey struct{}

// LogConfig holds the configuration for the server logger.
type LogConfig struct {
	Level  string
	Format string
	// LogFile, when set, receives a copy of every record.
	LogFile string
	// Stderr is the console sink; nil disables it.
	Stderr io.Writer
	// InteractiveTTY switches the default format to text.
	InteractiveTTY bool
	Version        string
}

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from ctx, falling back to slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// NewLogger creates a structured logger writing to Stderr and, when set,
// LogFile. The returned cleanup closes the log file.
func NewLogger(cfg *LogConfig) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch format {
	case "":
		format = "json"
		if cfg.InteractiveTTY {
			format = "text"
		}
	case "json", "text":
	default:
		return nil, nil, fmt.Errorf("invalid log format: %q (allowed: json, text)", cfg.Format)
	}

	var writers []io.Writer
	if cfg.Stderr != nil {
		writers = append(writers, cfg.Stderr)
	}
	cleanup := func() error { return nil }
	if path := strings.TrimSpace(cfg.LogFile); path != "" {
		f, err := openLogFile(path)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, f)
		cleanup = f.Close
	}
	if len(writers) == 0 {
		return nil, nil, fmt.Errorf("no log sinks configured: set --log-file or enable stderr")
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}
	var handler slog.Handler = slog.NewJSONHandler(out, opts)
	if format == "text" {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler).With(slog.String("service.version", cfg.Version)), cleanup, nil
}

func openLogFile(path string) (*os.File, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("create log file directory: %w", err)
	}

	file, err := os.OpenFile(cleanPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Leveler, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return nil, fmt.Errorf("invalid log level: %q (allowed: error, warn, info, debug)", level)
	}
}

func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if isSensitiveKey(strings.ToLower(attr.Key)) {
		return slog.String(attr.Key, redactedValue)
	}
	return attr
}

func isSensitiveKey(key string) bool {
	if key == "authorization" {
		return true
	}
	for _, pattern := range []string{"token", "api_key", "apikey", "secret", "credential", "password"} {
		if strings.Contains(key, pattern) {
			return true
		}
	}
	return false
}
