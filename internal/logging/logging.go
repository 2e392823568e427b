// Package logging provides structured logging for the SOCKS5 proxy.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// levelDisabled is set above any real slog level so every record is
// filtered out, implementing the CLI's "disabled" logging level.
const levelDisabled = slog.Level(1 << 10)

// levelCritical maps the CLI's "critical" level onto slog, one notch above
// Error since slog has no built-in critical level.
const levelCritical = slog.LevelError + 4

// NewLogger creates a new structured logger with the specified level and
// format. Supported levels: disabled, debug, info, warning, error,
// critical. Supported formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "disabled":
		return levelDisabled
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return levelCritical
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output, for tests and for
// components constructed without an explicit logger.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging across the proxy.
const (
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDestAddr   = "dest_addr"
	KeyDestName   = "dest_name"
	KeyAddress    = "address"
	KeyCommand    = "command"
	KeyUser       = "user"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyBytes      = "bytes"
)
