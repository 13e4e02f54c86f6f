// Package logger provides structured logging setup for the CCO daemon.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cco-dev/claude-code-orchestra/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a *slog.Logger from the given Logging config, writing JSON
// records to stdout with a "service" attribute on every record. When
// cfg.Async is true the handler writes via a buffered channel; the caller
// must call Closer.Close() on shutdown to flush remaining records.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return newLogger(cfg, os.Stdout)
}

// NewFile creates a *slog.Logger that writes JSON records to a rotating log
// file at path, using lumberjack to cap file size and retain a bounded
// number of rotated copies (see config.Logging.MaxSizeMB/MaxBackups/MaxAgeDays).
// Used for the per-port daemon log; the update engine's log is written by
// update.EventLogger through its own lumberjack writer.
func NewFile(cfg config.Logging, path string) (*slog.Logger, Closer) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   false,
	}
	return newLogger(cfg, rotator)
}

func newLogger(cfg config.Logging, w io.Writer) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	var closer Closer = nopCloser{}
	var h slog.Handler = handler
	if cfg.Async {
		async := NewAsyncHandler(handler, 10000, 4)
		h = async
		closer = async
	}

	return slog.New(h).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
