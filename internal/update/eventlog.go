package update

import (
	"log/slog"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// EventLogger appends start/download-ok/verify-ok/install-ok/error events
// to a rotating log file, 10 MB cap with 30-day retention (spec §4.B).
type EventLogger struct {
	logger *slog.Logger
	writer *lumberjack.Logger
}

// NewEventLogger opens (creating) the rotating update log at path.
func NewEventLogger(path string) *EventLogger {
	writer := &lumberjack.Logger{
		Filename: path,
		MaxSize:  10, // MB
		MaxAge:   30, // days
		Compress: false,
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &EventLogger{logger: slog.New(handler), writer: writer}
}

// Record appends one structured event line.
func (l *EventLogger) Record(event, detail string) {
	l.logger.Info("update event", "event", event, "detail", detail, "at", time.Now().UTC())
}

// Close flushes and closes the underlying rotating writer.
func (l *EventLogger) Close() error {
	return l.writer.Close()
}
