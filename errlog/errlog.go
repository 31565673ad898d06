// Package errlog writes one line per attempt failure to a dedicated log
// file, distinguishing transient key cooldowns (with their retry-after
// duration) from permanent suspensions and task-level failures.
package errlog

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rotogen/rotogen/dispatch"
)

// Logger appends failure events to a file. Safe for concurrent use; the
// underlying slog handler serializes writes.
type Logger struct {
	file   *os.File
	logger *slog.Logger
}

// Open creates or appends to the failure log at path.
func Open(path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log %s: %w", path, err)
	}
	handler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelWarn})
	return &Logger{file: file, logger: slog.New(handler)}, nil
}

// RecordFailure implements dispatch.FailureRecorder.
func (l *Logger) RecordFailure(
	slot int,
	key string,
	kind dispatch.ErrorKind,
	permanent bool,
	retryAfter time.Duration,
	cause error,
) {
	attrs := []any{
		"slot", slot,
		"key", dispatch.KeyFingerprint(key),
		"kind", kind.String(),
		"cause", cause.Error(),
	}
	switch {
	case kind == dispatch.ErrorKindKey && permanent:
		l.logger.Error("key permanently suspended", attrs...)
	case kind == dispatch.ErrorKindKey:
		if retryAfter > 0 {
			attrs = append(attrs, "retry_after", retryAfter)
		}
		l.logger.Warn("key cooling down", attrs...)
	default:
		l.logger.Warn("attempt failed", attrs...)
	}
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	return l.file.Close()
}
