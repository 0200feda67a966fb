// Package obslog provides structured logging for the core event-delivery
// and feature-flag pipeline. It wraps log/slog with a fixed set of
// domain-specific log methods so call sites never have to decide what
// fields belong on a given event.
package obslog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger emits structured JSON events for the durable queue, the uploader,
// and the flag cache. It never panics and never returns an error: logging
// failures are not part of the core's error-handling surface.
type Logger struct {
	logger *slog.Logger
}

// New creates a Logger with JSON output to stdout.
func New() *Logger {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a Logger with JSON output to an arbitrary writer.
// Used by tests that want to assert on emitted log lines.
func NewWithWriter(w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler)}
}

// Noop returns a Logger that discards everything.
func Noop() *Logger {
	return NewWithWriter(io.Discard)
}

// QueueWriteFailed logs a record that could not be persisted to disk.
func (l *Logger) QueueWriteFailed(path string, err error) {
	l.logger.Warn("queue_write_failed", "path", path, "error", err.Error())
}

// QueueRecordCorrupt logs a record removed from disk because it could not
// be read or parsed back at peek time.
func (l *Logger) QueueRecordCorrupt(path string, err error) {
	l.logger.Warn("queue_record_corrupt", "path", path, "error", err.Error())
}

// QueueIOFailed logs any other local I/O failure (pop, delete, clear).
func (l *Logger) QueueIOFailed(op, path string, err error) {
	l.logger.Warn("queue_io_failed", "op", op, "path", path, "error", err.Error())
}

// AdmissionDropped logs an event dropped at add-time because it could not
// be serialized.
func (l *Logger) AdmissionDropped(eventName string, err error) {
	l.logger.Warn("admission_dropped", "event", eventName, "error", err.Error())
}

// FlushStarted logs the beginning of a flush attempt.
func (l *Logger) FlushStarted(batchSize int) {
	l.logger.Info("flush_started", "batch_size", batchSize)
}

// FlushSucceeded logs a batch accepted by the endpoint.
func (l *Logger) FlushSucceeded(batchSize int) {
	l.logger.Info("flush_succeeded", "batch_size", batchSize)
}

// FlushRetrying logs a retryable failure and the resulting back-off.
func (l *Logger) FlushRetrying(status int, retryCount int, pauseFor string) {
	l.logger.Warn("flush_retrying", "status", status, "retry_count", retryCount, "pause_for", pauseFor)
}

// FlushGaveUp logs a non-retryable failure; the batch is dropped (popped).
func (l *Logger) FlushGaveUp(status int, batchSize int) {
	l.logger.Error("flush_gave_up", "status", status, "batch_size", batchSize)
}

// FlushSkipped logs a no-op flush call (already flushing, paused, or backed off).
func (l *Logger) FlushSkipped(reason string) {
	l.logger.Debug("flush_skipped", "reason", reason)
}

// DecideMalformed logs a decide response that failed validation.
func (l *Logger) DecideMalformed(reason string) {
	l.logger.Warn("decide_malformed", "reason", reason)
}

// DecideFailed logs a transport-level failure calling the decide endpoint.
func (l *Logger) DecideFailed(err error) {
	l.logger.Warn("decide_failed", "error", err.Error())
}

// FlagsMerged logs a partial-failure merge of newly computed flags into the
// existing cache.
func (l *Logger) FlagsMerged(newCount, totalCount int) {
	l.logger.Info("flags_merged", "new_keys", newCount, "total_keys", totalCount)
}

// FlagsReplaced logs a wholesale replacement of the cached flags.
func (l *Logger) FlagsReplaced(count int) {
	l.logger.Info("flags_replaced", "total_keys", count)
}

// NetworkStateChanged logs a connectivity transition observed by the
// coordinator.
func (l *Logger) NetworkStateChanged(state string, paused bool) {
	l.logger.Info("network_state_changed", "state", state, "paused", paused)
}

// KVDecodeFallback logs a stored KV value that only parsed under the legacy
// one-entry-object shape.
func (l *Logger) KVDecodeFallback(key string) {
	l.logger.Debug("kv_decode_fallback", "key", key)
}

var (
	globalMu     sync.RWMutex
	globalLogger = New()
)

// SetGlobal sets the process-wide default logger used by components
// constructed without an explicit Logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide default logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}
