// Package gplog is the allocator's log sink. It keeps the teacher's
// Debug/Info/Error/Fatal call shape but routes every call through a
// structured zap logger instead of the stdlib log package, the way
// the rest of the retrieval pack's allocation code (matrixone's
// malloc package) logs through zap fields rather than format strings.
package gplog

import (
	"go.uber.org/zap"
)

var base = func() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l
}()

// SetLogger replaces the process-wide logger. Tests that want quiet
// output, or embedders that want to route logs elsewhere, call this
// once before using a gpa.Allocator.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base = l
}

// Debug logs allocator-internal bookkeeping; whether it is emitted
// depends only on the logger's level.
func Debug(msg string, fields ...zap.Field) {
	base.Debug(msg, fields...)
}

// Info logs a notable but non-error event (bucket creation, large
// allocation, administrative calls).
func Info(msg string, fields ...zap.Field) {
	base.Info(msg, fields...)
}

// Error logs a safety violation: double free, invalid free, a
// length/alignment mismatch, or a leak. Callers attach the relevant
// traces as fields before calling, never by formatting them into msg.
func Error(msg string, fields ...zap.Field) {
	base.Error(msg, fields...)
}

// Fatal logs msg and then terminates the process, standing in for the
// spec's "emit a structured log... then abort" for violations that
// are not locally recoverable.
func Fatal(msg string, fields ...zap.Field) {
	base.Fatal(msg, fields...)
}

// Sync flushes buffered log entries; Deinit calls this so a leak
// report is not lost to buffering on process exit.
func Sync() error {
	return base.Sync()
}
