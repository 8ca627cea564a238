// Package observability provides logging, metrics, and tracing for the
// dispatch core.
//
// Features:
//   - Structured logging via slog, every record tagged with its source component
//   - A sink adapter that routes slog records into a host log callback
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

// Source names used for the "source" log attribute.
const (
	SourceEngine    = "eventcore.engine"
	SourceRetry     = "eventcore.retry"
	SourceRegistrar = "eventcore.registrar"
)

// SourceKey is the attribute key that names the emitting component.
const SourceKey = "source"

// EnrichLogger adds event context to a logger.
// Returns a new logger with source, event_type, and event_id fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, SourceEngine, "*game.CardDrawn", id)
//	enriched.Debug("delivering") // includes source, event_type, event_id
func EnrichLogger(logger *slog.Logger, source, eventType, eventID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String(SourceKey, source),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)
}

// LogPublish logs the start of a delivery.
func LogPublish(logger *slog.Logger, eventType, eventID string, handlers int, wait bool) {
	if logger == nil {
		return
	}
	logger.Debug("publishing event",
		slog.String(SourceKey, SourceEngine),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.Int("handlers", handlers),
		slog.Bool("wait", wait),
	)
}

// LogDuplicate logs a publish that was ignored by deduplication.
func LogDuplicate(logger *slog.Logger, eventType, eventID string) {
	if logger == nil {
		return
	}
	logger.Debug("ignoring duplicate publish",
		slog.String(SourceKey, SourceEngine),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)
}

// LogQueued logs a publish with no subscriber that went to the retry backlog.
func LogQueued(logger *slog.Logger, eventType, eventID string) {
	if logger == nil {
		return
	}
	logger.Warn("no subscriber for event, queued for retry",
		slog.String(SourceKey, SourceEngine),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)
}

// LogHandlerFault logs a handler that returned an error or panicked.
func LogHandlerFault(logger *slog.Logger, eventType, eventID, handler string, err error, panicked bool) {
	if logger == nil {
		return
	}
	logger.Error("event handler failed",
		slog.String(SourceKey, SourceEngine),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.Bool("panicked", panicked),
		slog.String("category", ecerrors.Categorize(err).String()),
		slog.String("error", err.Error()),
	)
}

// LogDropped logs an event removed from the backlog, either after exhausting
// its retry budget or on a failure that retrying cannot fix. Critical events
// are logged at error level.
func LogDropped(logger *slog.Logger, eventType, eventID string, attempts int, err error, critical bool) {
	if logger == nil {
		return
	}
	level := slog.LevelWarn
	if critical {
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String(SourceKey, SourceRetry),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.Int("attempts", attempts),
		slog.Bool("critical", critical),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("category", ecerrors.Categorize(err).String()),
			slog.String("error", err.Error()),
		)
	}
	logger.LogAttrs(context.Background(), level, "event dropped after exhausting retries", attrs...)
}

// LogDeadLetterError logs a failure to journal a dropped event (non-fatal).
func LogDeadLetterError(logger *slog.Logger, eventID string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("dead-letter journal failed",
		slog.String(SourceKey, SourceRetry),
		slog.String("event_id", eventID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
