package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records dispatch metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublished records a publish call that passed deduplication.
	RecordPublished(ctx context.Context, eventType string, wait bool)

	// RecordHandlerInvocation records one handler call, its duration, and
	// whether it faulted.
	RecordHandlerInvocation(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordQueued records a publish with no subscriber.
	RecordQueued(ctx context.Context, eventType string)

	// RecordDuplicate records a publish ignored by deduplication.
	RecordDuplicate(ctx context.Context, eventType string)

	// RecordRetryAttempt records one backlog redelivery attempt.
	RecordRetryAttempt(ctx context.Context, eventType string, err error)

	// RecordDropped records an event discarded after exhausting retries.
	RecordDropped(ctx context.Context, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published      metric.Int64Counter
	handled        metric.Int64Counter
	handlerLatency metric.Float64Histogram
	handlerFaults  metric.Int64Counter
	queued         metric.Int64Counter
	duplicates     metric.Int64Counter
	retryAttempts  metric.Int64Counter
	dropped        metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventcore")

	counter := func(name, desc string) (metric.Int64Counter, error) {
		return meter.Int64Counter(name, metric.WithDescription(desc))
	}

	m := &otelMetrics{}
	var err error

	if m.published, err = counter("eventcore.events.published", "Number of events delivered to fan-out"); err != nil {
		return nil, err
	}
	if m.handled, err = counter("eventcore.events.handled", "Number of handler invocations"); err != nil {
		return nil, err
	}
	if m.handlerFaults, err = counter("eventcore.handler.faults", "Number of handler errors and panics"); err != nil {
		return nil, err
	}
	if m.queued, err = counter("eventcore.events.queued", "Number of events queued for lack of a subscriber"); err != nil {
		return nil, err
	}
	if m.duplicates, err = counter("eventcore.events.duplicates", "Number of duplicate publishes ignored"); err != nil {
		return nil, err
	}
	if m.retryAttempts, err = counter("eventcore.retry.attempts", "Number of backlog redelivery attempts"); err != nil {
		return nil, err
	}
	if m.dropped, err = counter("eventcore.events.dropped", "Number of events dropped after exhausting retries"); err != nil {
		return nil, err
	}

	m.handlerLatency, err = meter.Float64Histogram("eventcore.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String(SourceKey, SourceEngine),
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func typeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

// RecordPublished records a publish.
func (m *otelMetrics) RecordPublished(ctx context.Context, eventType string, wait bool) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("wait", wait),
	))
}

// RecordHandlerInvocation records a handler call.
func (m *otelMetrics) RecordHandlerInvocation(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := typeAttr(eventType)
	m.handled.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.handlerFaults.Add(ctx, 1, attrs)
	}
}

// RecordQueued records a queued publish.
func (m *otelMetrics) RecordQueued(ctx context.Context, eventType string) {
	m.queued.Add(ctx, 1, typeAttr(eventType))
}

// RecordDuplicate records an ignored duplicate.
func (m *otelMetrics) RecordDuplicate(ctx context.Context, eventType string) {
	m.duplicates.Add(ctx, 1, typeAttr(eventType))
}

// RecordRetryAttempt records a redelivery attempt.
func (m *otelMetrics) RecordRetryAttempt(ctx context.Context, eventType string, err error) {
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	))
}

// RecordDropped records a dropped event.
func (m *otelMetrics) RecordDropped(ctx context.Context, eventType string) {
	m.dropped.Add(ctx, 1, typeAttr(eventType))
}
