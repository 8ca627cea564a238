package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordPublished does nothing.
func (NoopMetrics) RecordPublished(context.Context, string, bool) {}

// RecordHandlerInvocation does nothing.
func (NoopMetrics) RecordHandlerInvocation(context.Context, string, time.Duration, error) {}

// RecordQueued does nothing.
func (NoopMetrics) RecordQueued(context.Context, string) {}

// RecordDuplicate does nothing.
func (NoopMetrics) RecordDuplicate(context.Context, string) {}

// RecordRetryAttempt does nothing.
func (NoopMetrics) RecordRetryAttempt(context.Context, string, error) {}

// RecordDropped does nothing.
func (NoopMetrics) RecordDropped(context.Context, string) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartPublishSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _ string, _ bool) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartRedeliverySpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartRedeliverySpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
