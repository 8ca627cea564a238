package eventcore

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	"github.com/randalmurphal/eventcore/pkg/eventcore/deadletter"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/schedule"
)

// engineConfig holds configuration for an Engine.
type engineConfig struct {
	settings    config.Settings
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	yielder     schedule.Yielder
	deadLetters deadletter.Store
	onExhausted func(event.Record, error)
}

// defaultEngineConfig returns the default engine configuration.
func defaultEngineConfig() engineConfig {
	return engineConfig{
		settings: config.DefaultSettings(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		yielder:  schedule.Cooperative{},
	}
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithSettings replaces every tunable at once.
//
// Example:
//
//	settings, err := config.LoadSettings("eventcore.yaml")
//	eng, err := eventcore.New(eventcore.WithSettings(settings))
func WithSettings(s config.Settings) Option {
	return func(c *engineConfig) {
		c.settings = s
	}
}

// WithMaxRetryAttempts sets how many failed redeliveries a queued event
// survives before it is dropped.
// Default: 5
func WithMaxRetryAttempts(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.settings.MaxRetryAttempts = n
		}
	}
}

// WithBatchSize sets the number of backlog items attempted between yields.
// Default: 10
func WithBatchSize(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.settings.BatchSize = n
		}
	}
}

// WithAttemptTimeout bounds one redelivery attempt.
// Default: 5s
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.settings.AttemptTimeout = d
		}
	}
}

// WithFlushInterval starts a pump that flushes every backlog on this
// interval. Zero disables it.
// Default: 0
func WithFlushInterval(d time.Duration) Option {
	return func(c *engineConfig) {
		if d >= 0 {
			c.settings.FlushInterval = d
		}
	}
}

// WithDedupeWindow sets how long completed event IDs are remembered so a
// finished event published again is still recognised. Zero disables it.
// Default: 1m
func WithDedupeWindow(d time.Duration) Option {
	return func(c *engineConfig) {
		if d >= 0 {
			c.settings.DedupeWindow = d
		}
	}
}

// WithLogger sets the engine logger.
// Default: slog.Default()
//
// To route records into a host logging callback:
//
//	eng, err := eventcore.New(eventcore.WithLogger(observability.NewSinkLogger(hostLog)))
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
// Default: observability.NoopMetrics{}
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing sets the span manager.
// Default: observability.NoopSpanManager{}
func WithTracing(sm observability.SpanManager) Option {
	return func(c *engineConfig) {
		if sm != nil {
			c.spans = sm
		}
	}
}

// WithYielder sets the scheduling point reached between backlog batches.
// Default: schedule.Cooperative{}
func WithYielder(y schedule.Yielder) Option {
	return func(c *engineConfig) {
		if y != nil {
			c.yielder = y
		}
	}
}

// WithDeadLetterStore journals dropped events to store. The caller keeps
// ownership and must close it. Without this option the engine opens the
// store named by Settings.DeadLetterPath and closes it on Close.
func WithDeadLetterStore(store deadletter.Store) Option {
	return func(c *engineConfig) {
		c.deadLetters = store
	}
}

// WithOnExhausted registers a callback for events dropped after exhausting
// their retries. err is an *errors.RetryExhausted.
func WithOnExhausted(fn func(rec event.Record, err error)) Option {
	return func(c *engineConfig) {
		c.onExhausted = fn
	}
}

// subscribeConfig holds per-call subscription settings.
type subscribeConfig struct {
	force bool
}

// SubscribeOption configures a Subscribe call.
type SubscribeOption func(*subscribeConfig)

// WithForce appends the handler even if an equal subscription exists, so it
// runs once per registration.
func WithForce() SubscribeOption {
	return func(c *subscribeConfig) {
		c.force = true
	}
}

// publishConfig holds per-call publish settings.
type publishConfig struct {
	force bool
}

// PublishOption configures a Publish call.
type PublishOption func(*publishConfig)

// WithForcePublish delivers the record even if it is in flight or already
// completed.
func WithForcePublish() PublishOption {
	return func(c *publishConfig) {
		c.force = true
	}
}
