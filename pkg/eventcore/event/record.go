// Package event defines the contract every message dispatched through
// eventcore implements.
//
// A Record is an immutable notification of something that happened. It carries
// a creation timestamp and a per-instance identity used for deduplication:
// publishing the same non-republishable instance twice yields at most one
// fan-out. Records are disposed once delivery completes, or once they are
// dead-lettered after exhausting their retry budget.
//
// Use Base to implement Record on concrete payload types:
//
//	type CardPlayed struct {
//	    event.Base
//	    CardID string
//	}
//
//	evt := &CardPlayed{Base: event.NewBase(), CardID: "ace-of-cups"}
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is the core interface for all dispatched events.
type Record interface {
	// ID returns the globally unique identifier of this instance.
	ID() string

	// Timestamp returns the creation instant.
	Timestamp() time.Time

	// IsRePublishable reports whether the instance may be fanned out more
	// than once. Republishable records bypass deduplication.
	IsRePublishable() bool

	// Dispose releases resources held by the record once it is fully
	// delivered or permanently dropped. Implementations must tolerate
	// repeated calls.
	Dispose()
}

// Critical is implemented by records whose loss must be surfaced to the
// consumer rather than only logged when they exhaust their retry budget.
type Critical interface {
	Critical() bool
}

// IsCritical reports whether rec opts into hard-failure reporting.
func IsCritical(rec Record) bool {
	c, ok := rec.(Critical)
	return ok && c.Critical()
}

// IsDisposed reports whether rec exposes a Disposed method returning true.
func IsDisposed(rec Record) bool {
	d, ok := rec.(interface{ Disposed() bool })
	return ok && d.Disposed()
}

// Base provides the identity and lifecycle half of Record.
// Embed it by value in concrete event types and construct with NewBase.
type Base struct {
	id            string
	timestamp     time.Time
	republishable bool

	state *lifecycle
}

// lifecycle is shared by copies of a Base so that disposal is observed no
// matter which copy the dispatcher holds.
type lifecycle struct {
	once     sync.Once
	mu       sync.Mutex
	disposed bool
	onDone   func()
}

// Option configures Base creation.
type Option func(*baseConfig)

type baseConfig struct {
	id            string
	timestamp     time.Time
	republishable bool
	disposer      func()
}

// WithID sets a specific identifier (default: random UUID).
func WithID(id string) Option {
	return func(cfg *baseConfig) {
		cfg.id = id
	}
}

// WithTimestamp sets a specific creation time (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(cfg *baseConfig) {
		cfg.timestamp = t
	}
}

// WithRePublishable marks the record as exempt from deduplication.
func WithRePublishable() Option {
	return func(cfg *baseConfig) {
		cfg.republishable = true
	}
}

// WithDisposer registers a function run exactly once on Dispose.
func WithDisposer(fn func()) Option {
	return func(cfg *baseConfig) {
		cfg.disposer = fn
	}
}

// NewBase creates a Base with a fresh identity.
func NewBase(opts ...Option) Base {
	cfg := &baseConfig{
		id:        uuid.NewString(),
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return Base{
		id:            cfg.id,
		timestamp:     cfg.timestamp,
		republishable: cfg.republishable,
		state:         &lifecycle{onDone: cfg.disposer},
	}
}

// ID returns the unique identifier.
func (b *Base) ID() string {
	return b.id
}

// Timestamp returns when the record was created.
func (b *Base) Timestamp() time.Time {
	return b.timestamp
}

// IsRePublishable reports whether deduplication is bypassed.
func (b *Base) IsRePublishable() bool {
	return b.republishable
}

// Dispose runs the registered disposer once and marks the record disposed.
// A zero Base (not built with NewBase) is a no-op.
func (b *Base) Dispose() {
	if b.state == nil {
		return
	}
	b.state.once.Do(func() {
		b.state.mu.Lock()
		b.state.disposed = true
		fn := b.state.onDone
		b.state.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// Disposed reports whether Dispose has run.
func (b *Base) Disposed() bool {
	if b.state == nil {
		return false
	}
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	return b.state.disposed
}
