// Package retry holds records that had no subscriber at publish time and
// redelivers them later.
//
// Each key (the engine uses the record's concrete type) owns a FIFO backlog.
// Flush drains a backlog in fixed-size batches, bounding every delivery
// attempt with a timeout and yielding after each batch. Items that fail are
// counted. A transient failure (no subscriber yet, timeout) is retried until
// the item has failed MaxRetryAttempts times; any other failure drops it at
// once. Dropped items go to OnDrop. Dropping is a deliberate data-loss
// boundary: the queue favours forward progress and bounded memory over
// guaranteed delivery.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/schedule"
)

// ErrClosed is returned by Flush when the supervisor running delivery
// attempts has been closed. Unattempted items stay queued.
var ErrClosed = errors.New("retry: supervisor closed")

// DeliverFunc attempts one delivery of rec and reports whether any handler
// received it.
type DeliverFunc func(ctx context.Context, rec event.Record) (handled bool, err error)

// Item is a queued record with its retry bookkeeping.
type Item struct {
	Record   event.Record
	Attempts int
	QueuedAt time.Time
	LastErr  error
}

// Config configures the retry queue.
type Config[K comparable] struct {
	// BatchSize is the number of items attempted between yields.
	// Default: 10
	BatchSize int

	// AttemptTimeout bounds a single delivery attempt.
	// Default: 5 seconds
	AttemptTimeout time.Duration

	// MaxRetryAttempts is the number of failed attempts after which an item
	// is dropped.
	// Default: 5
	MaxRetryAttempts int

	// Yielder is reached after every batch.
	// Default: schedule.Cooperative{}
	Yielder schedule.Yielder

	// Logger receives drop warnings when OnDrop is nil.
	// Default: slog.Default()
	Logger *slog.Logger

	// Supervisor runs each delivery attempt. An attempt that outlives its
	// timeout keeps running there, and a failure it reports late is logged
	// by the supervisor.
	// Default: a supervisor owned by the queue
	Supervisor *schedule.Supervisor

	// OnDelivered is called after a successful redelivery.
	OnDelivered func(key K, item Item)

	// OnAttemptFailed is called after each failed attempt, before the
	// retry-or-drop decision.
	OnAttemptFailed func(key K, item Item, err error)

	// OnDrop is called for items that exhausted their retry budget or failed
	// permanently. When nil, drops are logged at warn level.
	OnDrop func(key K, item Item, err *ecerrors.RetryExhausted)

	// OnDiscard is called for items removed by Clear.
	OnDiscard func(key K, item Item)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = struct {
	BatchSize        int
	AttemptTimeout   time.Duration
	MaxRetryAttempts int
}{
	BatchSize:        10,
	AttemptTimeout:   5 * time.Second,
	MaxRetryAttempts: 5,
}

// Queue is a per-key backlog with batched, timeout-bounded redelivery.
type Queue[K comparable] struct {
	deliver DeliverFunc
	cfg     Config[K]

	mu       sync.Mutex
	backlogs map[K]*backlog

	// Metrics
	enqueued  int64
	delivered int64
	failures  int64
	dropped   int64
}

type backlog struct {
	items    []*Item
	flushing bool
	cleared  bool

	// waiters are the contexts of Flush calls that arrived while a flush
	// was running. The running flush drains again on their behalf.
	waiters []context.Context
}

// New creates a retry queue that redelivers through deliver.
func New[K comparable](deliver DeliverFunc, cfg Config[K]) *Queue[K] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig.AttemptTimeout
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = DefaultConfig.MaxRetryAttempts
	}
	if cfg.Yielder == nil {
		cfg.Yielder = schedule.Cooperative{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = schedule.NewSupervisor(context.Background(), schedule.WithLogger(cfg.Logger))
	}

	return &Queue[K]{
		deliver:  deliver,
		cfg:      cfg,
		backlogs: make(map[K]*backlog),
	}
}

// Enqueue appends rec to the backlog for key.
func (q *Queue[K]) Enqueue(key K, rec event.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.backlogs[key]
	if !ok {
		b = &backlog{}
		q.backlogs[key] = b
	}
	b.items = append(b.items, &Item{Record: rec, QueuedAt: time.Now()})
	q.enqueued++
}

// Flush drains the backlog for key. If a flush for key is already running,
// Flush asks it to drain once more and returns nil immediately; that extra
// pass runs under ctx even if the running flush's own context has ended.
//
// The returned error concerns this call's own passes only.
func (q *Queue[K]) Flush(ctx context.Context, key K) error {
	q.mu.Lock()
	b, ok := q.backlogs[key]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if b.flushing {
		b.waiters = append(b.waiters, ctx)
		q.mu.Unlock()
		return nil
	}
	b.flushing = true
	q.mu.Unlock()

	var result error
	cur, own := ctx, true
	for {
		failed, carry, err := q.drain(cur, key, b)
		if own && err != nil && result == nil {
			result = err
		}

		q.mu.Lock()
		var drops []*Item
		var discards []*Item
		if b.cleared {
			discards = append(failed, carry...)
		} else {
			for _, it := range failed {
				if it.Attempts >= q.cfg.MaxRetryAttempts || !ecerrors.IsRetryable(it.LastErr) {
					drops = append(drops, it)
					continue
				}
				b.items = append(b.items, it)
			}
			b.items = append(b.items, carry...)
		}
		q.dropped += int64(len(drops))

		next, reuse := nextPass(b, cur, err)
		if next == nil {
			b.flushing = false
			if len(b.items) == 0 && q.backlogs[key] == b {
				delete(q.backlogs, key)
			}
		}
		q.mu.Unlock()

		q.report(key, drops, discards)

		if next == nil {
			return result
		}
		cur, own = next, own && reuse
	}
}

// nextPass picks the context for another drain of b, or nil when no waiting
// Flush call can still use one. reuse reports that the pass keeps running
// under cur. The caller holds q.mu.
func nextPass(b *backlog, cur context.Context, err error) (next context.Context, reuse bool) {
	waiters := b.waiters
	b.waiters = nil
	if b.cleared || len(waiters) == 0 {
		return nil, false
	}
	if err == nil && cur.Err() == nil {
		return cur, true
	}
	for _, w := range waiters {
		if w.Err() == nil {
			return w, false
		}
	}
	return nil, false
}

// drain attempts every queued item for key in batches. It returns the items
// that failed an attempt and, if ctx ended, the items never attempted.
func (q *Queue[K]) drain(ctx context.Context, key K, b *backlog) (failed, carry []*Item, err error) {
	for {
		q.mu.Lock()
		if b.cleared {
			q.mu.Unlock()
			return failed, carry, nil
		}
		n := min(q.cfg.BatchSize, len(b.items))
		if n == 0 {
			q.mu.Unlock()
			return failed, carry, nil
		}
		batch := make([]*Item, n)
		copy(batch, b.items[:n])
		b.items = b.items[n:]
		q.mu.Unlock()

		for i, it := range batch {
			if ctx.Err() != nil {
				return failed, append(carry, batch[i:]...), ctx.Err()
			}

			attemptErr := q.attempt(ctx, key, it)
			if attemptErr == nil {
				q.mu.Lock()
				q.delivered++
				q.mu.Unlock()
				if q.cfg.OnDelivered != nil {
					q.cfg.OnDelivered(key, *it)
				}
				continue
			}

			if errors.Is(attemptErr, ErrClosed) || (ctx.Err() != nil && errors.Is(attemptErr, ctx.Err())) {
				return failed, append(carry, batch[i:]...), attemptErr
			}

			it.Attempts++
			it.LastErr = attemptErr
			failed = append(failed, it)

			q.mu.Lock()
			q.failures++
			q.mu.Unlock()
			if q.cfg.OnAttemptFailed != nil {
				q.cfg.OnAttemptFailed(key, *it, attemptErr)
			}
		}

		if err := q.cfg.Yielder.Yield(ctx); err != nil {
			return failed, carry, err
		}
	}
}

// attempt runs one timeout-bounded delivery of it on the supervisor.
func (q *Queue[K]) attempt(ctx context.Context, key K, it *Item) error {
	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()

	// settled is won either by the task, which then hands over its outcome,
	// or by the timeout, after which the task reports failures itself.
	var settled, closing atomic.Bool
	done := make(chan error, 1)

	started := q.cfg.Supervisor.Go("redeliver "+it.Record.ID(), func(taskCtx context.Context) error {
		stop := context.AfterFunc(taskCtx, func() {
			closing.Store(true)
			cancel()
		})
		defer stop()

		err := q.deliverOnce(actx, key, it.Record)
		if settled.CompareAndSwap(false, true) {
			done <- err
			return nil
		}
		if err != nil && !errors.Is(err, actx.Err()) && !errors.Is(err, ecerrors.ErrNoSubscriber) {
			return fmt.Errorf("redelivery of %s finished after its %s timeout: %w",
				it.Record.ID(), q.cfg.AttemptTimeout, err)
		}
		return nil
	})
	if !started {
		return ErrClosed
	}

	var err error
	select {
	case err = <-done:
	case <-actx.Done():
		if settled.CompareAndSwap(false, true) {
			err = actx.Err()
		} else {
			err = <-done
		}
	}

	switch {
	case err == nil:
		return nil
	case closing.Load():
		return ErrClosed
	case actx.Err() != nil && errors.Is(err, actx.Err()):
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ecerrors.DeliveryTimeout{
			EventID:   it.Record.ID(),
			EventType: fmt.Sprint(key),
			Timeout:   q.cfg.AttemptTimeout,
		}
	default:
		return err
	}
}

// deliverOnce calls deliver, turning a panic into a HandlerFault and an
// unhandled record into ErrNoSubscriber.
func (q *Queue[K]) deliverOnce(ctx context.Context, key K, rec event.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ecerrors.HandlerFault{
				EventID:   rec.ID(),
				EventType: fmt.Sprint(key),
				Handler:   "redelivery",
				Err:       fmt.Errorf("panic: %v", r),
				Panicked:  true,
				Stack:     debug.Stack(),
			}
		}
	}()

	var handled bool
	handled, err = q.deliver(ctx, rec)
	if err == nil && !handled {
		return ecerrors.ErrNoSubscriber
	}
	return err
}

func (q *Queue[K]) report(key K, drops, discards []*Item) {
	for _, it := range drops {
		exhausted := &ecerrors.RetryExhausted{
			EventID:   it.Record.ID(),
			EventType: fmt.Sprint(key),
			Attempts:  it.Attempts,
			LastErr:   it.LastErr,
		}
		if q.cfg.OnDrop != nil {
			q.cfg.OnDrop(key, *it, exhausted)
			continue
		}
		q.cfg.Logger.Warn("dropping event after exhausting retries",
			slog.String("source", "retry.queue"),
			slog.String("event_type", exhausted.EventType),
			slog.String("event_id", exhausted.EventID),
			slog.Int("attempts", it.Attempts),
			slog.Any("error", it.LastErr),
		)
	}
	if q.cfg.OnDiscard != nil {
		for _, it := range discards {
			q.cfg.OnDiscard(key, *it)
		}
	}
}

// FlushAll flushes every key that currently has a backlog.
func (q *Queue[K]) FlushAll(ctx context.Context) error {
	var errs []error
	for _, key := range q.Keys() {
		if err := q.Flush(ctx, key); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Clear drops every backlog and returns the number of items removed.
// Items belonging to a flush in progress are discarded when that flush
// finishes its current attempt.
func (q *Queue[K]) Clear() int {
	q.mu.Lock()
	old := q.backlogs
	q.backlogs = make(map[K]*backlog)

	type discard struct {
		key  K
		item *Item
	}
	var removed []discard
	for key, b := range old {
		b.cleared = true
		for _, it := range b.items {
			removed = append(removed, discard{key: key, item: it})
		}
		b.items = nil
	}
	q.mu.Unlock()

	if q.cfg.OnDiscard != nil {
		for _, d := range removed {
			q.cfg.OnDiscard(d.key, *d.item)
		}
	}
	return len(removed)
}

// Len returns the number of items waiting for key. Items currently being
// attempted by a flush are not counted.
func (q *Queue[K]) Len(key K) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.backlogs[key]; ok {
		return len(b.items)
	}
	return 0
}

// Has reports whether key has a backlog entry.
func (q *Queue[K]) Has(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.backlogs[key]
	return ok
}

// Items returns a snapshot of the items waiting for key.
func (q *Queue[K]) Items(key K) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.backlogs[key]
	if !ok {
		return nil
	}
	out := make([]Item, len(b.items))
	for i, it := range b.items {
		out[i] = *it
	}
	return out
}

// Keys returns every key with a backlog.
func (q *Queue[K]) Keys() []K {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]K, 0, len(q.backlogs))
	for k := range q.backlogs {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns queue statistics.
func (q *Queue[K]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := 0
	for _, b := range q.backlogs {
		size += len(b.items)
	}
	return Stats{
		Backlog:   size,
		Types:     len(q.backlogs),
		Enqueued:  q.enqueued,
		Delivered: q.delivered,
		Failures:  q.failures,
		Dropped:   q.dropped,
	}
}

// Stats provides statistics about the retry queue.
type Stats struct {
	Backlog   int   // Items currently waiting
	Types     int   // Keys with a backlog
	Enqueued  int64 // Total items enqueued
	Delivered int64 // Total successful redeliveries
	Failures  int64 // Total failed attempts
	Dropped   int64 // Total items dropped after exhausting retries
}
