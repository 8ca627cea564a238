package eventcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventcore/pkg/eventcore/deadletter"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/registry"
	"github.com/randalmurphal/eventcore/pkg/eventcore/retry"
	"github.com/randalmurphal/eventcore/pkg/eventcore/schedule"
)

// Engine is the in-process dispatch core. Create one per process (or per
// test) with New and pass it to every producer and consumer.
type Engine struct {
	cfg    engineConfig
	logger *slog.Logger

	subs *subscriptions

	// processed claims the in-flight slot of an event ID; the value is the
	// handled flag.
	processed *registry.Registry[string, bool]

	// completed remembers recently finished IDs. Nil when the window is zero.
	completed *gocache.Cache

	backlog    *retry.Queue[reflect.Type]
	supervisor *schedule.Supervisor

	deadLetters     deadletter.Store
	ownsDeadLetters bool

	pumpMu     sync.Mutex
	pumpCancel context.CancelFunc

	closed atomic.Bool
}

// New creates an Engine.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	e := &Engine{
		cfg:         cfg,
		logger:      cfg.logger,
		subs:        newSubscriptions(),
		processed:   registry.New[string, bool](),
		deadLetters: cfg.deadLetters,
	}

	if cfg.settings.DedupeWindow > 0 {
		e.completed = gocache.New(cfg.settings.DedupeWindow, cfg.settings.DedupeWindow)
	}

	if e.deadLetters == nil {
		store, err := deadletter.Open(cfg.settings.DeadLetterPath)
		if err != nil {
			return nil, fmt.Errorf("open dead-letter store: %w", err)
		}
		e.deadLetters = store
		e.ownsDeadLetters = true
	}

	e.supervisor = schedule.NewSupervisor(context.Background(),
		schedule.WithLogger(cfg.logger),
	)

	e.backlog = retry.New(e.redeliver, retry.Config[reflect.Type]{
		BatchSize:        cfg.settings.BatchSize,
		AttemptTimeout:   cfg.settings.AttemptTimeout,
		MaxRetryAttempts: cfg.settings.MaxRetryAttempts,
		Yielder:          cfg.yielder,
		Logger:           cfg.logger,
		Supervisor:       e.supervisor,
		OnDelivered: func(t reflect.Type, _ retry.Item) {
			e.cfg.metrics.RecordRetryAttempt(context.Background(), t.String(), nil)
		},
		OnAttemptFailed: func(t reflect.Type, _ retry.Item, err error) {
			e.cfg.metrics.RecordRetryAttempt(context.Background(), t.String(), err)
		},
		OnDrop:    e.dropExhausted,
		OnDiscard: e.discard,
	})

	if cfg.settings.FlushInterval > 0 {
		if err := e.StartPump(context.Background(), cfg.settings.FlushInterval); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Publish delivers rec to every handler registered for its concrete type.
// Sync handlers run before Publish returns; async handlers are started as
// detached tasks and rec is disposed once the last of them finishes. With no
// handler registered, rec is queued for redelivery.
//
// Handler failures are logged and never reach the caller.
func (e *Engine) Publish(ctx context.Context, rec event.Record, opts ...PublishOption) {
	e.publish(ctx, rec, false, opts)
}

// PublishAndWait is Publish that also awaits every async handler, in
// registration order. It reports whether any handler received rec.
func (e *Engine) PublishAndWait(ctx context.Context, rec event.Record, opts ...PublishOption) bool {
	return e.publish(ctx, rec, true, opts)
}

func (e *Engine) publish(ctx context.Context, rec event.Record, wait bool, opts []PublishOption) bool {
	if rec == nil {
		return false
	}
	cfg := publishConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	t := reflect.TypeOf(rec)
	typeName := t.String()
	id := rec.ID()

	if e.closed.Load() {
		e.logger.Warn("publish after close ignored",
			slog.String(observability.SourceKey, observability.SourceEngine),
			slog.String("event_type", typeName),
			slog.String("event_id", id),
			slog.String("error", ecerrors.ErrEngineClosed.Error()),
		)
		return false
	}

	ctx, span := e.cfg.spans.StartPublishSpan(ctx, typeName, id, wait)
	handled := false
	defer func() {
		span.SetAttributes(attribute.Bool("event.handled", handled))
		e.cfg.spans.EndSpanWithError(span, nil)
	}()

	dedupe := !cfg.force && !rec.IsRePublishable()
	if dedupe && e.seen(id, rec) {
		e.duplicate(ctx, typeName, id)
		return false
	}

	owned := e.processed.RegisterIfAbsent(id, false)
	if dedupe && !owned {
		e.duplicate(ctx, typeName, id)
		return false
	}

	b := e.subs.snapshot(t)
	if b.len() == 0 {
		if owned {
			e.backlog.Enqueue(t, rec)
			e.cfg.metrics.RecordQueued(ctx, typeName)
			observability.LogQueued(e.logger, typeName, id)

			// A subscriber may have arrived after the snapshot; its flush
			// could have missed this record.
			if e.subs.snapshot(t).len() > 0 {
				e.scheduleFlush(t)
			}
		}
		return false
	}

	e.cfg.metrics.RecordPublished(ctx, typeName, wait)
	observability.LogPublish(e.logger, typeName, id, b.len(), wait)

	for _, sub := range b.sync {
		e.invoke(ctx, sub, rec, typeName)
	}

	handled = true
	if owned {
		e.processed.Replace(id, true)
	}

	if wait || len(b.async) == 0 {
		for _, sub := range b.async {
			e.invoke(ctx, sub, rec, typeName)
		}
		e.finish(id, rec, owned)
		return true
	}

	e.detach(ctx, b.async, rec, typeName, owned)
	return true
}

// detach starts each async handler as a supervised task and finishes rec
// after the last one returns.
func (e *Engine) detach(ctx context.Context, subs []subscription, rec event.Record, typeName string, owned bool) {
	var remaining atomic.Int32
	remaining.Store(int32(len(subs)))
	done := func() {
		if remaining.Add(-1) == 0 {
			e.finish(rec.ID(), rec, owned)
		}
	}

	for _, sub := range subs {
		started := e.supervisor.Go(sub.name, func(taskCtx context.Context) error {
			defer done()
			e.invoke(taskCtx, sub, rec, typeName)
			return nil
		})
		if !started {
			// Supervisor closed: run inline rather than lose the handler.
			e.invoke(ctx, sub, rec, typeName)
			done()
		}
	}
}

// invoke runs one handler, converting errors and panics into a logged
// HandlerFault.
func (e *Engine) invoke(ctx context.Context, sub subscription, rec event.Record, typeName string) (fault error) {
	elapsed := observability.TimedOperation()

	defer func() {
		if r := recover(); r != nil {
			fault = &ecerrors.HandlerFault{
				EventID:   rec.ID(),
				EventType: typeName,
				Handler:   sub.name,
				Err:       fmt.Errorf("panic: %v", r),
				Panicked:  true,
				Stack:     debug.Stack(),
			}
		}
		e.cfg.metrics.RecordHandlerInvocation(ctx, typeName, elapsed(), fault)
		if fault != nil {
			var hf *ecerrors.HandlerFault
			panicked := errors.As(fault, &hf) && hf.Panicked
			observability.LogHandlerFault(e.logger, typeName, rec.ID(), sub.name, fault, panicked)
			e.cfg.spans.AddSpanEvent(ctx, "handler.fault",
				attribute.String("handler", sub.name),
				attribute.Bool("panicked", panicked),
			)
		}
	}()

	if err := sub.invoke(ctx, rec); err != nil {
		return &ecerrors.HandlerFault{
			EventID:   rec.ID(),
			EventType: typeName,
			Handler:   sub.name,
			Err:       err,
		}
	}
	return nil
}

// seen reports whether id already completed.
func (e *Engine) seen(id string, rec event.Record) bool {
	if event.IsDisposed(rec) {
		return true
	}
	if e.completed == nil {
		return false
	}
	_, found := e.completed.Get(id)
	return found
}

func (e *Engine) duplicate(ctx context.Context, typeName, id string) {
	e.cfg.metrics.RecordDuplicate(ctx, typeName)
	observability.LogDuplicate(e.logger, typeName, id)
	e.cfg.spans.AddSpanEvent(ctx, "duplicate")
}

// finish disposes a handled record and releases its slot. A publish that did
// not claim the slot leaves both to the delivery that did.
func (e *Engine) finish(id string, rec event.Record, owned bool) {
	if !owned {
		return
	}
	rec.Dispose()
	e.processed.Delete(id)
	e.remember(id, rec)
}

func (e *Engine) remember(id string, rec event.Record) {
	if e.completed != nil && !rec.IsRePublishable() {
		e.completed.SetDefault(id, struct{}{})
	}
}

// redeliver is the backlog's delivery path. It behaves like PublishAndWait
// without deduplication, and leaves rec queued if ctx ends before every
// handler has run.
func (e *Engine) redeliver(ctx context.Context, rec event.Record) (bool, error) {
	t := reflect.TypeOf(rec)
	typeName := t.String()
	id := rec.ID()

	b := e.subs.snapshot(t)
	if b.len() == 0 {
		return false, nil
	}

	ctx, span := e.cfg.spans.StartRedeliverySpan(ctx, typeName, id)

	for _, sub := range b.sync {
		e.invoke(ctx, sub, rec, typeName)
	}
	for _, sub := range b.async {
		e.invoke(ctx, sub, rec, typeName)
	}

	if err := ctx.Err(); err != nil {
		e.cfg.spans.EndSpanWithError(span, err)
		return false, err
	}

	e.cfg.metrics.RecordPublished(ctx, typeName, true)
	e.processed.Replace(id, true)
	e.finish(id, rec, true)
	e.cfg.spans.EndSpanWithError(span, nil)
	return true, nil
}

// dropExhausted handles a backlog item that used up its retries.
func (e *Engine) dropExhausted(t reflect.Type, item retry.Item, exhausted *ecerrors.RetryExhausted) {
	rec := item.Record
	id := rec.ID()
	typeName := t.String()
	critical := event.IsCritical(rec)

	observability.LogDropped(e.logger, typeName, id, item.Attempts, item.LastErr, critical)
	e.cfg.metrics.RecordDropped(context.Background(), typeName)

	entry := deadletter.Entry{
		EventID:       id,
		EventType:     typeName,
		Attempts:      item.Attempts,
		FirstQueuedAt: item.QueuedAt,
		DroppedAt:     time.Now(),
	}
	if item.LastErr != nil {
		entry.LastError = item.LastErr.Error()
	}
	if err := e.deadLetters.Save(context.Background(), entry); err != nil {
		observability.LogDeadLetterError(e.logger, id, "save", err)
	}

	rec.Dispose()
	e.processed.Delete(id)
	e.remember(id, rec)

	if e.cfg.onExhausted != nil {
		e.notifyExhausted(rec, exhausted)
	}
}

func (e *Engine) notifyExhausted(rec event.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("exhaustion callback panicked",
				slog.String(observability.SourceKey, observability.SourceRetry),
				slog.String("event_id", rec.ID()),
				slog.Any("panic", r),
			)
		}
	}()
	e.cfg.onExhausted(rec, err)
}

// discard releases a backlog item removed by Clear.
func (e *Engine) discard(_ reflect.Type, item retry.Item) {
	item.Record.Dispose()
	e.processed.Delete(item.Record.ID())
}

// scheduleFlush flushes the backlog for t on a detached task if anything is
// waiting.
func (e *Engine) scheduleFlush(t reflect.Type) {
	if !e.backlog.Has(t) {
		return
	}
	e.supervisor.Go("flush "+t.String(), func(ctx context.Context) error {
		err := e.backlog.Flush(ctx, t)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, retry.ErrClosed) {
			return err
		}
		return nil
	})
}

// Flush redelivers the backlog for rec's type now, on the calling goroutine.
func (e *Engine) Flush(ctx context.Context, rec event.Record) error {
	return e.backlog.Flush(ctx, reflect.TypeOf(rec))
}

// FlushAll redelivers every backlog now, on the calling goroutine.
func (e *Engine) FlushAll(ctx context.Context) error {
	return e.backlog.FlushAll(ctx)
}

// StartPump flushes every backlog on interval until ctx is cancelled, the
// pump is stopped, or the engine is closed.
func (e *Engine) StartPump(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("pump interval must be positive, got %s", interval)
	}

	e.pumpMu.Lock()
	defer e.pumpMu.Unlock()

	if e.pumpCancel != nil {
		return errors.New("pump already running")
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	started := e.supervisor.Go("pump", func(taskCtx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-pumpCtx.Done():
				return nil
			case <-taskCtx.Done():
				return nil
			case <-ticker.C:
				if err := e.backlog.FlushAll(pumpCtx); err != nil && pumpCtx.Err() == nil {
					e.logger.Warn("backlog flush failed",
						slog.String(observability.SourceKey, observability.SourceRetry),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
	if !started {
		cancel()
		return ecerrors.ErrEngineClosed
	}

	e.pumpCancel = cancel
	return nil
}

// StopPump stops a pump started with StartPump. It is a no-op if none is
// running.
func (e *Engine) StopPump() {
	e.pumpMu.Lock()
	defer e.pumpMu.Unlock()

	if e.pumpCancel != nil {
		e.pumpCancel()
		e.pumpCancel = nil
	}
}

// Clear drops every subscription, the whole backlog, every in-flight claim,
// and the completed window. Queued records are disposed. It logs a warning
// if anything was discarded.
func (e *Engine) Clear() {
	subs := e.subs.clear()
	queued := e.backlog.Clear()
	claims := e.processed.Clear()
	if e.completed != nil {
		e.completed.Flush()
	}

	if subs+queued+claims > 0 {
		e.logger.Warn("clearing dispatch state",
			slog.String(observability.SourceKey, observability.SourceEngine),
			slog.Int("subscriptions", subs),
			slog.Int("queued", queued),
			slog.Int("in_flight", claims),
		)
	}
}

// Close stops the pump, waits for detached handlers and flushes to finish
// (or ctx to end), and closes the dead-letter store if the engine opened it.
// Queued records stay queued. Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.StopPump()

	var errs []error
	if err := e.supervisor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for detached tasks: %w", err))
	}
	if e.ownsDeadLetters {
		if err := e.deadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dead-letter store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HandlerCount returns the number of handlers registered for rec's type.
func (e *Engine) HandlerCount(rec event.Record) int {
	return e.subs.snapshot(reflect.TypeOf(rec)).len()
}

// Pending returns the number of records of rec's type waiting in the backlog.
func (e *Engine) Pending(rec event.Record) int {
	return e.backlog.Len(reflect.TypeOf(rec))
}

// Queued returns a snapshot of the backlog items for rec's type, oldest
// first.
func (e *Engine) Queued(rec event.Record) []retry.Item {
	return e.backlog.Items(reflect.TypeOf(rec))
}

// InFlight reports whether id currently holds a delivery slot, either
// mid-fan-out or queued.
func (e *Engine) InFlight(id string) bool {
	return e.processed.Has(id)
}

// Handled reports whether the delivery holding id's slot has reached at
// least one handler. It is false once the slot is released.
func (e *Engine) Handled(id string) bool {
	handled, ok := e.processed.Get(id)
	return ok && handled
}

// BacklogStats returns retry queue statistics.
func (e *Engine) BacklogStats() retry.Stats {
	return e.backlog.Stats()
}

// Stats is a point-in-time view of the engine's dispatch state.
type Stats struct {
	Backlog     retry.Stats
	InFlight    int
	ActiveTasks int
	Tasks       schedule.SupervisorStats
}

// Stats returns the engine's current dispatch state.
func (e *Engine) Stats() Stats {
	return Stats{
		Backlog:     e.backlog.Stats(),
		InFlight:    e.processed.Len(),
		ActiveTasks: e.supervisor.Active(),
		Tasks:       e.supervisor.Stats(),
	}
}

// DeadLetters returns the dead-letter journal.
func (e *Engine) DeadLetters() deadletter.Store {
	return e.deadLetters
}
