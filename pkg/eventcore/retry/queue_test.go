package retry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/schedule"
)

type cardDrawn struct {
	event.Base
}

func newRecord(id string) *cardDrawn {
	return &cardDrawn{Base: event.NewBase(event.WithID(id))}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewDefaults(t *testing.T) {
	q := New[string](nil, Config[string]{})
	assert.Equal(t, 10, q.cfg.BatchSize)
	assert.Equal(t, 5*time.Second, q.cfg.AttemptTimeout)
	assert.Equal(t, 5, q.cfg.MaxRetryAttempts)
	assert.NotNil(t, q.cfg.Yielder)
	assert.NotNil(t, q.cfg.Logger)
	assert.NotNil(t, q.cfg.Supervisor)
}

func TestFlushDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	q := New[string](func(_ context.Context, rec event.Record) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, rec.ID())
		return true, nil
	}, Config[string]{Logger: quietLogger()})

	q.Enqueue("draw", newRecord("a"))
	q.Enqueue("draw", newRecord("b"))
	q.Enqueue("draw", newRecord("c"))
	assert.Equal(t, 3, q.Len("draw"))

	require.NoError(t, q.Flush(context.Background(), "draw"))

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, q.Len("draw"))
	assert.False(t, q.Has("draw"), "empty backlog should be removed")

	stats := q.Stats()
	assert.Equal(t, int64(3), stats.Enqueued)
	assert.Equal(t, int64(3), stats.Delivered)
}

func TestFlushUnknownKey(t *testing.T) {
	q := New[string](nil, Config[string]{})
	assert.NoError(t, q.Flush(context.Background(), "nothing"))
}

func TestFlushYieldsPerBatch(t *testing.T) {
	var yields atomic.Int32
	q := New[string](func(context.Context, event.Record) (bool, error) {
		return true, nil
	}, Config[string]{
		Logger: quietLogger(),
		Yielder: schedule.YieldFunc(func(context.Context) error {
			yields.Add(1)
			return nil
		}),
	})

	for i := 0; i < 25; i++ {
		q.Enqueue("draw", newRecord(string(rune('a'+i))))
	}
	require.NoError(t, q.Flush(context.Background(), "draw"))

	assert.Equal(t, int32(3), yields.Load(), "25 items in batches of 10")
}

func TestFlushStopsWhenYieldFails(t *testing.T) {
	var delivered atomic.Int32
	stop := errors.New("frame over")
	q := New[string](func(context.Context, event.Record) (bool, error) {
		delivered.Add(1)
		return true, nil
	}, Config[string]{
		BatchSize: 2,
		Logger:    quietLogger(),
		Yielder:   schedule.YieldFunc(func(context.Context) error { return stop }),
	})

	for i := 0; i < 5; i++ {
		q.Enqueue("draw", newRecord(string(rune('a'+i))))
	}
	assert.ErrorIs(t, q.Flush(context.Background(), "draw"), stop)
	assert.Equal(t, int32(2), delivered.Load())
	assert.Equal(t, 3, q.Len("draw"))
}

func TestFailedAttemptsAreRequeuedThenDropped(t *testing.T) {
	var dropped []*ecerrors.RetryExhausted
	var failures atomic.Int32
	q := New[string](func(context.Context, event.Record) (bool, error) {
		return false, nil
	}, Config[string]{
		MaxRetryAttempts: 3,
		Logger:           quietLogger(),
		OnAttemptFailed: func(string, Item, error) {
			failures.Add(1)
		},
		OnDrop: func(_ string, item Item, err *ecerrors.RetryExhausted) {
			dropped = append(dropped, err)
		},
	})

	q.Enqueue("draw", newRecord("lonely"))

	for i := 1; i <= 2; i++ {
		require.NoError(t, q.Flush(context.Background(), "draw"))
		items := q.Items("draw")
		require.Len(t, items, 1)
		assert.Equal(t, i, items[0].Attempts)
		assert.ErrorIs(t, items[0].LastErr, ecerrors.ErrNoSubscriber)
	}

	require.NoError(t, q.Flush(context.Background(), "draw"))
	assert.False(t, q.Has("draw"))
	require.Len(t, dropped, 1)
	assert.Equal(t, "lonely", dropped[0].EventID)
	assert.Equal(t, 3, dropped[0].Attempts)
	assert.ErrorIs(t, dropped[0], ecerrors.ErrNoSubscriber)
	assert.Equal(t, int32(3), failures.Load())
	assert.Equal(t, int64(1), q.Stats().Dropped)
}

func TestAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	q := New[string](func(ctx context.Context, _ event.Record) (bool, error) {
		<-release
		return true, nil
	}, Config[string]{
		AttemptTimeout: 10 * time.Millisecond,
		Logger:         quietLogger(),
	})

	q.Enqueue("draw", newRecord("slow"))
	require.NoError(t, q.Flush(context.Background(), "draw"))

	items := q.Items("draw")
	require.Len(t, items, 1)
	var timeout *ecerrors.DeliveryTimeout
	require.ErrorAs(t, items[0].LastErr, &timeout)
	assert.Equal(t, "slow", timeout.EventID)
}

func TestAttemptTimeoutWhenDeliveryHonoursContext(t *testing.T) {
	q := New[string](func(ctx context.Context, _ event.Record) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, Config[string]{
		AttemptTimeout: 10 * time.Millisecond,
		Logger:         quietLogger(),
	})

	q.Enqueue("draw", newRecord("slow"))
	require.NoError(t, q.Flush(context.Background(), "draw"))

	items := q.Items("draw")
	require.Len(t, items, 1)
	var timeout *ecerrors.DeliveryTimeout
	assert.ErrorAs(t, items[0].LastErr, &timeout)
}

func TestPermanentFailuresAreDroppedAtOnce(t *testing.T) {
	boom := errors.New("boom")
	var mu sync.Mutex
	dropped := map[string]*ecerrors.RetryExhausted{}
	q := New[string](func(_ context.Context, rec event.Record) (bool, error) {
		if rec.ID() == "panics" {
			panic("bad handler")
		}
		return true, boom
	}, Config[string]{
		Logger: quietLogger(),
		OnDrop: func(_ string, item Item, err *ecerrors.RetryExhausted) {
			mu.Lock()
			defer mu.Unlock()
			dropped[item.Record.ID()] = err
		},
	})

	q.Enqueue("draw", newRecord("errors"))
	q.Enqueue("draw", newRecord("panics"))
	require.NoError(t, q.Flush(context.Background(), "draw"))

	assert.False(t, q.Has("draw"), "permanent failures are not requeued")
	require.Len(t, dropped, 2)

	assert.Equal(t, 1, dropped["errors"].Attempts)
	assert.ErrorIs(t, dropped["errors"], boom)

	var fault *ecerrors.HandlerFault
	require.ErrorAs(t, dropped["panics"], &fault)
	assert.True(t, fault.Panicked)
	assert.NotEmpty(t, fault.Stack)
	assert.Equal(t, int64(2), q.Stats().Dropped)
}

func TestTransientFailuresAreRequeued(t *testing.T) {
	q := New[string](func(context.Context, event.Record) (bool, error) {
		return false, ecerrors.Transient(errors.New("table busy"), "redeliver")
	}, Config[string]{Logger: quietLogger()})

	q.Enqueue("draw", newRecord("busy"))
	require.NoError(t, q.Flush(context.Background(), "draw"))

	items := q.Items("draw")
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.True(t, ecerrors.IsRetryable(items[0].LastErr))
}

func TestCancelledFlushKeepsItemsUntouched(t *testing.T) {
	q := New[string](func(context.Context, event.Record) (bool, error) {
		return true, nil
	}, Config[string]{Logger: quietLogger()})

	q.Enqueue("draw", newRecord("a"))
	q.Enqueue("draw", newRecord("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Flush(ctx, "draw"), context.Canceled)

	items := q.Items("draw")
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Zero(t, it.Attempts)
	}
}

func TestConcurrentFlushCoalesces(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	q := New[string](func(_ context.Context, rec event.Record) (bool, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return true, nil
	}, Config[string]{Logger: quietLogger()})

	q.Enqueue("draw", newRecord("first"))

	done := make(chan error, 1)
	go func() { done <- q.Flush(context.Background(), "draw") }()
	<-entered

	q.Enqueue("draw", newRecord("second"))
	require.NoError(t, q.Flush(context.Background(), "draw"), "overlapping flush returns immediately")
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, int32(2), calls.Load(), "running flush drains again")
	assert.False(t, q.Has("draw"))
}

func TestMergedFlushOutlivesCancelledFlush(t *testing.T) {
	entered := make(chan struct{})
	var calls atomic.Int32
	q := New[string](func(ctx context.Context, _ event.Record) (bool, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return false, ctx.Err()
		}
		return true, nil
	}, Config[string]{Logger: quietLogger()})

	q.Enqueue("draw", newRecord("late"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Flush(ctx, "draw") }()
	<-entered

	require.NoError(t, q.Flush(context.Background(), "draw"), "merged into the running flush")
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int32(2), calls.Load(), "merged request drains under its own context")
	assert.Equal(t, 0, q.Len("draw"))
	assert.False(t, q.Has("draw"))
	assert.Equal(t, int64(1), q.Stats().Delivered)
}

func TestMergedFlushOutlivesFailedYield(t *testing.T) {
	stop := errors.New("frame over")
	var yields atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})

	var delivered atomic.Int32
	q := New[string](func(context.Context, event.Record) (bool, error) {
		delivered.Add(1)
		return true, nil
	}, Config[string]{
		BatchSize: 1,
		Logger:    quietLogger(),
		Yielder: schedule.YieldFunc(func(context.Context) error {
			if yields.Add(1) == 1 {
				close(entered)
				<-release
				return stop
			}
			return nil
		}),
	})

	q.Enqueue("draw", newRecord("a"))
	q.Enqueue("draw", newRecord("b"))

	done := make(chan error, 1)
	go func() { done <- q.Flush(context.Background(), "draw") }()
	<-entered

	require.NoError(t, q.Flush(context.Background(), "draw"))
	close(release)

	assert.ErrorIs(t, <-done, stop)
	assert.Equal(t, int32(2), delivered.Load())
	assert.False(t, q.Has("draw"))
}

func TestLateFailureIsReportedBySupervisor(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sup := schedule.NewSupervisor(context.Background(), schedule.WithLogger(logger))
	t.Cleanup(func() { _ = sup.Close(context.Background()) })

	release := make(chan struct{})
	q := New[string](func(context.Context, event.Record) (bool, error) {
		<-release
		return false, errors.New("table state corrupted")
	}, Config[string]{
		AttemptTimeout: 10 * time.Millisecond,
		Logger:         quietLogger(),
		Supervisor:     sup,
	})

	q.Enqueue("draw", newRecord("slow"))
	require.NoError(t, q.Flush(context.Background(), "draw"))

	items := q.Items("draw")
	require.Len(t, items, 1)
	var timeout *ecerrors.DeliveryTimeout
	require.ErrorAs(t, items[0].LastErr, &timeout)

	close(release)
	require.NoError(t, sup.Wait(context.Background()))
	assert.Equal(t, uint64(1), sup.Stats().Failed)
	assert.Contains(t, buf.String(), "table state corrupted")
	assert.Contains(t, buf.String(), "after its 10ms timeout")
}

func TestFlushWithClosedSupervisor(t *testing.T) {
	sup := schedule.NewSupervisor(context.Background())
	require.NoError(t, sup.Close(context.Background()))

	q := New[string](func(context.Context, event.Record) (bool, error) {
		return true, nil
	}, Config[string]{Logger: quietLogger(), Supervisor: sup})

	q.Enqueue("draw", newRecord("a"))
	assert.ErrorIs(t, q.Flush(context.Background(), "draw"), ErrClosed)

	items := q.Items("draw")
	require.Len(t, items, 1)
	assert.Zero(t, items[0].Attempts, "unattempted items keep their count")
}

func TestFlushAll(t *testing.T) {
	var delivered atomic.Int32
	q := New[string](func(context.Context, event.Record) (bool, error) {
		delivered.Add(1)
		return true, nil
	}, Config[string]{Logger: quietLogger()})

	q.Enqueue("draw", newRecord("a"))
	q.Enqueue("discard", newRecord("b"))
	assert.ElementsMatch(t, []string{"draw", "discard"}, q.Keys())

	require.NoError(t, q.FlushAll(context.Background()))
	assert.Equal(t, int32(2), delivered.Load())
	assert.Empty(t, q.Keys())
}

func TestClear(t *testing.T) {
	var discarded []string
	q := New[string](nil, Config[string]{
		OnDiscard: func(_ string, item Item) {
			discarded = append(discarded, item.Record.ID())
		},
	})

	q.Enqueue("draw", newRecord("a"))
	q.Enqueue("discard", newRecord("b"))

	assert.Equal(t, 2, q.Clear())
	assert.ElementsMatch(t, []string{"a", "b"}, discarded)
	assert.Empty(t, q.Keys())
	assert.Equal(t, 0, q.Stats().Backlog)
	assert.Equal(t, 0, q.Clear())
}

func TestClearDuringFlushDiscardsInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var discarded []string
	q := New[string](func(context.Context, event.Record) (bool, error) {
		close(entered)
		<-release
		return false, nil
	}, Config[string]{
		Logger: quietLogger(),
		OnDiscard: func(_ string, item Item) {
			mu.Lock()
			defer mu.Unlock()
			discarded = append(discarded, item.Record.ID())
		},
	})

	q.Enqueue("draw", newRecord("in-flight"))

	done := make(chan error, 1)
	go func() { done <- q.Flush(context.Background(), "draw") }()
	<-entered

	assert.Equal(t, 0, q.Clear(), "item being attempted is not in the backlog")
	close(release)
	require.NoError(t, <-done)

	assert.False(t, q.Has("draw"))
	mu.Lock()
	assert.Equal(t, []string{"in-flight"}, discarded)
	mu.Unlock()
}
