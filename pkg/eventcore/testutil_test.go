package eventcore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// Test record types used across tests

type fooEvent struct {
	event.Base
	N int
}

type barEvent struct {
	event.Base
}

type urgentEvent struct {
	event.Base
}

func (*urgentEvent) Critical() bool { return true }

// plainEvent implements event.Record without event.Base, so it has no
// disposed state of its own.
type plainEvent struct {
	id       string
	disposed int
	mu       sync.Mutex
}

func (p *plainEvent) ID() string            { return p.id }
func (p *plainEvent) Timestamp() time.Time  { return time.Time{} }
func (p *plainEvent) IsRePublishable() bool { return false }

func (p *plainEvent) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed++
}

func (p *plainEvent) disposals() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

func newFoo(opts ...event.Option) *fooEvent {
	return &fooEvent{Base: event.NewBase(opts...)}
}

// recorder collects the IDs and names of handler invocations.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// OnFoo is a method handler for fooEvent.
func (r *recorder) OnFoo(_ context.Context, e *fooEvent) error {
	r.add(e.ID())
	return nil
}

// OnBar is a method handler for barEvent.
func (r *recorder) OnBar(_ context.Context, e *barEvent) error {
	r.add(e.ID())
	return nil
}

// makeNamedHandler returns a handler that records name. Closures from one
// literal share a code pointer, so subscribe each with a distinct owner.
func makeNamedHandler(name string, r *recorder) Handler[*fooEvent] {
	return func(context.Context, *fooEvent) error {
		r.add(name)
		return nil
	}
}

// syncBuffer is a goroutine-safe log sink.
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

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestEngine creates an engine with a silent logger and closes it when
// the test ends.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := New(append([]Option{WithLogger(discardLogger)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

// newLoggedEngine is newTestEngine with captured JSON logs.
func newLoggedEngine(t *testing.T, opts ...Option) (*Engine, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return newTestEngine(t, append([]Option{WithLogger(logger)}, opts...)...), buf
}
