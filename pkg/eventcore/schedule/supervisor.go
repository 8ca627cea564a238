package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// TaskFunc is detached work owned by a Supervisor.
type TaskFunc func(ctx context.Context) error

// Supervisor spawns background work and observes its outcome.
// Errors and panics are logged and counted instead of being lost.
type Supervisor struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // orders wg.Add against Close
	closed   bool
	wg       sync.WaitGroup
	active   atomic.Int64
	started  atomic.Uint64
	failed   atomic.Uint64
	panicked atomic.Uint64
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger used for task failures.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSupervisor creates a supervisor. Tasks receive a context derived from
// parent that is cancelled by Close.
func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Go runs fn on a new goroutine. It returns false without running fn if the
// supervisor is closed.
func (s *Supervisor) Go(name string, fn TaskFunc) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.active.Add(1)
	s.started.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.run(name, fn)
	}()
	return true
}

func (s *Supervisor) run(name string, fn TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.panicked.Add(1)
			err := fmt.Errorf("task panic: %v", r)
			s.logger.Error("detached task panicked",
				slog.String("source", "schedule.supervisor"),
				slog.String("task", name),
				slog.String("error", err.Error()),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := fn(s.ctx); err != nil {
		s.failed.Add(1)
		s.logger.Error("detached task failed",
			slog.String("source", "schedule.supervisor"),
			slog.String("task", name),
			slog.String("error", err.Error()),
		)
	}
}

// Wait blocks until every started task has finished or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, cancels the task context and waits for running
// tasks until ctx ends. Close is idempotent.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.Wait(ctx)
}

// Active returns the number of running tasks.
func (s *Supervisor) Active() int {
	return int(s.active.Load())
}

// Stats returns supervisor counters.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		Started:  s.started.Load(),
		Failed:   s.failed.Load(),
		Panicked: s.panicked.Load(),
		Active:   s.active.Load(),
	}
}

// SupervisorStats provides statistics about detached work.
type SupervisorStats struct {
	Started  uint64
	Failed   uint64
	Panicked uint64
	Active   int64
}
