// Package schedule provides the explicit scheduling primitives used by the
// dispatch core.
//
// Yielder is the cooperative suspension point the retry queue reaches after
// every batch, so backlog draining never monopolises the scheduler. Supervisor
// owns detached work (async handlers started by Publish, backlog flushes
// triggered by Subscribe) so that no goroutine's failure goes unobserved.
package schedule

import (
	"context"
	"runtime"
	"time"
)

// Yielder suspends the caller at a cooperative scheduling point.
// Yield returns ctx.Err() if the context ends while suspended.
type Yielder interface {
	Yield(ctx context.Context) error
}

// YieldFunc adapts a function to the Yielder interface.
type YieldFunc func(ctx context.Context) error

// Yield implements Yielder.
func (f YieldFunc) Yield(ctx context.Context) error {
	return f(ctx)
}

// Cooperative yields the processor to other goroutines and, when Pause is
// positive, sleeps for Pause. A zero Cooperative only calls runtime.Gosched.
type Cooperative struct {
	Pause time.Duration
}

// Yield implements Yielder.
func (c Cooperative) Yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	if c.Pause <= 0 {
		return nil
	}

	timer := time.NewTimer(c.Pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
