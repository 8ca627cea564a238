package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for dispatch outcomes that are not faults.
var (
	// ErrDuplicatePublish indicates a non-republishable record was published
	// while in flight or after it already completed.
	ErrDuplicatePublish = errors.New("duplicate publish")

	// ErrNoSubscriber indicates no handler was registered for the record's type.
	ErrNoSubscriber = errors.New("no subscriber registered")

	// ErrEngineClosed indicates the engine has been closed.
	ErrEngineClosed = errors.New("engine closed")
)

// HandlerFault records one subscriber's failure during fan-out.
type HandlerFault struct {
	EventID   string
	EventType string
	Handler   string
	Err       error

	// Panicked is true when the handler panicked instead of returning Err.
	Panicked bool
	Stack    []byte
}

// Error implements the error interface.
func (e *HandlerFault) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler %s panicked on %s %s: %v", e.Handler, e.EventType, e.EventID, e.Err)
	}
	return fmt.Sprintf("handler %s failed on %s %s: %v", e.Handler, e.EventType, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerFault) Unwrap() error {
	return e.Err
}

// DeliveryTimeout indicates a backlog redelivery exceeded its time budget.
type DeliveryTimeout struct {
	EventID   string
	EventType string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *DeliveryTimeout) Error() string {
	return fmt.Sprintf("delivery of %s %s timed out after %s", e.EventType, e.EventID, e.Timeout)
}

// RetryExhausted indicates a backlog item was permanently dropped.
type RetryExhausted struct {
	EventID   string
	EventType string
	Attempts  int
	LastErr   error
}

// Error implements the error interface.
func (e *RetryExhausted) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s %s dropped after %d attempts: %v", e.EventType, e.EventID, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("%s %s dropped after %d attempts", e.EventType, e.EventID, e.Attempts)
}

// Unwrap returns the last delivery error.
func (e *RetryExhausted) Unwrap() error {
	return e.LastErr
}
