// Package errors classifies the failures the dispatch core can observe.
//
// The core never lets a handler failure escalate to the publisher; these
// types exist so that logs, metrics and the exhaustion hook can describe what
// went wrong:
//   - HandlerFault: one subscriber returned an error or panicked
//   - DeliveryTimeout: a backlog redelivery exceeded its time budget
//   - RetryExhausted: a backlog item was dropped after its last attempt
//   - ErrDuplicatePublish: a non-republishable record was published again
//   - ErrNoSubscriber: nothing was registered for the record's type
package errors

import (
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates a later attempt will likely help.
	// Examples: delivery timeouts, no subscriber registered yet.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retrying won't help.
	// Examples: handler faults, exhausted retry budgets.
	CategoryPermanent

	// CategoryIgnorable indicates the condition is expected and needs no
	// action beyond a debug log. Example: duplicate publishes.
	CategoryIgnorable
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryIgnorable:
		return "ignorable"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if errors.Is(err, ErrDuplicatePublish) {
		return CategoryIgnorable
	}

	if errors.Is(err, ErrNoSubscriber) {
		return CategoryTransient
	}

	var timeoutErr *DeliveryTimeout
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	var faultErr *HandlerFault
	if errors.As(err, &faultErr) {
		return CategoryPermanent
	}

	var exhaustedErr *RetryExhausted
	if errors.As(err, &exhaustedErr) {
		return CategoryPermanent
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
