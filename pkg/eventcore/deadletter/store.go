// Package deadletter keeps an audit journal of events that were dropped after
// exhausting their redelivery budget.
//
// Entries are informational. Nothing in the journal is redelivered.
package deadletter

import (
	"context"
	"errors"
	"time"
)

// Store persists dead-letter entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save records an entry. Saving the same EventID again overwrites it.
	Save(ctx context.Context, entry Entry) error

	// List returns up to limit entries, most recently dropped first.
	// A limit <= 0 returns every entry.
	List(ctx context.Context, limit int) ([]Entry, error)

	// ListByType is List restricted to one event type.
	ListByType(ctx context.Context, eventType string, limit int) ([]Entry, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)

	// Delete removes an entry.
	// Returns nil if the entry doesn't exist.
	Delete(ctx context.Context, eventID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Entry describes one dropped event.
type Entry struct {
	EventID       string
	EventType     string
	Attempts      int
	LastError     string
	FirstQueuedAt time.Time
	DroppedAt     time.Time
}

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("dead-letter store closed")

// Open returns a SQLiteStore for path, or a MemoryStore when path is empty.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(path)
}
