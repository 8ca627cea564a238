package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists dead-letter entries to SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) a dead-letter journal at path.
// Use ":memory:" for a throwaway journal.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			first_queued_at TEXT NOT NULL,
			dropped_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_type
		ON dead_letters(event_type, dropped_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, event_type, attempts, last_error, first_queued_at, dropped_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			event_type = excluded.event_type,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			first_queued_at = excluded.first_queued_at,
			dropped_at = excluded.dropped_at
	`,
		entry.EventID,
		entry.EventType,
		entry.Attempts,
		entry.LastError,
		formatTime(entry.FirstQueuedAt),
		formatTime(entry.DroppedAt),
	)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	return s.query(ctx, `
		SELECT event_id, event_type, attempts, last_error, first_queued_at, dropped_at
		FROM dead_letters
		ORDER BY dropped_at DESC, event_id
		LIMIT ?
	`, sqlLimit(limit))
}

// ListByType implements Store.
func (s *SQLiteStore) ListByType(ctx context.Context, eventType string, limit int) ([]Entry, error) {
	return s.query(ctx, `
		SELECT event_id, event_type, attempts, last_error, first_queued_at, dropped_at
		FROM dead_letters
		WHERE event_type = ?
		ORDER BY dropped_at DESC, event_id
		LIMIT ?
	`, eventType, sqlLimit(limit))
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var queuedAt, droppedAt string
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Attempts, &e.LastError, &queuedAt, &droppedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.FirstQueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
		e.DroppedAt, _ = time.Parse(time.RFC3339Nano, droppedAt)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// formatTime stores UTC with fixed-width nanoseconds so text ordering matches
// time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
