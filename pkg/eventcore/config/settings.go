package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings are the tunables of the dispatch core.
type Settings struct {
	// MaxRetryAttempts is the number of failed redeliveries after which a
	// queued event is dropped.
	MaxRetryAttempts int `env:"EVENTCORE_MAX_RETRY_ATTEMPTS"`

	// BatchSize is the number of backlog items attempted between yields.
	BatchSize int `env:"EVENTCORE_BATCH_SIZE"`

	// AttemptTimeout bounds one redelivery attempt.
	AttemptTimeout time.Duration `env:"EVENTCORE_ATTEMPT_TIMEOUT"`

	// FlushInterval drives the backlog pump. Zero disables periodic flushing.
	FlushInterval time.Duration `env:"EVENTCORE_FLUSH_INTERVAL"`

	// DedupeWindow is how long completed event IDs are remembered.
	// Zero disables the window.
	DedupeWindow time.Duration `env:"EVENTCORE_DEDUPE_WINDOW"`

	// DeadLetterPath is the SQLite journal path. Empty keeps the journal
	// in memory.
	DeadLetterPath string `env:"EVENTCORE_DEAD_LETTER_PATH"`
}

// DefaultSettings returns the stock settings.
func DefaultSettings() Settings {
	return Settings{
		MaxRetryAttempts: 5,
		BatchSize:        10,
		AttemptTimeout:   5 * time.Second,
		FlushInterval:    0,
		DedupeWindow:     time.Minute,
	}
}

var settingKeys = []string{
	"max_retry_attempts",
	"batch_size",
	"attempt_timeout",
	"flush_interval",
	"dedupe_window",
	"dead_letter_path",
}

// SettingsFrom reads settings from sec, falling back to DefaultSettings for
// anything missing or malformed. Keys it does not recognise are an error so
// a misspelt setting is not silently ignored.
func SettingsFrom(sec Section) (Settings, error) {
	if unknown := sec.Unknown(settingKeys...); len(unknown) > 0 {
		return Settings{}, fmt.Errorf("unknown settings: %s", strings.Join(unknown, ", "))
	}
	d := DefaultSettings()
	return Settings{
		MaxRetryAttempts: sec.Int("max_retry_attempts", d.MaxRetryAttempts),
		BatchSize:        sec.Int("batch_size", d.BatchSize),
		AttemptTimeout:   sec.Duration("attempt_timeout", d.AttemptTimeout),
		FlushInterval:    sec.Duration("flush_interval", d.FlushInterval),
		DedupeWindow:     sec.Duration("dedupe_window", d.DedupeWindow),
		DeadLetterPath:   sec.String("dead_letter_path", d.DeadLetterPath),
	}, nil
}

// ApplyEnv overlays EVENTCORE_* environment variables onto s. Unset
// variables leave their field alone.
func (s *Settings) ApplyEnv() error {
	if err := env.Parse(s); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every out-of-range setting.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_retry_attempts must be at least 1, got %d", s.MaxRetryAttempts))
	}
	if s.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be at least 1, got %d", s.BatchSize))
	}
	if s.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("attempt_timeout must be positive, got %s", s.AttemptTimeout))
	}
	if s.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("flush_interval must not be negative, got %s", s.FlushInterval))
	}
	if s.DedupeWindow < 0 {
		errs = append(errs, fmt.Errorf("dedupe_window must not be negative, got %s", s.DedupeWindow))
	}
	return errors.Join(errs...)
}

// LoadSettings reads the eventcore section of the file at path (skipped when
// path is empty), applies the environment, and validates the result.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path != "" {
		sec, err := Load(path)
		if err != nil {
			return Settings{}, err
		}
		if s, err = SettingsFrom(sec); err != nil {
			return Settings{}, err
		}
	}
	if err := s.ApplyEnv(); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
