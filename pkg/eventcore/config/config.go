package config

import (
	"slices"
	"time"
)

// Section is the decoded eventcore block of a settings file, keyed by
// snake_case names. A lookup that misses, or finds a value of the wrong
// kind, returns the caller's fallback.
type Section struct {
	values map[string]any
}

// NewSection wraps values. A nil map is an empty section.
func NewSection(values map[string]any) Section {
	return Section{values: values}
}

// String returns the string stored under key.
func (s Section) String(key, fallback string) string {
	if v, ok := s.values[key].(string); ok {
		return v
	}
	return fallback
}

// Int returns the integer stored under key. Decoded JSON numbers arrive as
// float64 and are accepted when they have no fractional part.
func (s Section) Int(key string, fallback int) int {
	switch v := s.values[key].(type) {
	case int:
		return v
	case float64:
		if n := int(v); float64(n) == v {
			return n
		}
	}
	return fallback
}

// Duration returns the duration stored under key, written either as a
// time.ParseDuration string ("250ms", "1m30s") or as a number of seconds.
func (s Section) Duration(key string, fallback time.Duration) time.Duration {
	switch v := s.values[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return fallback
}

// Unknown returns, sorted, the keys of s that are not listed in known.
func (s Section) Unknown(known ...string) []string {
	var out []string
	for key := range s.values {
		if !slices.Contains(known, key) {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

