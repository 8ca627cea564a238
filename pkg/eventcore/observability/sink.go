package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SinkFunc receives one formatted log line from the dispatch core.
type SinkFunc func(message, source string, severity slog.Level)

// SinkHandler is an slog.Handler that forwards records to a SinkFunc.
// The "source" attribute becomes the source argument; every other attribute
// is appended to the message as key=value.
type SinkHandler struct {
	sink     SinkFunc
	minLevel slog.Leveler
	source   string
	prefix   string
	attrs    []string
	mu       *sync.Mutex
}

// SinkOption configures a SinkHandler.
type SinkOption func(*SinkHandler)

// WithMinLevel drops records below level. Default: slog.LevelInfo.
func WithMinLevel(level slog.Leveler) SinkOption {
	return func(h *SinkHandler) {
		h.minLevel = level
	}
}

// WithDefaultSource sets the source used when a record carries none.
func WithDefaultSource(source string) SinkOption {
	return func(h *SinkHandler) {
		h.source = source
	}
}

// NewSinkHandler creates a handler that calls sink for every enabled record.
// Calls into sink are serialised.
func NewSinkHandler(sink SinkFunc, opts ...SinkOption) *SinkHandler {
	h := &SinkHandler{
		sink:     sink,
		minLevel: slog.LevelInfo,
		source:   "eventcore",
		mu:       &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewSinkLogger is shorthand for slog.New(NewSinkHandler(sink, opts...)).
func NewSinkLogger(sink SinkFunc, opts ...SinkOption) *slog.Logger {
	return slog.New(NewSinkHandler(sink, opts...))
}

// Enabled implements slog.Handler.
func (h *SinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel.Level()
}

// Handle implements slog.Handler.
func (h *SinkHandler) Handle(_ context.Context, r slog.Record) error {
	source := h.source
	parts := append([]string(nil), h.attrs...)

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == SourceKey && h.prefix == "" {
			source = a.Value.String()
			return true
		}
		parts = appendAttr(parts, h.prefix, a)
		return true
	})

	msg := r.Message
	if len(parts) > 0 {
		msg = msg + " " + strings.Join(parts, " ")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink(msg, source, r.Level)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *SinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == SourceKey && h.prefix == "" {
			clone.source = a.Value.String()
			continue
		}
		clone.attrs = appendAttr(clone.attrs, h.prefix, a)
	}
	return &clone
}

// WithGroup implements slog.Handler.
func (h *SinkHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func appendAttr(parts []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return parts
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			parts = appendAttr(parts, prefix+a.Key+".", ga)
		}
		return parts
	}
	return append(parts, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value.Any()))
}
