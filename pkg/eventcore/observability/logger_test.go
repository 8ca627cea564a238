package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

// captureLogger returns a JSON logger at debug level and its output buffer.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, &buf
}

// lastEntry decodes the last JSON line written to buf.
func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestEnrichLogger(t *testing.T) {
	t.Run("nil logger", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, SourceEngine, "T", "id"))
	})

	t.Run("adds fields", func(t *testing.T) {
		logger, buf := captureLogger()
		EnrichLogger(logger, SourceEngine, "*game.CardDrawn", "evt-1").Info("hello")

		entry := lastEntry(t, buf)
		assert.Equal(t, SourceEngine, entry["source"])
		assert.Equal(t, "*game.CardDrawn", entry["event_type"])
		assert.Equal(t, "evt-1", entry["event_id"])
	})
}

func TestLogHelpersNilSafe(t *testing.T) {
	err := errors.New("x")
	assert.NotPanics(t, func() {
		LogPublish(nil, "T", "id", 1, false)
		LogDuplicate(nil, "T", "id")
		LogQueued(nil, "T", "id")
		LogHandlerFault(nil, "T", "id", "h", err, false)
		LogDropped(nil, "T", "id", 5, err, true)
		LogDeadLetterError(nil, "id", "save", err)
	})
}

func TestLogHelpersLevels(t *testing.T) {
	tests := []struct {
		name    string
		log     func(*slog.Logger)
		level   string
		message string
		source  string
	}{
		{
			name:    "publish",
			log:     func(l *slog.Logger) { LogPublish(l, "T", "id", 2, true) },
			level:   "DEBUG",
			message: "publishing event",
			source:  SourceEngine,
		},
		{
			name:    "duplicate",
			log:     func(l *slog.Logger) { LogDuplicate(l, "T", "id") },
			level:   "DEBUG",
			message: "ignoring duplicate publish",
			source:  SourceEngine,
		},
		{
			name:    "queued",
			log:     func(l *slog.Logger) { LogQueued(l, "T", "id") },
			level:   "WARN",
			message: "no subscriber for event, queued for retry",
			source:  SourceEngine,
		},
		{
			name:    "handler fault",
			log:     func(l *slog.Logger) { LogHandlerFault(l, "T", "id", "h", errors.New("boom"), true) },
			level:   "ERROR",
			message: "event handler failed",
			source:  SourceEngine,
		},
		{
			name:    "dropped",
			log:     func(l *slog.Logger) { LogDropped(l, "T", "id", 5, nil, false) },
			level:   "WARN",
			message: "event dropped after exhausting retries",
			source:  SourceRetry,
		},
		{
			name:    "dropped critical",
			log:     func(l *slog.Logger) { LogDropped(l, "T", "id", 5, errors.New("x"), true) },
			level:   "ERROR",
			message: "event dropped after exhausting retries",
			source:  SourceRetry,
		},
		{
			name:    "dead letter error",
			log:     func(l *slog.Logger) { LogDeadLetterError(l, "id", "save", errors.New("disk full")) },
			level:   "WARN",
			message: "dead-letter journal failed",
			source:  SourceRetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := captureLogger()
			tt.log(logger)

			entry := lastEntry(t, buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.message, entry["msg"])
			assert.Equal(t, tt.source, entry["source"])
		})
	}
}

func TestLogCategories(t *testing.T) {
	logger, buf := captureLogger()

	LogHandlerFault(logger, "T", "id", "h", errors.New("boom"), false)
	assert.Equal(t, "permanent", lastEntry(t, buf)["category"])

	LogDropped(logger, "T", "id", 5, &ecerrors.DeliveryTimeout{EventID: "id", Timeout: time.Second}, false)
	assert.Equal(t, "transient", lastEntry(t, buf)["category"])
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 5*time.Millisecond)
}
