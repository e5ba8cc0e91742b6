package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "WARN")
	log.Info("trip_created", "trip_id", "t1")
	assert.Zero(t, buf.Len(), "info is below warn")

	log.Warn("event_publish_failed", "trip_id", "t1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "event_publish_failed", rec["msg"])
	assert.Equal(t, "t1", rec["trip_id"])
	assert.Contains(t, rec, "source")
}

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString(" debug "))
	assert.Equal(t, slog.LevelWarn, levelFromString("warning"))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("verbose"))
}
