package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestJSONHandlerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")
	log.Info("quiet")
	log.Warn("fan-out alert", "source", "10.0.0.1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "fan-out alert", rec["msg"])
	assert.Equal(t, "10.0.0.1", rec["source"])
}

func TestTextHandler(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "text").Info("started", "workers", 4)
	assert.Contains(t, buf.String(), "msg=started")
	assert.Contains(t, buf.String(), "workers=4")
}
