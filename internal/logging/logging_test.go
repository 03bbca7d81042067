package logging

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/satpi/internal/telemetry"
)

type recordingHub struct {
	mu     sync.Mutex
	events []any
}

func (r *recordingHub) BroadcastJSON(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v)
}

func TestNewFansOutToConsoleAndHub(t *testing.T) {
	var buf bytes.Buffer
	hub := &recordingHub{}

	logger, closeFn, err := New(Options{Level: "info", Stdout: &buf, Hub: hub})
	require.NoError(t, err)
	defer closeFn()

	log := NewComponentLogger(logger, "pipeline")
	log.Debug("hidden")
	log.Warn("demodulation failed", slog.String(FieldSatellite, "NOAA-19"), slog.String(FieldTier, "fallback"))

	assert.Contains(t, buf.String(), "demodulation failed")
	assert.NotContains(t, buf.String(), "hidden")

	require.Len(t, hub.events, 1)
	line, ok := hub.events[0].(telemetry.LogLine)
	require.True(t, ok)
	assert.Equal(t, telemetry.EventLog, line.Type)
	assert.Equal(t, "warn", line.Level)
	assert.Equal(t, "pipeline", line.Component)
	assert.Equal(t, "NOAA-19", line.Fields[FieldSatellite])
	assert.Equal(t, "fallback", line.Fields[FieldTier])
}

func TestNewWritesFile(t *testing.T) {
	path := t.TempDir() + "/logs/satpid.log"
	logger, closeFn, err := New(Options{Level: "debug", Format: "json", File: path, Stdout: &bytes.Buffer{}})
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, closeFn())
	assert.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
