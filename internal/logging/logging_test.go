package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "session").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "session", entry["component"])
	assert.Contains(t, entry, "time")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Format: "console"}, &buf)

	logger.Debug().Msg("filtered at default info level")
	logger.Info().Msg("model fitted")
	assert.Contains(t, buf.String(), "model fitted")
	assert.NotContains(t, buf.String(), "filtered")
	assert.NotContains(t, buf.String(), "{")
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))

	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}
