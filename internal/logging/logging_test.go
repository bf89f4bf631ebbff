package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLoggerTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "debug", Writer: &buf}))
	t.Cleanup(Discard)

	log := Component("reindex")
	log.Info().Str("operation", "op-1").Msg("operation started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reindex", entry["component"])
	assert.Equal(t, "op-1", entry["operation"])
	assert.Equal(t, "info", entry["level"])
}

func TestInitFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "warn", Writer: &buf}))
	t.Cleanup(Discard)

	log := Component("cleanup")
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init(Options{Level: "loud"}))
}
