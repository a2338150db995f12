package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelRouting(t *testing.T) {
	var stdout, stderr bytes.Buffer

	logger := New(Options{Level: "info", Format: "json", Stdout: &stdout, Stderr: &stderr})

	logger.Info().Str("event", "signup").Msg("tenant created")
	logger.Warn().Str("event", "quota_exceeded").Msg("free tier breached")
	logger.Error().Str("event", "unhandled_exception").Msg("boom")

	assert.Contains(t, stdout.String(), `"signup"`)
	assert.NotContains(t, stdout.String(), `"quota_exceeded"`)
	assert.Contains(t, stderr.String(), `"quota_exceeded"`)
	assert.Contains(t, stderr.String(), `"unhandled_exception"`)
}

func TestLineShape(t *testing.T) {
	var stdout, stderr bytes.Buffer

	logger := New(Options{Level: "info", Format: "json", Stdout: &stdout, Stderr: &stderr})
	logger.Info().Str("event", "publish").Str("request_id", "req-1").Msg("")

	var line map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &line))

	assert.Equal(t, "api", line["service"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "publish", line["event"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.NotEmpty(t, line["ts"])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var stdout, stderr bytes.Buffer

	logger := New(Options{Level: "info", Format: "json", Stdout: &stdout, Stderr: &stderr})
	logger.Debug().Msg("noise")

	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())
}
