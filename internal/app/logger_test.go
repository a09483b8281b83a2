package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogAdapter_WithKeepsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	logger.With("tenant", "acme").Warn("conflict", "attempt", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "conflict", line["msg"])
	assert.Equal(t, "acme", line["tenant"])
	assert.Equal(t, float64(2), line["attempt"])
}

func TestNewSlog_Levels(t *testing.T) {
	ctx := t.Context()
	assert.True(t, NewSlog("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, NewSlog("info").Enabled(ctx, slog.LevelDebug))
	assert.False(t, NewSlog("error").Enabled(ctx, slog.LevelWarn))
	assert.True(t, NewSlog("unknown").Enabled(ctx, slog.LevelInfo))
}
