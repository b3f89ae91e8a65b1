package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paystream/internal/config"
	"github.com/gyaneshwarpardhi/paystream/internal/logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, logging.ParseLevel(in), in)
	}
}

func TestNew_JSONAndLevelChange(t *testing.T) {
	var buf bytes.Buffer
	log, level := logging.NewWithWriter(&buf, config.LogConf{Level: "warn", Format: "json"})

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	level.Set(slog.LevelDebug)
	log.Debug("shown", "tx_id", "t1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "t1", rec["tx_id"])
}
