package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/kmansel/gridrunner/internal/config"
)

type syncBuffer struct {
	bytes.Buffer
}

func (b *syncBuffer) Sync() error { return nil }

func initTestLogger(t *testing.T, cfg config.LoggerConfig) *syncBuffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	buf := &syncBuffer{}
	Initialize(cfg, zapcore.AddSync(buf))
	return buf
}

func TestInitialize(t *testing.T) {
	t.Run("JSONFormatEmitsStructuredEntries", func(t *testing.T) {
		buf := initTestLogger(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "gridrunner"})

		GetLogger().Info("engine ready")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "engine ready", entry["msg"])
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "gridrunner", entry["logger"])
	})

	t.Run("LevelFiltersLowerEntries", func(t *testing.T) {
		buf := initTestLogger(t, config.LoggerConfig{Level: "warn", Format: "json", ServiceName: "gridrunner"})

		logger := GetLogger()
		logger.Info("should be dropped")
		logger.Warn("should be kept")

		out := buf.String()
		assert.NotContains(t, out, "should be dropped")
		assert.Contains(t, out, "should be kept")
	})

	t.Run("InvalidLevelFallsBackToInfo", func(t *testing.T) {
		buf := initTestLogger(t, config.LoggerConfig{Level: "verbose", Format: "json", ServiceName: "gridrunner"})

		GetLogger().Debug("debug is below the fallback level")
		GetLogger().Info("info passes")

		out := buf.String()
		assert.NotContains(t, out, "below the fallback")
		assert.Contains(t, out, "info passes")
	})

	t.Run("ConsoleFormatIsHumanReadable", func(t *testing.T) {
		buf := initTestLogger(t, config.LoggerConfig{Level: "info", Format: "console", ServiceName: "gridrunner"})

		GetLogger().Info("pool shut down")

		line := buf.String()
		assert.Contains(t, line, "INFO")
		assert.Contains(t, line, "gridrunner.")
		assert.Contains(t, line, "pool shut down")
		assert.False(t, strings.HasPrefix(line, "{"), "console output is not JSON")
	})

	t.Run("SecondInitializeIsIgnored", func(t *testing.T) {
		buf := initTestLogger(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"})

		second := &syncBuffer{}
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "second"}, zapcore.AddSync(second))

		GetLogger().Info("routed to the first sink")
		assert.Contains(t, buf.String(), "routed to the first sink")
		assert.Empty(t, second.String())
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}
