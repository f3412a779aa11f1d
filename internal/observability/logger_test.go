package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/relayloop/actiongate/internal/config"
)

func TestInitializeWritesStructuredOutput(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "actiongate",
	}, zapcore.AddSync(&buf))

	GetLogger().Info("approval pipeline started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "actiongate", entry["logger"])
	assert.Equal(t, "approval pipeline started", entry["msg"])
}

func TestInitializeInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{
		Level:  "chatty",
		Format: "json",
	}, zapcore.AddSync(&buf))

	GetLogger().Debug("should be filtered")
	assert.Empty(t, buf.String())

	GetLogger().Info("should pass")
	assert.Contains(t, buf.String(), "should pass")
}

func TestInitializeRunsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&first))
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&second))

	GetLogger().Info("single sink")
	assert.Contains(t, first.String(), "single sink")
	assert.Empty(t, second.String())
}

func TestInitializeFileSink(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logFile := filepath.Join(t.TempDir(), "actiongate.log")

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{
		Level:   "info",
		Format:  "console",
		LogFile: logFile,
		MaxSize: 1,
	}, zapcore.AddSync(&buf))

	GetLogger().Info("persisted entry")
	Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	// The file sink is JSON regardless of the console format.
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "persisted entry", entry["msg"])
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Equal(t, "fallback", logger.Name())
}

func TestSyncWithoutLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	// Must be a no-op before initialization.
	Sync()
}
