package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = ParseLevel("Warning")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestZapLogger_FieldsAndChildren(t *testing.T) {
	obs, logs := observer.New(zap.DebugLevel)
	logger := NewFromZap(zap.New(obs))

	child := logger.WithField("component", "engine").WithFields(map[string]interface{}{"symbol": "BTCUSDT"})
	child.Info("tick done", "positions", 1, 42) // dangling key is dropped

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "engine", ctx["component"])
	assert.Equal(t, "BTCUSDT", ctx["symbol"])
	assert.EqualValues(t, 1, ctx["positions"])
	assert.Len(t, ctx, 3)
}

func TestZapLogger_DecimalsKeepEveryDigit(t *testing.T) {
	obs, logs := observer.New(zap.DebugLevel)
	logger := NewFromZap(zap.New(obs))

	logger.Info("entry placed", "price", decimal.RequireFromString("100.510"), "qty", decimal.RequireFromString("0.00100"))

	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "100.51", ctx["price"])
	assert.Equal(t, "0.001", ctx["qty"])
}

func TestZapLogger_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.log")
	logger, err := NewZapLoggerWithFile("INFO", &FileOptions{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("filtered")
	logger.Warn("kept", "reason", "test")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.NotContains(t, string(data), "filtered")
}
