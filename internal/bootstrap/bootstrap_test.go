package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"signal_trader/internal/engine"
	"signal_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedRows = "timestamp,trade_count,total_qty,avg_size,buy_qty,sell_qty,avg_price,close_price,high_price,low_price\n" +
	"2024-05-01T12:00:00Z,10,1,0.1,0.5,0.5,100,100.5,100.9,100.1\n"

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`app:
  state_file: %[1]s/data/state.json
  signal_log: %[1]s/data/signals.jsonl
  feed_file: %[1]s/data/feed.csv
  event_log: %[1]s/data/events.jsonl
  journal_path: %[1]s/data/journal.db
exchange:
  name: mock
telemetry:
  enable_metrics: false
%[2]s`, dir, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigExpandsDotenv(t *testing.T) {
	dir := t.TempDir()
	const key = "SIGNAL_TRADER_TEST_SYMBOL"
	t.Cleanup(func() { os.Unsetenv(key) })

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(key+"=ETHUSDT\n"), 0o644))
	path := writeConfig(t, dir, "trading:\n  symbol: ${"+key+"}\n  base_asset: ETH\n")

	cfg, err := LoadConfig(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", cfg.Trading.Symbol)
	assert.Equal(t, "ETH", cfg.Trading.BaseAsset)
	assert.Equal(t, "USDT", cfg.Trading.QuoteAsset, "unset fields keep defaults")
	assert.DirExists(t, filepath.Join(dir, "data"))
}

func TestLoadConfigWithoutDotenv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	_, err := LoadConfig(path, filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}

func TestLoadConfigRejectsDirectorySignalLog(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data", "signals.jsonl"), 0o755))

	_, err := LoadConfig(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")
}

func TestBuildMockTraderPassesPreflight(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	cfg, err := LoadConfig(path, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.App.FeedFile, []byte(feedRows), 0o644))

	trader, err := Build(&App{Cfg: cfg, Logger: logging.NewNop()})
	require.NoError(t, err)
	defer trader.Close()

	require.NoError(t, trader.Preflight(context.Background()))

	runners := trader.Runners()
	require.Len(t, runners, 2, "engine and paper prices")
	_, isEngine := runners[0].(*engine.Engine)
	assert.True(t, isEngine)

	require.NoError(t, trader.Engine.Boot(context.Background()))
	st, err := trader.Store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.Position)
	assert.FileExists(t, cfg.App.StateFile)
}
