package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("TEST_BINANCE_API_KEY", "env_api_key")
	t.Setenv("TEST_BINANCE_SECRET_KEY", "env_secret_key")

	path := writeConfig(t, `
exchange:
  name: binance
  api_key: "${TEST_BINANCE_API_KEY}"
  secret_key: "${TEST_BINANCE_SECRET_KEY}"
trading:
  symbol: ETHUSDT
  base_asset: ETH
  tick_size: "0.01"
  sl_pct: 0.003
  entry_timeout: 45s
margin:
  enabled: true
  lending_step: "0.01"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env_api_key", cfg.Exchange.APIKey.Reveal())
	assert.Equal(t, "env_secret_key", cfg.Exchange.SecretKey.Reveal())
	assert.Equal(t, "ETHUSDT", cfg.Trading.Symbol)
	assert.Equal(t, "0.003", cfg.Trading.SLPct.String())
	assert.Equal(t, 45*time.Second, cfg.Trading.EntryTimeout)
	assert.True(t, cfg.Margin.Enabled)

	// untouched fields keep defaults
	assert.Equal(t, "USDT", cfg.Trading.QuoteAsset)
	assert.Equal(t, 200, cfg.Dedup.TailLines)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.Name = "binance"
	cfg.Trading.Symbol = ""
	cfg.Trading.ClientIDPrefix = "bad-prefix"
	cfg.Dedup.SeenCap = 1

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "exchange.api_key")
	assert.Contains(t, msg, "exchange.secret_key")
	assert.Contains(t, msg, "trading.symbol")
	assert.Contains(t, msg, "trading.client_id_prefix")
	assert.Contains(t, msg, "dedup.seen_cap")
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "super-secret-key"
	out := cfg.String()
	assert.NotContains(t, out, "super-secret-key")
	assert.Contains(t, out, "[REDACTED]")
}
