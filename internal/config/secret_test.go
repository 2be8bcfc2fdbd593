package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecretNeverPrints(t *testing.T) {
	ex := ExchangeConfig{Name: "binance", APIKey: "live-key-123456", SecretKey: "s3cr3t"}

	assert.NotContains(t, fmt.Sprintf("%v %+v %#v %s", ex, ex, ex, ex.APIKey), "live-key")

	data, err := json.Marshal(ex)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cr3t")

	out, err := yaml.Marshal(ex)
	require.NoError(t, err)
	assert.Contains(t, string(out), redacted)
	assert.NotContains(t, string(out), "s3cr3t")

	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, "live-key-123456", ex.APIKey.Reveal())
}

func TestSecretYAMLTrims(t *testing.T) {
	var ex ExchangeConfig
	require.NoError(t, yaml.Unmarshal([]byte("api_key: \"  abcdefghijkl \"\nsecret_key: \"\"\n"), &ex))
	assert.Equal(t, "abcdefghijkl", ex.APIKey.Reveal())
	assert.True(t, ex.APIKey.IsSet())
	assert.False(t, ex.SecretKey.IsSet())
	assert.Equal(t, "...ijkl", ex.APIKey.Fingerprint())
	assert.Equal(t, redacted, Secret("short").Fingerprint())
}
