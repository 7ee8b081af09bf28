package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `{
  "trading": {"test_mode": true, "timeframe": "5m"},
  "symbols": [{"symbol": "BTC/USDT:USDT", "leverage": 5, "trade_mode": "cross", "allocation": "0.2"}]
}`

func TestLoad_DefaultsAppliedAndSymbolIndexed(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OKX_API_KEY", "key")
	t.Setenv("OKX_SECRET", "secret")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "5m", s.Timeframe)
	require.Equal(t, "MED", s.MinConfidence)
	require.Equal(t, 5, s.MaxConcurrentTraders)
	require.True(t, s.TestMode)

	sc := s.GetSymbolConfig("BTC/USDT:USDT")
	require.Equal(t, 5, sc.Leverage)
	require.Equal(t, "0.2", sc.Allocation)

	unknown := s.GetSymbolConfig("ETH/USDT:USDT")
	require.Equal(t, "auto", unknown.Allocation)
}

func TestLoad_RequiresForceLiveWhenNotTestMode(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"trading": {"test_mode": false},
		"symbols": [{"symbol": "BTC/USDT:USDT"}]
	}`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OKX_API_KEY", "key")
	t.Setenv("OKX_SECRET", "secret")
	t.Setenv("FORCE_LIVE_TRADING", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OKX_API_KEY", "env-key")
	t.Setenv("OKX_SECRET", "env-secret")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "env-key", s.OKXAPIKey)
	require.Equal(t, "env-secret", s.OKXSecret)
}

func TestLoad_MissingCredentialsFails(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OKX_API_KEY", "")
	t.Setenv("OKX_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}
