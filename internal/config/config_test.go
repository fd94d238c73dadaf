package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
port: 9100
environment: test
logger:
  level: debug
  isPrettyEnabled: false
refetch:
  enabled: true
  staleTriggerBeforeExpiry: 5000
  batchInterval: 1000
  minTimeBetweenRefreshes: 2000
  failedPairsRetry:
    enabled: true
    maxAttempts: 5
    retryDelay: 10000
    checkInterval: 30000
pairCleanup:
  enabled: true
  inactiveTimeoutMs: 3600000
  cleanupIntervalMs: 60000
pairsTtl:
  - pair: [BTC, USDT]
    source: binance
    ttl: 5000
  - pair: [ETH, USD]
    ttl: 30000
sources:
  binance:
    enabled: true
    ttl: 10000
    maxConcurrent: 4
    timeoutMs: 5000
    rps: 10
    refetch: true
    maxBatchSize: 50
  kraken:
    enabled: true
    ttl: 15000
    maxConcurrent: 2
    timeoutMs: 5000
    rps: 1
    refetch: false
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, EnvTest, cfg.Environment)
	assert.Equal(t, 5*time.Second, cfg.Refetch.StaleTrigger())
	assert.Equal(t, 10*time.Second, cfg.Sources["binance"].TTLDuration())
	assert.Equal(t, 50, cfg.Sources["binance"].MaxBatchSize)
	require.NotNil(t, cfg.Sources["binance"].RPS)
	assert.Equal(t, 10.0, *cfg.Sources["binance"].RPS)

	require.Len(t, cfg.PairsTTL, 2)
	require.NotNil(t, cfg.PairsTTL[0].Source)
	assert.Equal(t, "binance", *cfg.PairsTTL[0].Source)
	assert.Nil(t, cfg.PairsTTL[1].Source)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sources: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad environment": "environment: staging\n",
		"unknown source":  "sources:\n  nasdaq:\n    enabled: true\n    ttl: 5000\n    maxConcurrent: 1\n    timeoutMs: 5000\n",
		"ttl too small":   "sources:\n  binance:\n    enabled: true\n    ttl: 500\n    maxConcurrent: 1\n    timeoutMs: 5000\n",
		"zero rps":        "sources:\n  binance:\n    enabled: true\n    ttl: 5000\n    maxConcurrent: 1\n    timeoutMs: 5000\n    rps: 0\n",
		"stale trigger out of range": `
refetch:
  enabled: true
  staleTriggerBeforeExpiry: 50
  batchInterval: 1000
  minTimeBetweenRefreshes: 2000
`,
		"pairsTtl below minimum": "pairsTtl:\n  - pair: [BTC, USDT]\n    ttl: 100\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}

func TestKeyedSourceWithoutKeyIsDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
sources:
  finnhub:
    enabled: true
    ttl: 5000
    maxConcurrent: 1
    timeoutMs: 5000
`))
	require.NoError(t, err)
	assert.False(t, cfg.Sources["finnhub"].Enabled)
}

func TestExpandSecretsFromEnv(t *testing.T) {
	t.Setenv("TEST_FINNHUB_KEY", "sekret")
	cfg, err := Load(writeConfig(t, `
sources:
  finnhub:
    enabled: true
    apiKey: ${TEST_FINNHUB_KEY}
    ttl: 5000
    maxConcurrent: 1
    timeoutMs: 5000
`))
	require.NoError(t, err)
	assert.Equal(t, "sekret", cfg.Sources["finnhub"].APIKey)
	assert.True(t, cfg.Sources["finnhub"].Enabled)
}

func TestProxyOptionAcceptsBoolOrURL(t *testing.T) {
	var boolOpt struct {
		UseProxy ProxyOption `yaml:"useProxy"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("useProxy: true\n"), &boolOpt))
	assert.True(t, boolOpt.UseProxy.Enabled)
	assert.Empty(t, boolOpt.UseProxy.URL)

	var urlOpt struct {
		UseProxy ProxyOption `yaml:"useProxy"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("useProxy: http://proxy:3128\n"), &urlOpt))
	assert.Equal(t, "http://proxy:3128", urlOpt.UseProxy.URL)
}
