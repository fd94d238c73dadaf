package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

func strPtr(s string) *string { return &s }

func resolverConfig() *config.Config {
	return &config.Config{
		PairsTTL: []config.PairTTL{
			{Pair: [2]string{"BTC", "USDT"}, Source: strPtr("binance"), TTL: 5000},
			{Pair: [2]string{"BTC", "USDT"}, TTL: 7000},
			{Pair: [2]string{"ETH", "USD"}, TTL: 9000},
		},
		Sources: config.SourcesConfig{
			"binance": {TTL: 10000},
			"kraken":  {TTL: 20000},
		},
	}
}

func TestTTLResolverFirstMatchWins(t *testing.T) {
	r := NewTTLResolver(resolverConfig())

	// Source-specific rule is listed first and wins for binance.
	assert.Equal(t, 5*time.Second, r.TTL("binance", model.MustPair("BTC", "USDT")))
	// Other sources fall through to the wildcard rule.
	assert.Equal(t, 7*time.Second, r.TTL("kraken", model.MustPair("BTC", "USDT")))
}

func TestTTLResolverWildcardAndDefault(t *testing.T) {
	r := NewTTLResolver(resolverConfig())

	assert.Equal(t, 9*time.Second, r.TTL("binance", model.MustPair("ETH", "USD")))
	assert.Equal(t, 9*time.Second, r.TTL("kraken", model.MustPair("eth", "usd")))
	// No override: source default.
	assert.Equal(t, 20*time.Second, r.TTL("kraken", model.MustPair("XRP", "EUR")))
}

func TestTTLResolverMemoizes(t *testing.T) {
	r := NewTTLResolver(resolverConfig())
	pair := model.MustPair("BTC", "USDT")

	first := r.TTL("binance", pair)
	// Mutating the rules after the first lookup must not change the answer.
	r.rules = nil
	assert.Equal(t, first, r.TTL("binance", pair))
}
