package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	cfg := &config.Config{
		Sources: config.SourcesConfig{
			"binance": {TTL: 60000},
		},
	}
	c := New(NewTTLResolver(cfg), opts, nil)
	t.Cleanup(c.Close)
	return c
}

func quoteOf(t *testing.T, pair model.Pair, price string) model.Quote {
	t.Helper()
	q, err := model.NewQuote(pair, price, time.Now())
	require.NoError(t, err)
	return q
}

func TestCacheSetGetDel(t *testing.T) {
	c := newTestCache(t, Options{})
	pair := model.MustPair("BTC", "USDT")

	_, ok := c.Get("binance", pair)
	assert.False(t, ok)

	c.Set("binance", pair, quoteOf(t, pair, "65000"), 0)
	cached, ok := c.Get("binance", pair)
	require.True(t, ok)
	assert.Equal(t, "65000", cached.Price)
	assert.Equal(t, model.SourceName("binance"), cached.Source)

	c.Del("binance", pair)
	_, ok = c.Get("binance", pair)
	assert.False(t, ok)
}

func TestCacheExpiryIsAMiss(t *testing.T) {
	c := newTestCache(t, Options{})
	pair := model.MustPair("BTC", "USDT")

	c.Set("binance", pair, quoteOf(t, pair, "65000"), 30*time.Millisecond)
	_, ok := c.Get("binance", pair)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("binance", pair)
	assert.False(t, ok)
}

func TestCacheMetadataAndRefresh(t *testing.T) {
	c := newTestCache(t, Options{})
	pair := model.MustPair("BTC", "USDT")
	c.Set("binance", pair, quoteOf(t, pair, "65000"), time.Minute)

	meta := c.Metadata()
	require.Len(t, meta, 1)
	m, ok := meta["quote:binance:BTC/USDT"]
	require.True(t, ok)
	assert.Equal(t, model.SourceName("binance"), m.Source)
	assert.True(t, m.ExpiresAt.After(m.CachedAt))

	time.Sleep(10 * time.Millisecond)
	c.UpdateRefreshTime("binance", pair)

	refreshed := c.Metadata()["quote:binance:BTC/USDT"]
	assert.True(t, refreshed.LastRefreshedAt.After(m.LastRefreshedAt))
	// The stored value is untouched.
	cached, ok := c.Get("binance", pair)
	require.True(t, ok)
	assert.Equal(t, "65000", cached.Price)
}

func TestCacheClear(t *testing.T) {
	c := newTestCache(t, Options{})
	c.Set("binance", model.MustPair("BTC", "USDT"), quoteOf(t, model.MustPair("BTC", "USDT"), "1"), 0)
	c.Set("binance", model.MustPair("ETH", "USDT"), quoteOf(t, model.MustPair("ETH", "USDT"), "2"), 0)

	c.Clear()
	assert.Empty(t, c.Metadata())
}

func TestStaleBatchEmission(t *testing.T) {
	c := newTestCache(t, Options{
		StaleTriggerBeforeExpiry: 80 * time.Millisecond,
		BatchInterval:            30 * time.Millisecond,
	})

	var mu sync.Mutex
	var batches []StaleBatch
	c.OnStaleBatch(func(b StaleBatch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	})

	btc := model.MustPair("BTC", "USDT")
	eth := model.MustPair("ETH", "USDT")
	// TTL 100ms, trigger 80ms before expiry: stale fires ~20ms in, batch
	// flushes ~30ms later.
	c.Set("binance", btc, quoteOf(t, btc, "65000"), 100*time.Millisecond)
	c.Set("binance", eth, quoteOf(t, eth, "3200"), 100*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, batches[0].Items, 2)
}

func TestStaleBatchesDeliveredOneAtATimeInOrder(t *testing.T) {
	c := newTestCache(t, Options{
		StaleTriggerBeforeExpiry: 80 * time.Millisecond,
		BatchInterval:            30 * time.Millisecond,
	})

	var mu sync.Mutex
	var delivered []StaleBatch
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	c.OnStaleBatch(func(b StaleBatch) {
		started <- struct{}{}
		<-release
		mu.Lock()
		delivered = append(delivered, b)
		mu.Unlock()
	})

	btc := model.MustPair("BTC", "USDT")
	eth := model.MustPair("ETH", "USDT")

	c.Set("binance", btc, quoteOf(t, btc, "65000"), 100*time.Millisecond)
	<-started

	// First batch is blocked inside the subscriber. The second batch window
	// opens and closes meanwhile; its delivery must wait, not overlap.
	c.Set("binance", eth, quoteOf(t, eth, "3200"), 100*time.Millisecond)
	select {
	case <-started:
		t.Fatal("second batch delivered while the first was still in flight")
	case <-time.After(200 * time.Millisecond):
	}

	release <- struct{}{}
	<-started
	release <- struct{}{}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, btc, delivered[0].Items[0].Pair)
	assert.Equal(t, eth, delivered[1].Items[0].Pair)
}

func TestMetadataCarriesEffectiveTTL(t *testing.T) {
	c := newTestCache(t, Options{StaleTriggerBeforeExpiry: 5 * time.Second})
	pair := model.MustPair("BTC", "USDT")

	c.Set("binance", pair, quoteOf(t, pair, "65000"), 10*time.Minute)
	m := c.Metadata()["quote:binance:BTC/USDT"]
	assert.Equal(t, int64(600000), m.TTLMs)
	assert.Equal(t, int64(5000), m.StaleTriggerBeforeExpiryMs)

	// Without an override the resolved source TTL is recorded.
	c.Set("binance", pair, quoteOf(t, pair, "65000"), 0)
	m = c.Metadata()["quote:binance:BTC/USDT"]
	assert.Equal(t, int64(60000), m.TTLMs)
}

func TestRefreshKeepsOverrideTTL(t *testing.T) {
	c := newTestCache(t, Options{})
	pair := model.MustPair("BTC", "USDT")

	// Override is far above the 60s source default; a refresh must not fall
	// back to the resolver.
	c.Set("binance", pair, quoteOf(t, pair, "65000"), 10*time.Minute)
	c.UpdateRefreshTime("binance", pair)

	m := c.Metadata()["quote:binance:BTC/USDT"]
	assert.Equal(t, int64(600000), m.TTLMs)
	assert.Greater(t, m.ExpiresAt.Sub(m.LastRefreshedAt), 5*time.Minute)
}

func TestStaleSkippedWithinMinRefreshWindow(t *testing.T) {
	c := newTestCache(t, Options{
		StaleTriggerBeforeExpiry: 80 * time.Millisecond,
		BatchInterval:            20 * time.Millisecond,
		MinTimeBetweenRefreshes:  time.Minute,
	})

	fired := make(chan struct{}, 1)
	c.OnStaleBatch(func(StaleBatch) { fired <- struct{}{} })

	pair := model.MustPair("BTC", "USDT")
	c.Set("binance", pair, quoteOf(t, pair, "65000"), 100*time.Millisecond)

	select {
	case <-fired:
		t.Fatal("stale event should have been suppressed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStaleTimerSkippedForShortTTL(t *testing.T) {
	c := newTestCache(t, Options{
		StaleTriggerBeforeExpiry: time.Minute,
		BatchInterval:            20 * time.Millisecond,
	})

	fired := make(chan struct{}, 1)
	c.OnStaleBatch(func(StaleBatch) { fired <- struct{}{} })

	pair := model.MustPair("BTC", "USDT")
	// Trigger window exceeds the TTL, so no timer is armed.
	c.Set("binance", pair, quoteOf(t, pair, "65000"), 50*time.Millisecond)

	select {
	case <-fired:
		t.Fatal("no stale event expected")
	case <-time.After(150 * time.Millisecond):
	}
}
