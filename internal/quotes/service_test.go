package quotes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Super-Protocol/price-proxy/internal/cache"
	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/registry"
	"github.com/Super-Protocol/price-proxy/internal/sources"
)

type stubAdapter struct {
	name model.SourceName
	cfg  *config.SourceConfig

	mu       sync.Mutex
	prices   map[string]string
	singles  int
	batchErr error
}

func newStubAdapter(name model.SourceName) *stubAdapter {
	return &stubAdapter{
		name:   name,
		cfg:    &config.SourceConfig{Enabled: true, TTL: 60000},
		prices: map[string]string{},
	}
}

func (a *stubAdapter) Name() model.SourceName       { return a.name }
func (a *stubAdapter) Config() *config.SourceConfig { return a.cfg }

func (a *stubAdapter) FetchQuote(_ context.Context, pair model.Pair) (model.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.singles++
	price, ok := a.prices[pair.Key()]
	if !ok {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, price, time.Now())
}

func (a *stubAdapter) singleCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.singles
}

type stubBatchAdapter struct {
	*stubAdapter
	batches [][]model.Pair
}

func (a *stubBatchAdapter) MaxBatchSize() int { return 10 }

func (a *stubBatchAdapter) FetchQuotes(_ context.Context, pairs []model.Pair) ([]model.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, pairs)
	if a.batchErr != nil {
		return nil, a.batchErr
	}
	var out []model.Quote
	for _, pair := range pairs {
		if price, ok := a.prices[pair.Key()]; ok {
			q, _ := model.NewQuote(pair, price, time.Now())
			out = append(out, q)
		}
	}
	return out, nil
}

type serviceFixture struct {
	registry *registry.Registry
	cache    *cache.Cache
	service  *Service
}

func newServiceFixture(t *testing.T, adapter sources.Adapter) *serviceFixture {
	t.Helper()
	mx := metrics.New(prometheus.NewRegistry())
	manager := sources.NewManager(mx, adapter)
	reg := registry.New(mx)
	t.Cleanup(reg.Close)

	cfg := &config.Config{
		Sources: config.SourcesConfig{
			string(adapter.Name()): {TTL: 60000},
		},
	}
	quoteCache := cache.New(cache.NewTTLResolver(cfg), cache.Options{}, mx)
	t.Cleanup(quoteCache.Close)

	batch := NewBatchCoordinator(manager, reg, quoteCache, mx)
	return &serviceFixture{
		registry: reg,
		cache:    quoteCache,
		service:  NewService(manager, reg, quoteCache, batch, mx),
	}
}

func TestGetQuoteFetchesAndCaches(t *testing.T) {
	adapter := newStubAdapter("kraken")
	adapter.prices["BTC/USDT"] = "65000"
	f := newServiceFixture(t, adapter)
	pair := model.MustPair("BTC", "USDT")

	resp, err := f.service.GetQuote(context.Background(), "kraken", pair)
	require.NoError(t, err)
	assert.Equal(t, "65000", resp.Price)
	assert.Equal(t, [2]string{"BTC", "USDT"}, resp.Pair)
	assert.True(t, f.registry.IsRegistered(pair, "kraken"))

	// Second call is a cache hit: no further upstream calls.
	_, err = f.service.GetQuote(context.Background(), "kraken", pair)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.singleCalls())
}

func TestGetQuoteUnknownAndDisabledSource(t *testing.T) {
	adapter := newStubAdapter("kraken")
	f := newServiceFixture(t, adapter)
	pair := model.MustPair("BTC", "USDT")

	_, err := f.service.GetQuote(context.Background(), "nasdaq", pair)
	var unsupported *model.SourceUnsupportedError
	assert.True(t, errors.As(err, &unsupported))

	adapter.cfg.Enabled = false
	_, err = f.service.GetQuote(context.Background(), "kraken", pair)
	var disabled *model.SourceDisabledError
	assert.True(t, errors.As(err, &disabled))
}

func TestPriceNotFoundDeregistersPair(t *testing.T) {
	adapter := newStubAdapter("kraken")
	f := newServiceFixture(t, adapter)
	pair := model.MustPair("NOPE", "USDT")

	_, err := f.service.GetQuote(context.Background(), "kraken", pair)
	assert.True(t, model.IsPriceNotFound(err))
	assert.False(t, f.registry.IsRegistered(pair, "kraken"))
}

func TestBatchPathFetchesCoRegisteredPairs(t *testing.T) {
	adapter := &stubBatchAdapter{stubAdapter: newStubAdapter("binance")}
	adapter.prices["BTC/USDT"] = "65000"
	adapter.prices["ETH/USDT"] = "3200"
	f := newServiceFixture(t, adapter)

	btc := model.MustPair("BTC", "USDT")
	eth := model.MustPair("ETH", "USDT")
	f.registry.TrackQuoteRequest(eth, "binance")

	resp, err := f.service.GetQuote(context.Background(), "binance", btc)
	require.NoError(t, err)
	assert.Equal(t, "65000", resp.Price)

	// The co-registered pair was cached by the same upstream call.
	cached, ok := f.cache.Get("binance", eth)
	require.True(t, ok)
	assert.Equal(t, "3200", cached.Price)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.batches, 1)
	assert.Equal(t, btc, adapter.batches[0][0], "requested pair goes first")
	assert.Zero(t, adapter.singles)
}

func TestBatchFailureFallsBackToSingleFetch(t *testing.T) {
	adapter := &stubBatchAdapter{stubAdapter: newStubAdapter("binance")}
	adapter.prices["BTC/USDT"] = "65000"
	adapter.batchErr = errors.New("upstream hiccup")
	f := newServiceFixture(t, adapter)

	f.registry.TrackQuoteRequest(model.MustPair("ETH", "USDT"), "binance")

	resp, err := f.service.GetQuote(context.Background(), "binance", model.MustPair("BTC", "USDT"))
	require.NoError(t, err)
	assert.Equal(t, "65000", resp.Price)
	assert.Equal(t, 1, adapter.singleCalls())
}

func TestSingleRegistrationSkipsBatchPath(t *testing.T) {
	adapter := &stubBatchAdapter{stubAdapter: newStubAdapter("binance")}
	adapter.prices["BTC/USDT"] = "65000"
	f := newServiceFixture(t, adapter)

	_, err := f.service.GetQuote(context.Background(), "binance", model.MustPair("BTC", "USDT"))
	require.NoError(t, err)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Empty(t, adapter.batches)
	assert.Equal(t, 1, adapter.singles)
}

func TestConcurrentMissesShareOneUpstreamCall(t *testing.T) {
	adapter := newStubAdapter("kraken")
	adapter.prices["BTC/USDT"] = "65000"
	f := newServiceFixture(t, adapter)
	pair := model.MustPair("BTC", "USDT")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.GetQuote(context.Background(), "kraken", pair)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Single-flight collapses the burst; allow a little slack for goroutines
	// that miss the first flight but hit the cache re-check.
	assert.LessOrEqual(t, adapter.singleCalls(), 2)
}
