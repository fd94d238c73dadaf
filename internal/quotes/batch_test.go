package quotes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Super-Protocol/price-proxy/internal/model"
)

func TestBuildBatchOrdersAndCaps(t *testing.T) {
	adapter := &stubBatchAdapter{stubAdapter: newStubAdapter("binance")}
	f := newServiceFixture(t, adapter)
	coord := NewBatchCoordinator(
		f.service.manager, f.registry, f.cache, f.service.metrics)

	requested := model.MustPair("BTC", "USDT")
	others := []model.Pair{
		model.MustPair("ETH", "USDT"),
		model.MustPair("SOL", "USDT"),
	}
	f.registry.TrackQuoteRequest(requested, "binance")
	for _, p := range others {
		f.registry.TrackQuoteRequest(p, "binance")
	}

	batch := coord.BuildBatch("binance", requested)
	require.NotEmpty(t, batch)
	assert.Equal(t, requested, batch[0])
	assert.Len(t, batch, 3, "requested pair appears once")
}

func TestFetchWithBatchFailsWhenRequestedPairMissing(t *testing.T) {
	adapter := &stubBatchAdapter{stubAdapter: newStubAdapter("binance")}
	adapter.prices["ETH/USDT"] = "3200"
	f := newServiceFixture(t, adapter)
	coord := NewBatchCoordinator(
		f.service.manager, f.registry, f.cache, f.service.metrics)

	requested := model.MustPair("BTC", "USDT")
	eth := model.MustPair("ETH", "USDT")

	_, err := coord.FetchWithBatch(context.Background(), "binance", requested, []model.Pair{requested, eth})
	assert.True(t, model.IsPriceNotFound(err))

	// The pair the provider did return is still cached.
	cached, ok := f.cache.Get("binance", eth)
	require.True(t, ok)
	assert.Equal(t, "3200", cached.Price)
}

func TestPrefetchBatchIsolatesChunkFailures(t *testing.T) {
	adapter := &stubBatchAdapter{stubAdapter: newStubAdapter("binance")}
	adapter.prices["BTC/USDT"] = "65000"
	f := newServiceFixture(t, adapter)
	coord := NewBatchCoordinator(
		f.service.manager, f.registry, f.cache, f.service.metrics)

	count := coord.PrefetchBatch(context.Background(), "binance", []model.Pair{
		model.MustPair("BTC", "USDT"),
		model.MustPair("NOPE", "USDT"),
	})
	assert.Equal(t, 1, count)

	_, ok := f.cache.Get("binance", model.MustPair("BTC", "USDT"))
	assert.True(t, ok)
}

func TestPrefetchBatchAllChunksFail(t *testing.T) {
	adapter := &stubBatchAdapter{stubAdapter: newStubAdapter("binance")}
	adapter.batchErr = errors.New("down")
	f := newServiceFixture(t, adapter)
	coord := NewBatchCoordinator(
		f.service.manager, f.registry, f.cache, f.service.metrics)

	count := coord.PrefetchBatch(context.Background(), "binance", []model.Pair{
		model.MustPair("BTC", "USDT"),
	})
	assert.Zero(t, count)
}
