package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Super-Protocol/price-proxy/internal/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(nil)
	t.Cleanup(r.Close)
	return r
}

func TestTrackQuoteRequestRegisters(t *testing.T) {
	r := newTestRegistry(t)
	pair := model.MustPair("BTC", "USDT")

	r.TrackQuoteRequest(pair, "binance")
	assert.True(t, r.IsRegistered(pair, "binance"))
	assert.False(t, r.IsRegistered(pair, "kraken"))

	regs := r.AllRegistrations()
	require.Len(t, regs, 1)
	assert.False(t, regs[0].RegisteredAt.IsZero())
	assert.False(t, regs[0].LastRequestAt.IsZero())
	assert.True(t, regs[0].LastFetchAt.IsZero())
}

func TestRepeatRequestOnlyBumpsLastRequestAt(t *testing.T) {
	r := newTestRegistry(t)
	pair := model.MustPair("BTC", "USDT")

	r.TrackQuoteRequest(pair, "binance")
	first := r.AllRegistrations()[0]

	time.Sleep(5 * time.Millisecond)
	r.TrackQuoteRequest(pair, "binance")
	second := r.AllRegistrations()[0]

	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.True(t, second.LastRequestAt.After(first.LastRequestAt))
}

func TestReverseIndices(t *testing.T) {
	r := newTestRegistry(t)
	btc := model.MustPair("BTC", "USDT")
	eth := model.MustPair("ETH", "USDT")

	r.TrackQuoteRequest(btc, "binance")
	r.TrackQuoteRequest(eth, "binance")
	r.TrackQuoteRequest(btc, "kraken")

	assert.Equal(t, []model.Pair{btc, eth}, r.PairsBySource("binance"))
	assert.Equal(t, []model.Pair{btc}, r.PairsBySource("kraken"))
	assert.Equal(t, []model.SourceName{"binance", "kraken"}, r.SourcesByPair(btc))
}

func TestPairsBySourceWithTimestampsOrdersOldestFirst(t *testing.T) {
	r := newTestRegistry(t)
	btc := model.MustPair("BTC", "USDT")
	eth := model.MustPair("ETH", "USDT")

	r.TrackQuoteRequest(btc, "binance")
	r.TrackQuoteRequest(eth, "binance")

	r.TrackSuccessfulFetch(eth, "binance")
	time.Sleep(5 * time.Millisecond)
	r.TrackSuccessfulFetch(btc, "binance")

	regs := r.PairsBySourceWithTimestamps("binance")
	require.Len(t, regs, 2)
	assert.Equal(t, eth, regs[0].Pair)
	assert.Equal(t, btc, regs[1].Pair)
}

func TestRemovePairSource(t *testing.T) {
	r := newTestRegistry(t)
	pair := model.MustPair("BTC", "USDT")

	r.TrackQuoteRequest(pair, "binance")
	assert.True(t, r.RemovePairSource(pair, "binance"))
	assert.False(t, r.RemovePairSource(pair, "binance"))
	assert.Empty(t, r.PairsBySource("binance"))
	assert.Empty(t, r.SourcesByPair(pair))
}

func TestCleanupInactivePairs(t *testing.T) {
	r := newTestRegistry(t)
	stale := model.MustPair("BTC", "USDT")
	fresh := model.MustPair("ETH", "USDT")

	r.TrackQuoteRequest(stale, "binance")
	time.Sleep(30 * time.Millisecond)
	r.TrackQuoteRequest(fresh, "binance")

	removed := r.CleanupInactivePairs(20 * time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.False(t, r.IsRegistered(stale, "binance"))
	assert.True(t, r.IsRegistered(fresh, "binance"))
}

func TestEventsDeliveredToSubscribers(t *testing.T) {
	r := newTestRegistry(t)
	pair := model.MustPair("BTC", "USDT")

	var mu sync.Mutex
	var events []Event
	r.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	r.TrackQuoteRequest(pair, "binance")
	r.RemovePairSource(pair, "binance")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, PairAdded, events[0].Kind)
	assert.Equal(t, PairRemoved, events[1].Kind)
	assert.Equal(t, pair, events[0].Pair)
}
