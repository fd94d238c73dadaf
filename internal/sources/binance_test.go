package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/netx/httpclient"
	"github.com/Super-Protocol/price-proxy/internal/netx/wsclient"
)

func testClient(t *testing.T, source model.SourceName, handler http.HandlerFunc) *httpclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := httpclient.New(httpclient.Options{
		Source:        source,
		BaseURL:       srv.URL,
		Timeout:       2 * time.Second,
		MaxConcurrent: 4,
	})
	require.NoError(t, err)
	return client
}

func newTestBinance(t *testing.T, handler http.HandlerFunc) *BinanceAdapter {
	t.Helper()
	cfg := &config.SourceConfig{Enabled: true, TTL: 60000}
	return NewBinanceAdapter(cfg, testClient(t, model.SourceBinance, handler), wsclient.Options{})
}

func TestBinanceFetchQuote(t *testing.T) {
	adapter := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_ = json.NewEncoder(w).Encode(map[string]string{"symbol": "BTCUSDT", "price": "65000.10"})
	})

	q, err := adapter.FetchQuote(context.Background(), model.MustPair("btc", "usdt"))
	require.NoError(t, err)
	assert.Equal(t, "65000.10", q.Price)
}

func TestBinanceInvalidSymbolIsPriceNotFound(t *testing.T) {
	adapter := newTestBinance(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})

	_, err := adapter.FetchQuote(context.Background(), model.MustPair("NOPE", "USDT"))
	assert.True(t, model.IsPriceNotFound(err))
}

func TestBinanceFetchQuotesMapsSymbolsBack(t *testing.T) {
	adapter := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `["BTCUSDT","ETHUSDT"]`, r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`[
			{"symbol":"ETHUSDT","price":"3200.5"},
			{"symbol":"BTCUSDT","price":"65000"}
		]`))
	})

	pairs := []model.Pair{model.MustPair("BTC", "USDT"), model.MustPair("ETH", "USDT")}
	quotes, err := adapter.FetchQuotes(context.Background(), pairs)
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	byKey := map[string]string{}
	for _, q := range quotes {
		byKey[q.Pair.Key()] = q.Price
	}
	assert.Equal(t, "65000", byKey["BTC/USDT"])
	assert.Equal(t, "3200.5", byKey["ETH/USDT"])
}

func TestBinanceFetchQuotesEnforcesBatchLimit(t *testing.T) {
	cfg := &config.SourceConfig{Enabled: true, MaxBatchSize: 2}
	adapter := NewBinanceAdapter(cfg, testClient(t, model.SourceBinance, func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("no upstream call expected")
	}), wsclient.Options{})

	pairs := []model.Pair{
		model.MustPair("BTC", "USDT"),
		model.MustPair("ETH", "USDT"),
		model.MustPair("SOL", "USDT"),
	}
	_, err := adapter.FetchQuotes(context.Background(), pairs)
	var batchErr *model.BatchSizeExceededError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 3, batchErr.Requested)
	assert.Equal(t, 2, batchErr.Max)
}

func TestBinancePairsFiltersNonTrading(t *testing.T) {
	adapter := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exchangeInfo", r.URL.Path)
		_, _ = w.Write([]byte(`{"symbols":[
			{"baseAsset":"BTC","quoteAsset":"USDT","status":"TRADING"},
			{"baseAsset":"OLD","quoteAsset":"USDT","status":"BREAK"}
		]}`))
	})

	pairs, err := adapter.Pairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "BTC", pairs[0].Base)
}

func TestBinanceStreamServiceNilWithoutConfig(t *testing.T) {
	adapter := newTestBinance(t, func(http.ResponseWriter, *http.Request) {})
	assert.Nil(t, adapter.StreamService())
}

func TestBinanceCodec(t *testing.T) {
	codec := binanceCodec()

	assert.Equal(t, "btcusdt@ticker", codec.IdentifierFor(model.MustPair("BTC", "USDT")))

	id, price, ok := codec.Decode([]byte(`{"stream":"btcusdt@ticker","data":{"c":"65000.1"}}`), nil)
	require.True(t, ok)
	assert.Equal(t, "btcusdt@ticker", id)
	assert.Equal(t, "65000.1", price)

	// Subscription acks carry no stream payload.
	_, _, ok = codec.Decode([]byte(`{"result":null,"id":1}`), nil)
	assert.False(t, ok)
}
