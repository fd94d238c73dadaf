package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/netx/httpclient"
	"github.com/Super-Protocol/price-proxy/internal/netx/wsclient"
)

const (
	binanceBaseURL      = "https://api.binance.com/api/v3"
	binanceWSURL        = "wss://stream.binance.com:9443/stream"
	binanceDefaultBatch = 100
)

// BinanceAdapter serves spot tickers from Binance, with batch support and a
// combined-stream WebSocket feed.
type BinanceAdapter struct {
	restAdapter
	stream *BaseStreamService
}

// NewBinanceAdapter builds the adapter; stream is nil unless configured.
func NewBinanceAdapter(cfg *config.SourceConfig, client *httpclient.Client, wsMetrics wsclient.Options) *BinanceAdapter {
	a := &BinanceAdapter{
		restAdapter: restAdapter{name: model.SourceBinance, cfg: cfg, http: client},
	}
	if cfg.Stream != nil {
		wsMetrics.URL = cfg.Stream.WSURL
		if wsMetrics.URL == "" {
			wsMetrics.URL = binanceWSURL
		}
		wsMetrics.AutoReconnect = cfg.Stream.AutoReconnect
		wsMetrics.ReconnectInterval = cfg.Stream.Reconnect()
		wsMetrics.MaxReconnectAttempts = cfg.Stream.MaxReconnectAttempts
		wsMetrics.PingInterval = cfg.Stream.Heartbeat()
		wsMetrics.ParseJSON = true
		a.stream = NewBaseStreamService(model.SourceBinance, binanceCodec(), wsMetrics)
	}
	return a
}

type binanceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// FetchQuote fetches one symbol through /ticker/price.
func (a *BinanceAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	resp, err := a.http.Get(ctx, "ticker/price", &httpclient.RequestOptions{
		Params: map[string]string{"symbol": binanceSymbol(pair)},
	})
	if err != nil {
		return model.Quote{}, err
	}
	if err := a.checkStatus(resp, pair); err != nil {
		return model.Quote{}, err
	}

	var ticker binanceTicker
	if err := json.Unmarshal(resp.Body, &ticker); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	return model.NewQuote(pair, ticker.Price, time.Now())
}

// FetchQuotes fetches up to MaxBatchSize symbols in one call.
func (a *BinanceAdapter) FetchQuotes(ctx context.Context, pairs []model.Pair) ([]model.Quote, error) {
	if err := checkBatch(a.name, pairs, a.MaxBatchSize()); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return []model.Quote{}, nil
	}

	symbols := make([]string, len(pairs))
	bySymbol := make(map[string]model.Pair, len(pairs))
	for i, p := range pairs {
		sym := binanceSymbol(p)
		symbols[i] = fmt.Sprintf("%q", sym)
		bySymbol[sym] = p
	}

	resp, err := a.http.Get(ctx, "ticker/price", &httpclient.RequestOptions{
		Params: map[string]string{"symbols": "[" + strings.Join(symbols, ",") + "]"},
	})
	if err != nil {
		return nil, err
	}
	if err := a.checkStatus(resp, model.Pair{}); err != nil {
		return nil, err
	}

	var tickers []binanceTicker
	if err := json.Unmarshal(resp.Body, &tickers); err != nil {
		return nil, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}

	now := time.Now()
	quotes := make([]model.Quote, 0, len(tickers))
	for _, t := range tickers {
		pair, ok := bySymbol[t.Symbol]
		if !ok {
			continue
		}
		q, err := model.NewQuote(pair, t.Price, now)
		if err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// MaxBatchSize returns the configured batch limit.
func (a *BinanceAdapter) MaxBatchSize() int {
	if a.cfg.MaxBatchSize > 0 {
		return a.cfg.MaxBatchSize
	}
	return binanceDefaultBatch
}

// Pairs enumerates trading symbols from /exchangeInfo.
func (a *BinanceAdapter) Pairs(ctx context.Context) ([]model.Pair, error) {
	var info struct {
		Symbols []struct {
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
		} `json:"symbols"`
	}
	resp, err := a.http.GetJSON(ctx, "exchangeInfo", nil, &info)
	if err != nil {
		return nil, err
	}
	if err := a.checkStatus(resp, model.Pair{}); err != nil {
		return nil, err
	}

	pairs := make([]model.Pair, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		pairs = append(pairs, model.Pair{Base: s.BaseAsset, Quote: s.QuoteAsset})
	}
	return pairs, nil
}

// StreamService exposes the WebSocket feed when configured.
func (a *BinanceAdapter) StreamService() StreamService {
	if a.stream == nil {
		return nil
	}
	return a.stream
}

// checkStatus maps binance statuses and in-band codes to the taxonomy.
// Code -1121 ("Invalid symbol.") arrives with HTTP 400 and means the pair
// does not exist on the venue.
func (a *BinanceAdapter) checkStatus(resp *httpclient.Response, pair model.Pair) error {
	if resp.Status >= 200 && resp.Status < 300 {
		return nil
	}
	var apiErr binanceError
	if json.Unmarshal(resp.Body, &apiErr) == nil && apiErr.Code == -1121 {
		return &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return mapStatusError(a.name, pair, resp.Status)
}

func binanceSymbol(pair model.Pair) string {
	return strings.ToUpper(pair.Base + pair.Quote)
}

// binanceCodec speaks the combined-stream protocol: subscriptions are
// "<symbol>@ticker" params, quotes arrive wrapped as {"stream":..,"data":..}.
func binanceCodec() StreamCodec {
	type wsRequest struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}
	return StreamCodec{
		IdentifierFor: func(pair model.Pair) string {
			return strings.ToLower(pair.Base+pair.Quote) + "@ticker"
		},
		SubscribeMsg: func(ids []string) interface{} {
			return wsRequest{Method: "SUBSCRIBE", Params: ids, ID: time.Now().UnixMilli()}
		},
		UnsubscribeMsg: func(ids []string) interface{} {
			return wsRequest{Method: "UNSUBSCRIBE", Params: ids, ID: time.Now().UnixMilli()}
		},
		Decode: func(raw []byte, _ interface{}) (string, string, bool) {
			var frame struct {
				Stream string `json:"stream"`
				Data   struct {
					LastPrice string `json:"c"`
				} `json:"data"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				return "", "", false
			}
			if frame.Stream == "" || frame.Data.LastPrice == "" {
				return "", "", false
			}
			return frame.Stream, frame.Data.LastPrice, true
		},
	}
}
