package sources

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/netx/httpclient"
)

const coinbaseBaseURL = "https://api.exchange.coinbase.com"

// CoinbaseAdapter serves product tickers from Coinbase Exchange.
type CoinbaseAdapter struct {
	restAdapter
}

// NewCoinbaseAdapter builds the adapter.
func NewCoinbaseAdapter(cfg *config.SourceConfig, client *httpclient.Client) *CoinbaseAdapter {
	return &CoinbaseAdapter{
		restAdapter: restAdapter{name: model.SourceCoinbase, cfg: cfg, http: client},
	}
}

// FetchQuote fetches the product ticker; unknown products come back 404.
func (a *CoinbaseAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	productID := strings.ToUpper(pair.Base) + "-" + strings.ToUpper(pair.Quote)
	resp, err := a.http.Get(ctx, "products/"+productID+"/ticker", nil)
	if err != nil {
		return model.Quote{}, err
	}
	if err := mapStatusError(a.name, pair, resp.Status); err != nil {
		return model.Quote{}, err
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(resp.Body, &ticker); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	if ticker.Price == "" {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, ticker.Price, time.Now())
}

// Pairs enumerates online products.
func (a *CoinbaseAdapter) Pairs(ctx context.Context) ([]model.Pair, error) {
	resp, err := a.http.Get(ctx, "products", nil)
	if err != nil {
		return nil, err
	}
	if err := mapStatusError(a.name, model.Pair{}, resp.Status); err != nil {
		return nil, err
	}

	var products []struct {
		BaseCurrency  string `json:"base_currency"`
		QuoteCurrency string `json:"quote_currency"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &products); err != nil {
		return nil, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}

	pairs := make([]model.Pair, 0, len(products))
	for _, p := range products {
		if p.Status != "online" {
			continue
		}
		pairs = append(pairs, model.Pair{Base: p.BaseCurrency, Quote: p.QuoteCurrency})
	}
	return pairs, nil
}
