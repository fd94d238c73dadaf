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

const alphavantageBaseURL = "https://www.alphavantage.co"

// AlphaVantageAdapter serves exchange rates from Alpha Vantage. The provider
// signals rate limiting in-band with a "Note" field on HTTP 200.
type AlphaVantageAdapter struct {
	restAdapter
}

// NewAlphaVantageAdapter builds the adapter.
func NewAlphaVantageAdapter(cfg *config.SourceConfig, client *httpclient.Client) *AlphaVantageAdapter {
	return &AlphaVantageAdapter{
		restAdapter: restAdapter{name: model.SourceAlphaVantage, cfg: cfg, http: client},
	}
}

// FetchQuote fetches one rate via CURRENCY_EXCHANGE_RATE.
func (a *AlphaVantageAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	resp, err := a.http.Get(ctx, "query", &httpclient.RequestOptions{
		Params: map[string]string{
			"function":      "CURRENCY_EXCHANGE_RATE",
			"from_currency": strings.ToUpper(pair.Base),
			"to_currency":   strings.ToUpper(pair.Quote),
			"apikey":        a.cfg.APIKey,
		},
	})
	if err != nil {
		return model.Quote{}, err
	}
	if err := mapStatusError(a.name, pair, resp.Status); err != nil {
		return model.Quote{}, err
	}

	var body struct {
		Rate struct {
			ExchangeRate string `json:"5. Exchange Rate"`
		} `json:"Realtime Currency Exchange Rate"`
		ErrorMessage string `json:"Error Message"`
		Note         string `json:"Note"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	switch {
	case body.Note != "":
		return model.Quote{}, &model.RateLimitedError{Source: a.name}
	case body.ErrorMessage != "" || body.Rate.ExchangeRate == "":
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, body.Rate.ExchangeRate, time.Now())
}
