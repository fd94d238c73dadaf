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

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubAdapter serves FX rates from Finnhub. Requires an api key.
type FinnhubAdapter struct {
	restAdapter
}

// NewFinnhubAdapter builds the adapter.
func NewFinnhubAdapter(cfg *config.SourceConfig, client *httpclient.Client) *FinnhubAdapter {
	return &FinnhubAdapter{
		restAdapter: restAdapter{name: model.SourceFinnhub, cfg: cfg, http: client},
	}
}

// FetchQuote fetches the rates table for the base currency and picks the
// quote from it.
func (a *FinnhubAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	base := strings.ToUpper(pair.Base)
	quote := strings.ToUpper(pair.Quote)

	resp, err := a.http.Get(ctx, "forex/rates", &httpclient.RequestOptions{
		Params: map[string]string{"base": base, "token": a.cfg.APIKey},
	})
	if err != nil {
		return model.Quote{}, err
	}
	if err := mapStatusError(a.name, pair, resp.Status); err != nil {
		return model.Quote{}, err
	}

	var body struct {
		Base  string                 `json:"base"`
		Quote map[string]json.Number `json:"quote"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	rate, ok := body.Quote[quote]
	if !ok {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, rate.String(), time.Now())
}
