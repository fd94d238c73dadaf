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

const frankfurterBaseURL = "https://api.frankfurter.dev/v1"

// FrankfurterAdapter serves ECB reference rates from frankfurter.dev. No api
// key required; unknown currencies come back as HTTP 404.
type FrankfurterAdapter struct {
	restAdapter
}

// NewFrankfurterAdapter builds the adapter.
func NewFrankfurterAdapter(cfg *config.SourceConfig, client *httpclient.Client) *FrankfurterAdapter {
	return &FrankfurterAdapter{
		restAdapter: restAdapter{name: model.SourceFrankfurter, cfg: cfg, http: client},
	}
}

// FetchQuote fetches the latest rate for the pair.
func (a *FrankfurterAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	base := strings.ToUpper(pair.Base)
	quote := strings.ToUpper(pair.Quote)

	resp, err := a.http.Get(ctx, "latest", &httpclient.RequestOptions{
		Params: map[string]string{"base": base, "symbols": quote},
	})
	if err != nil {
		return model.Quote{}, err
	}
	if err := mapStatusError(a.name, pair, resp.Status); err != nil {
		return model.Quote{}, err
	}

	var body struct {
		Base  string                 `json:"base"`
		Rates map[string]json.Number `json:"rates"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	rate, ok := body.Rates[quote]
	if !ok {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, rate.String(), time.Now())
}

// Pairs enumerates supported currencies as pairs against every other
// currency frankfurter serves.
func (a *FrankfurterAdapter) Pairs(ctx context.Context) ([]model.Pair, error) {
	resp, err := a.http.Get(ctx, "currencies", nil)
	if err != nil {
		return nil, err
	}
	if err := mapStatusError(a.name, model.Pair{}, resp.Status); err != nil {
		return nil, err
	}

	var currencies map[string]string
	if err := json.Unmarshal(resp.Body, &currencies); err != nil {
		return nil, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}

	symbols := make([]string, 0, len(currencies))
	for sym := range currencies {
		symbols = append(symbols, sym)
	}

	var pairs []model.Pair
	for _, base := range symbols {
		for _, quote := range symbols {
			if base == quote {
				continue
			}
			pairs = append(pairs, model.Pair{Base: base, Quote: quote})
		}
	}
	return pairs, nil
}
