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

const exchangeratehostBaseURL = "https://api.exchangerate.host"

// ExchangeRateHostAdapter serves FX rates from exchangerate.host. Errors come
// in-band as {"success":false,"error":{"code":...}} with HTTP 200.
type ExchangeRateHostAdapter struct {
	restAdapter
}

// NewExchangeRateHostAdapter builds the adapter.
func NewExchangeRateHostAdapter(cfg *config.SourceConfig, client *httpclient.Client) *ExchangeRateHostAdapter {
	return &ExchangeRateHostAdapter{
		restAdapter: restAdapter{name: model.SourceExchangeRateHost, cfg: cfg, http: client},
	}
}

// FetchQuote fetches one rate via /live.
func (a *ExchangeRateHostAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	base := strings.ToUpper(pair.Base)
	quote := strings.ToUpper(pair.Quote)

	resp, err := a.http.Get(ctx, "live", &httpclient.RequestOptions{
		Params: map[string]string{
			"access_key": a.cfg.APIKey,
			"source":     base,
			"currencies": quote,
		},
	})
	if err != nil {
		return model.Quote{}, err
	}
	if err := mapStatusError(a.name, pair, resp.Status); err != nil {
		return model.Quote{}, err
	}

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code int    `json:"code"`
			Info string `json:"info"`
		} `json:"error"`
		Quotes map[string]json.Number `json:"quotes"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	if !body.Success {
		switch body.Error.Code {
		case 101, 102, 103: // missing/invalid/inactive access key
			return model.Quote{}, &model.UnauthorizedError{Source: a.name}
		case 104, 106: // monthly quota, rate limit
			return model.Quote{}, &model.RateLimitedError{Source: a.name}
		default:
			return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
		}
	}
	rate, ok := body.Quotes[base+quote]
	if !ok {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, rate.String(), time.Now())
}
