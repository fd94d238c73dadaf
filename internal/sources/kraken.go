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
)

const (
	krakenBaseURL      = "https://api.kraken.com/0/public"
	krakenDefaultBatch = 20
)

// KrakenAdapter serves tickers from Kraken, with comma-joined batch support.
// Kraken responds with canonical pair keys (e.g. "XXBTZUSD" for BTC/USD), so
// returned entries are matched back to requested pairs by asset normalization.
type KrakenAdapter struct {
	restAdapter
}

// NewKrakenAdapter builds the adapter.
func NewKrakenAdapter(cfg *config.SourceConfig, client *httpclient.Client) *KrakenAdapter {
	return &KrakenAdapter{
		restAdapter: restAdapter{name: model.SourceKraken, cfg: cfg, http: client},
	}
}

type krakenTickerResponse struct {
	Error  []string `json:"error"`
	Result map[string]struct {
		Close []string `json:"c"`
	} `json:"result"`
}

// FetchQuote fetches one pair.
func (a *KrakenAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	quotes, err := a.fetch(ctx, []model.Pair{pair})
	if err != nil {
		return model.Quote{}, err
	}
	if len(quotes) == 0 {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return quotes[0], nil
}

// FetchQuotes fetches several pairs in one call; unknown pairs fail the whole
// request on kraken's side, which the caller handles by falling back to
// single fetches.
func (a *KrakenAdapter) FetchQuotes(ctx context.Context, pairs []model.Pair) ([]model.Quote, error) {
	if err := checkBatch(a.name, pairs, a.MaxBatchSize()); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return []model.Quote{}, nil
	}
	return a.fetch(ctx, pairs)
}

// MaxBatchSize returns the configured batch limit.
func (a *KrakenAdapter) MaxBatchSize() int {
	if a.cfg.MaxBatchSize > 0 {
		return a.cfg.MaxBatchSize
	}
	return krakenDefaultBatch
}

func (a *KrakenAdapter) fetch(ctx context.Context, pairs []model.Pair) ([]model.Quote, error) {
	altnames := make([]string, len(pairs))
	for i, p := range pairs {
		altnames[i] = krakenAsset(p.Base) + krakenAsset(p.Quote)
	}

	resp, err := a.http.Get(ctx, "Ticker", &httpclient.RequestOptions{
		Params: map[string]string{"pair": strings.Join(altnames, ",")},
	})
	if err != nil {
		return nil, err
	}
	if resp.Status >= 300 {
		return nil, mapStatusError(a.name, pairs[0], resp.Status)
	}

	var body krakenTickerResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	if len(body.Error) > 0 {
		return nil, a.mapKrakenError(body.Error, pairs)
	}

	now := time.Now()
	quotes := make([]model.Quote, 0, len(body.Result))
	for key, ticker := range body.Result {
		if len(ticker.Close) == 0 {
			continue
		}
		pair, ok := matchKrakenKey(key, pairs)
		if !ok {
			continue
		}
		q, err := model.NewQuote(pair, ticker.Close[0], now)
		if err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func (a *KrakenAdapter) mapKrakenError(errs []string, pairs []model.Pair) error {
	joined := strings.Join(errs, "; ")
	switch {
	case strings.Contains(joined, "Unknown asset pair"):
		return &model.PriceNotFoundError{Source: a.name, Pair: pairs[0]}
	case strings.Contains(joined, "Rate limit"):
		return &model.RateLimitedError{Source: a.name}
	default:
		return &model.SourceAPIError{Source: a.name, Err: fmt.Errorf("kraken: %s", joined)}
	}
}

// krakenAsset maps common symbols to kraken's asset codes.
func krakenAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	switch s {
	case "BTC":
		return "XBT"
	case "DOGE":
		return "XDG"
	default:
		return s
	}
}

// matchKrakenKey resolves a canonical result key back to a requested pair.
// Kraken keys come in two shapes: the plain altname ("ADAUSD") or the padded
// canonical form ("XXBTZUSD").
func matchKrakenKey(key string, pairs []model.Pair) (model.Pair, bool) {
	for _, p := range pairs {
		base := krakenAsset(p.Base)
		quote := krakenAsset(p.Quote)
		if key == base+quote || key == "X"+base+"Z"+quote || key == "X"+base+quote || key == base+"Z"+quote {
			return p, true
		}
	}
	return model.Pair{}, false
}
