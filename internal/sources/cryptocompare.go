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

const (
	cryptocompareBaseURL      = "https://min-api.cryptocompare.com/data"
	cryptocompareDefaultBatch = 25
)

// CryptoCompareAdapter serves prices from the CryptoCompare min-api, with
// pricemulti batch support. Errors arrive in-band with HTTP 200.
type CryptoCompareAdapter struct {
	restAdapter
}

// NewCryptoCompareAdapter builds the adapter.
func NewCryptoCompareAdapter(cfg *config.SourceConfig, client *httpclient.Client) *CryptoCompareAdapter {
	return &CryptoCompareAdapter{
		restAdapter: restAdapter{name: model.SourceCryptoCompare, cfg: cfg, http: client},
	}
}

type cryptocompareStatus struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
}

// FetchQuote fetches one price via /price.
func (a *CryptoCompareAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	base := strings.ToUpper(pair.Base)
	quote := strings.ToUpper(pair.Quote)

	resp, err := a.http.Get(ctx, "price", &httpclient.RequestOptions{
		Params: map[string]string{"fsym": base, "tsyms": quote},
	})
	if err != nil {
		return model.Quote{}, err
	}
	if err := mapStatusError(a.name, pair, resp.Status); err != nil {
		return model.Quote{}, err
	}
	if err := a.checkInBand(resp.Body, pair); err != nil {
		return model.Quote{}, err
	}

	var prices map[string]json.Number
	if err := json.Unmarshal(resp.Body, &prices); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	price, ok := prices[quote]
	if !ok {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, price.String(), time.Now())
}

// FetchQuotes fetches several pairs via /pricemulti. The response covers the
// cross product of bases and quotes; only requested combinations are kept.
func (a *CryptoCompareAdapter) FetchQuotes(ctx context.Context, pairs []model.Pair) ([]model.Quote, error) {
	if err := checkBatch(a.name, pairs, a.MaxBatchSize()); err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return []model.Quote{}, nil
	}

	var bases, quotesList []string
	seenBase := map[string]bool{}
	seenQuote := map[string]bool{}
	for _, p := range pairs {
		b, q := strings.ToUpper(p.Base), strings.ToUpper(p.Quote)
		if !seenBase[b] {
			seenBase[b] = true
			bases = append(bases, b)
		}
		if !seenQuote[q] {
			seenQuote[q] = true
			quotesList = append(quotesList, q)
		}
	}

	resp, err := a.http.Get(ctx, "pricemulti", &httpclient.RequestOptions{
		Params: map[string]string{
			"fsyms": strings.Join(bases, ","),
			"tsyms": strings.Join(quotesList, ","),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := mapStatusError(a.name, pairs[0], resp.Status); err != nil {
		return nil, err
	}
	if err := a.checkInBand(resp.Body, pairs[0]); err != nil {
		return nil, err
	}

	var table map[string]map[string]json.Number
	if err := json.Unmarshal(resp.Body, &table); err != nil {
		return nil, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}

	now := time.Now()
	quotes := make([]model.Quote, 0, len(pairs))
	for _, p := range pairs {
		row, ok := table[strings.ToUpper(p.Base)]
		if !ok {
			continue
		}
		price, ok := row[strings.ToUpper(p.Quote)]
		if !ok {
			continue
		}
		q, err := model.NewQuote(p, price.String(), now)
		if err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// MaxBatchSize returns the configured batch limit.
func (a *CryptoCompareAdapter) MaxBatchSize() int {
	if a.cfg.MaxBatchSize > 0 {
		return a.cfg.MaxBatchSize
	}
	return cryptocompareDefaultBatch
}

// checkInBand maps cryptocompare's HTTP-200 error envelope to the taxonomy.
func (a *CryptoCompareAdapter) checkInBand(body []byte, pair model.Pair) error {
	var status cryptocompareStatus
	if json.Unmarshal(body, &status) != nil || status.Response != "Error" {
		return nil
	}
	msg := strings.ToLower(status.Message)
	switch {
	case strings.Contains(msg, "rate limit"):
		return &model.RateLimitedError{Source: a.name}
	case strings.Contains(msg, "api key"):
		return &model.UnauthorizedError{Source: a.name}
	default:
		return &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
}
