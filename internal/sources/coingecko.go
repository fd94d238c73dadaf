package sources

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/netx/httpclient"
)

const (
	coingeckoBaseURL    = "https://api.coingecko.com/api/v3"
	coinListTTL         = 24 * time.Hour
)

// CoinGeckoAdapter serves prices from CoinGecko's simple/price endpoint.
// CoinGecko keys coins by its own ids ("bitcoin", not "BTC"), so the adapter
// maintains a symbol→id map fetched lazily from /coins/list and refreshed
// once per day. Initialization is safe under concurrent fetches.
type CoinGeckoAdapter struct {
	restAdapter

	coinsMu      sync.Mutex
	coinIDs      map[string]string // lowercase symbol -> coingecko id
	coinsFetched time.Time
}

// NewCoinGeckoAdapter builds the adapter.
func NewCoinGeckoAdapter(cfg *config.SourceConfig, client *httpclient.Client) *CoinGeckoAdapter {
	return &CoinGeckoAdapter{
		restAdapter: restAdapter{name: model.SourceCoinGecko, cfg: cfg, http: client},
	}
}

// FetchQuote resolves the base symbol to a coin id and fetches its price in
// the quote currency.
func (a *CoinGeckoAdapter) FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error) {
	coinID, err := a.coinID(ctx, pair)
	if err != nil {
		return model.Quote{}, err
	}
	vs := strings.ToLower(pair.Quote)

	resp, err := a.http.Get(ctx, "simple/price", &httpclient.RequestOptions{
		Params: map[string]string{"ids": coinID, "vs_currencies": vs},
	})
	if err != nil {
		return model.Quote{}, err
	}
	if err := mapStatusError(a.name, pair, resp.Status); err != nil {
		return model.Quote{}, err
	}

	var prices map[string]map[string]json.Number
	if err := json.Unmarshal(resp.Body, &prices); err != nil {
		return model.Quote{}, &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}
	price, ok := prices[coinID][vs]
	if !ok {
		return model.Quote{}, &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return model.NewQuote(pair, price.String(), time.Now())
}

// coinID returns the coingecko id for the pair's base symbol, refreshing the
// coin list when it is older than a day.
func (a *CoinGeckoAdapter) coinID(ctx context.Context, pair model.Pair) (string, error) {
	a.coinsMu.Lock()
	defer a.coinsMu.Unlock()

	if a.coinIDs == nil || time.Since(a.coinsFetched) > coinListTTL {
		if err := a.refreshCoinList(ctx); err != nil {
			// A stale map is still better than failing the fetch.
			if a.coinIDs == nil {
				return "", err
			}
			log.Warn().Err(err).Msg("coingecko coin list refresh failed, using stale map")
		}
	}

	id, ok := a.coinIDs[strings.ToLower(pair.Base)]
	if !ok {
		return "", &model.PriceNotFoundError{Source: a.name, Pair: pair}
	}
	return id, nil
}

// refreshCoinList replaces the symbol→id map. Caller holds coinsMu.
func (a *CoinGeckoAdapter) refreshCoinList(ctx context.Context) error {
	resp, err := a.http.Get(ctx, "coins/list", nil)
	if err != nil {
		return err
	}
	if err := mapStatusError(a.name, model.Pair{}, resp.Status); err != nil {
		return err
	}

	var coins []struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(resp.Body, &coins); err != nil {
		return &model.SourceAPIError{Source: a.name, StatusCode: resp.Status, Err: err}
	}

	ids := make(map[string]string, len(coins))
	for _, coin := range coins {
		sym := strings.ToLower(coin.Symbol)
		// First id wins on symbol collisions; coingecko lists majors first.
		if _, exists := ids[sym]; !exists {
			ids[sym] = coin.ID
		}
	}
	a.coinIDs = ids
	a.coinsFetched = time.Now()
	log.Debug().Int("coins", len(ids)).Msg("coingecko coin list refreshed")
	return nil
}
