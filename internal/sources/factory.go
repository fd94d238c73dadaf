package sources

import (
	"fmt"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/netx/httpclient"
	"github.com/Super-Protocol/price-proxy/internal/netx/wsclient"
)

var defaultBaseURLs = map[model.SourceName]string{
	model.SourceBinance:          binanceBaseURL,
	model.SourceOKX:              okxBaseURL,
	model.SourceCoinbase:         coinbaseBaseURL,
	model.SourceKraken:           krakenBaseURL,
	model.SourceCryptoCompare:    cryptocompareBaseURL,
	model.SourceCoinGecko:        coingeckoBaseURL,
	model.SourceFinnhub:          finnhubBaseURL,
	model.SourceAlphaVantage:     alphavantageBaseURL,
	model.SourceExchangeRateHost: exchangeratehostBaseURL,
	model.SourceFrankfurter:      frankfurterBaseURL,
}

// Build constructs one adapter per configured source, each with its own
// rate-limited HTTP client.
func Build(cfg *config.Config, m *metrics.Registry) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(cfg.Sources))
	for name, sc := range cfg.Sources {
		source := model.SourceName(name)

		client, err := newClient(source, sc, cfg.Proxy, m)
		if err != nil {
			return nil, fmt.Errorf("build %s client: %w", name, err)
		}
		wsOpts := wsclient.Options{Metrics: m}

		switch source {
		case model.SourceBinance:
			adapters = append(adapters, NewBinanceAdapter(sc, client, wsOpts))
		case model.SourceOKX:
			adapters = append(adapters, NewOKXAdapter(sc, client, wsOpts))
		case model.SourceCoinbase:
			adapters = append(adapters, NewCoinbaseAdapter(sc, client))
		case model.SourceKraken:
			adapters = append(adapters, NewKrakenAdapter(sc, client))
		case model.SourceCryptoCompare:
			adapters = append(adapters, NewCryptoCompareAdapter(sc, client))
		case model.SourceCoinGecko:
			adapters = append(adapters, NewCoinGeckoAdapter(sc, client))
		case model.SourceFinnhub:
			adapters = append(adapters, NewFinnhubAdapter(sc, client))
		case model.SourceAlphaVantage:
			adapters = append(adapters, NewAlphaVantageAdapter(sc, client))
		case model.SourceExchangeRateHost:
			adapters = append(adapters, NewExchangeRateHostAdapter(sc, client))
		case model.SourceFrankfurter:
			adapters = append(adapters, NewFrankfurterAdapter(sc, client))
		default:
			return nil, &model.SourceUnsupportedError{Name: name}
		}
	}
	return adapters, nil
}

func newClient(source model.SourceName, sc *config.SourceConfig, globalProxy string, m *metrics.Registry) (*httpclient.Client, error) {
	baseURL := sc.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[source]
	}

	proxyURL := ""
	if sc.UseProxy.URL != "" {
		proxyURL = sc.UseProxy.URL
	} else if sc.UseProxy.Enabled {
		proxyURL = globalProxy
	}

	headers := map[string]string{"Accept": "application/json"}
	// CryptoCompare authenticates through a header; the other keyed
	// providers take the key as a query param inside their adapters.
	if source == model.SourceCryptoCompare && sc.APIKey != "" {
		headers["Authorization"] = "Apikey " + sc.APIKey
	}

	return httpclient.New(httpclient.Options{
		Source:         source,
		BaseURL:        baseURL,
		Timeout:        sc.Timeout(),
		RPS:            sc.RPS,
		MaxConcurrent:  sc.MaxConcurrent,
		ProxyURL:       proxyURL,
		DefaultHeaders: headers,
		Metrics:        m,
	})
}
