package model

// SourceName identifies an upstream market-data provider.
type SourceName string

// Known providers. The set is closed: config keys outside this list are
// rejected at load time.
const (
	SourceBinance          SourceName = "binance"
	SourceOKX              SourceName = "okx"
	SourceCoinbase         SourceName = "coinbase"
	SourceKraken           SourceName = "kraken"
	SourceCryptoCompare    SourceName = "cryptocompare"
	SourceCoinGecko        SourceName = "coingecko"
	SourceFinnhub          SourceName = "finnhub"
	SourceAlphaVantage     SourceName = "alphavantage"
	SourceExchangeRateHost SourceName = "exchangeratehost"
	SourceFrankfurter      SourceName = "frankfurter"
)

// KnownSources lists every provider the engine understands, in a stable order.
var KnownSources = []SourceName{
	SourceBinance,
	SourceOKX,
	SourceCoinbase,
	SourceKraken,
	SourceCryptoCompare,
	SourceCoinGecko,
	SourceFinnhub,
	SourceAlphaVantage,
	SourceExchangeRateHost,
	SourceFrankfurter,
}

// IsKnownSource reports whether name is a recognized provider key.
func IsKnownSource(name string) bool {
	for _, s := range KnownSources {
		if string(s) == name {
			return true
		}
	}
	return false
}

func (s SourceName) String() string {
	return string(s)
}
