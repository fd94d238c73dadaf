// Package sources defines the uniform adapter contract for upstream
// market-data providers and the manager that fronts them.
package sources

import (
	"context"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

// Adapter is the contract every provider implements. Optional capabilities
// (batching, universe enumeration, streaming) are separate interfaces checked
// by type assertion.
type Adapter interface {
	Name() model.SourceName
	Config() *config.SourceConfig
	FetchQuote(ctx context.Context, pair model.Pair) (model.Quote, error)
}

// BatchFetcher is implemented by adapters whose provider supports fetching
// several pairs in one call. Implementations must fail with
// BatchSizeExceeded before any upstream call when the input exceeds the
// limit, and may legitimately return a subset when the provider silently
// omits unknown pairs.
type BatchFetcher interface {
	Adapter
	FetchQuotes(ctx context.Context, pairs []model.Pair) ([]model.Quote, error)
	MaxBatchSize() int
}

// PairLister is implemented by adapters that can enumerate the provider's
// pair universe, for diagnostics.
type PairLister interface {
	Pairs(ctx context.Context) ([]model.Pair, error)
}

// Streamer is implemented by adapters whose provider pushes quotes over a
// persistent WebSocket.
type Streamer interface {
	StreamService() StreamService
}

// QuoteHandler receives quotes delivered by a stream subscription.
type QuoteHandler func(model.Quote)

// ErrorHandler receives per-subscription stream errors.
type ErrorHandler func(error)

// StreamService is the life cycle the streaming coordinator drives for one
// source. Subscribe returns an opaque subscription id used for teardown.
type StreamService interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Subscribe(pair model.Pair, onQuote QuoteHandler, onError ErrorHandler) (string, error)
	Unsubscribe(id string) error
}

// mapStatusError normalizes an upstream HTTP status into the error taxonomy.
// Adapters delegate here after any provider-specific in-band error handling.
func mapStatusError(source model.SourceName, pair model.Pair, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return &model.UnauthorizedError{Source: source}
	case status == 404:
		return &model.PriceNotFoundError{Source: source, Pair: pair}
	case status == 429:
		return &model.RateLimitedError{Source: source}
	default:
		return &model.SourceAPIError{Source: source, StatusCode: status}
	}
}

// checkBatch enforces the adapter's batch limit before any upstream call.
func checkBatch(source model.SourceName, pairs []model.Pair, max int) error {
	if max > 0 && len(pairs) > max {
		return &model.BatchSizeExceededError{Source: source, Requested: len(pairs), Max: max}
	}
	return nil
}
