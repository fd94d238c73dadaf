// Package quotes is the read path: registration tracking, cache lookup, and
// the batch-or-single upstream fetch behind a single-flight gate.
package quotes

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Super-Protocol/price-proxy/internal/cache"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/registry"
	"github.com/Super-Protocol/price-proxy/internal/sources"
)

// QuoteResponse is the payload returned to API clients. Pair is serialized
// as a [base, quote] tuple.
type QuoteResponse struct {
	Source     model.SourceName `json:"source"`
	Pair       [2]string        `json:"pair"`
	Price      string           `json:"price"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// Service is the front door for quote reads.
type Service struct {
	manager  *sources.Manager
	registry *registry.Registry
	cache    *cache.Cache
	batch    *BatchCoordinator
	metrics  *metrics.Registry
	group    singleflight.Group
}

// NewService wires the quotes service.
func NewService(m *sources.Manager, r *registry.Registry, c *cache.Cache, b *BatchCoordinator, mx *metrics.Registry) *Service {
	return &Service{manager: m, registry: r, cache: c, batch: b, metrics: mx}
}

// GetQuote serves one quote: cache first, then a single-flighted upstream
// fetch that prefers the batch path when the source supports it.
func (s *Service) GetQuote(ctx context.Context, source model.SourceName, pair model.Pair) (QuoteResponse, error) {
	if _, err := s.manager.Adapter(source); err != nil {
		return QuoteResponse{}, err
	}
	s.registry.TrackQuoteRequest(pair, source)

	if cached, ok := s.cache.Get(source, pair); ok {
		s.metrics.CacheHits.WithLabelValues(string(source)).Inc()
		s.registry.TrackResponse(pair, source)
		s.metrics.ObserveQuoteDataAge(string(source), pair.Key(), cached.ReceivedAt)
		return response(source, cached.Quote), nil
	}

	s.metrics.CacheMisses.WithLabelValues(string(source)).Inc()
	s.metrics.CacheMissByPair.WithLabelValues(string(source), pair.Key()).Inc()

	v, err, _ := s.group.Do(string(source)+"|"+pair.Key(), func() (interface{}, error) {
		return s.fetchAndCache(ctx, source, pair)
	})
	if err != nil {
		s.bookError(source, pair, err)
		return QuoteResponse{}, err
	}
	quote := v.(model.Quote)
	s.registry.TrackResponse(pair, source)
	return response(source, quote), nil
}

// fetchAndCache is the upstream miss path, running once per concurrent key.
func (s *Service) fetchAndCache(ctx context.Context, source model.SourceName, pair model.Pair) (model.Quote, error) {
	// Another waiter may have populated the cache while this call queued.
	if cached, ok := s.cache.Get(source, pair); ok {
		return cached.Quote, nil
	}

	if s.manager.IsFetchQuotesSupported(source) {
		if batch := s.batch.BuildBatch(source, pair); len(batch) > 1 {
			quote, err := s.batch.FetchWithBatch(ctx, source, pair, batch)
			if err == nil {
				return quote, nil
			}
			log.Debug().Err(err).
				Str("source", string(source)).
				Str("pair", pair.Key()).
				Msg("batch fetch failed, falling back to single fetch")
		}
	}

	quote, err := s.manager.FetchQuote(ctx, source, pair)
	if err != nil {
		return model.Quote{}, err
	}
	s.cache.Set(source, pair, quote, 0)
	s.registry.TrackSuccessfulFetch(pair, source)
	s.metrics.UpdateSourceLastUpdate(string(source), pair.Key())
	return quote, nil
}

// bookError books error counters and drops registrations for pairs the
// source has said it cannot serve.
func (s *Service) bookError(source model.SourceName, pair model.Pair, err error) {
	switch {
	case model.IsPriceNotFound(err):
		s.metrics.PriceNotFoundTotal.WithLabelValues(string(source), pair.Key()).Inc()
		s.registry.RemovePairSource(pair, source)
	case model.IsUnauthorized(err):
		s.metrics.QuoteRequestErrors.WithLabelValues(string(source), pair.Key()).Inc()
		s.registry.RemovePairSource(pair, source)
	default:
		s.metrics.QuoteRequestErrors.WithLabelValues(string(source), pair.Key()).Inc()
	}
	s.metrics.AppErrors.WithLabelValues(model.ErrorType(err), string(source)).Inc()
}

func response(source model.SourceName, q model.Quote) QuoteResponse {
	return QuoteResponse{
		Source:     source,
		Pair:       [2]string{q.Pair.Base, q.Pair.Quote},
		Price:      q.Price,
		ReceivedAt: q.ReceivedAt,
	}
}
