package quotes

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Super-Protocol/price-proxy/internal/cache"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/registry"
	"github.com/Super-Protocol/price-proxy/internal/sources"
)

// BatchCoordinator piggybacks a source's other registered pairs onto a single
// upstream batch call, so one cache miss refreshes the pairs that have waited
// longest.
type BatchCoordinator struct {
	manager  *sources.Manager
	registry *registry.Registry
	cache    *cache.Cache
	metrics  *metrics.Registry
}

// NewBatchCoordinator wires the coordinator.
func NewBatchCoordinator(m *sources.Manager, r *registry.Registry, c *cache.Cache, mx *metrics.Registry) *BatchCoordinator {
	return &BatchCoordinator{manager: m, registry: r, cache: c, metrics: mx}
}

// BuildBatch returns the requested pair first, then the source's other
// registrations oldest-fetch-first, capped at the source's batch limit.
func (b *BatchCoordinator) BuildBatch(source model.SourceName, requested model.Pair) []model.Pair {
	limit := b.manager.MaxBatchSize(source)
	batch := make([]model.Pair, 0, limit)
	batch = append(batch, requested)

	for _, reg := range b.registry.PairsBySourceWithTimestamps(source) {
		if len(batch) >= limit {
			break
		}
		if reg.Pair.Equal(requested) {
			continue
		}
		batch = append(batch, reg.Pair)
	}
	return batch
}

// FetchWithBatch issues one batch call and caches every returned quote. It
// fails with PriceNotFound when the response does not include the requested
// pair, and passes upstream errors through for the caller's fallback.
func (b *BatchCoordinator) FetchWithBatch(ctx context.Context, source model.SourceName, requested model.Pair, batch []model.Pair) (model.Quote, error) {
	if b.metrics != nil {
		b.metrics.BatchSize.WithLabelValues(string(source)).Observe(float64(len(batch)))
	}

	fetched, err := b.manager.FetchQuotes(ctx, source, batch)
	if err != nil {
		return model.Quote{}, err
	}

	var requestedQuote *model.Quote
	for i := range fetched {
		q := fetched[i]
		b.storeQuote(source, q)
		if q.Pair.Equal(requested) {
			requestedQuote = &fetched[i]
		}
	}
	if requestedQuote == nil {
		return model.Quote{}, &model.PriceNotFoundError{Source: source, Pair: requested}
	}
	return *requestedQuote, nil
}

// PrefetchBatch warms the cache for a set of pairs, chunked to the source's
// batch limit with chunks issued in parallel. Chunk failures are logged and
// isolated. Returns the number of quotes cached.
func (b *BatchCoordinator) PrefetchBatch(ctx context.Context, source model.SourceName, pairs []model.Pair) int {
	if len(pairs) == 0 {
		return 0
	}

	var cached atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range chunkPairs(pairs, b.manager.MaxBatchSize(source)) {
		chunk := chunk
		g.Go(func() error {
			fetched, err := b.manager.FetchQuotes(gctx, source, chunk)
			if err != nil {
				log.Warn().Err(err).
					Str("source", string(source)).
					Int("pairs", len(chunk)).
					Msg("prefetch chunk failed")
				return nil
			}
			for _, q := range fetched {
				b.storeQuote(source, q)
			}
			cached.Add(int64(len(fetched)))
			return nil
		})
	}
	_ = g.Wait()
	return int(cached.Load())
}

// storeQuote caches one fetched quote and books the registry side effects.
func (b *BatchCoordinator) storeQuote(source model.SourceName, q model.Quote) {
	b.cache.Set(source, q.Pair, q, 0)
	b.registry.TrackSuccessfulFetch(q.Pair, source)
	b.registry.TrackResponse(q.Pair, source)
	if b.metrics != nil {
		b.metrics.UpdateSourceLastUpdate(string(source), q.Pair.Key())
	}
}

func chunkPairs(pairs []model.Pair, size int) [][]model.Pair {
	if size < 1 {
		size = 1
	}
	chunks := make([][]model.Pair, 0, (len(pairs)+size-1)/size)
	for start := 0; start < len(pairs); start += size {
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}
		chunks = append(chunks, pairs[start:end])
	}
	return chunks
}
