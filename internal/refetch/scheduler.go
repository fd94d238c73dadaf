// Package refetch keeps cached quotes warm: it refreshes entries flagged
// stale by the cache, retries pairs that failed, and prefetches everything on
// bootstrap.
package refetch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Super-Protocol/price-proxy/internal/cache"
	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/registry"
	"github.com/Super-Protocol/price-proxy/internal/sources"
)

// Scheduler consumes stale batches and retry batches and turns them into
// upstream refreshes. An in-progress set keeps overlapping batches from
// refreshing the same (source, pair) twice.
type Scheduler struct {
	cfg      config.RefetchConfig
	manager  *sources.Manager
	registry *registry.Registry
	cache    *cache.Cache
	queue    *RetryQueue
	metrics  *metrics.Registry

	// refetchable holds sources with refetch enabled in config.
	refetchable map[model.SourceName]bool

	mu         sync.Mutex
	inProgress map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler wires the scheduler.
func NewScheduler(
	cfg config.RefetchConfig,
	sourcesCfg config.SourcesConfig,
	m *sources.Manager,
	r *registry.Registry,
	c *cache.Cache,
	q *RetryQueue,
	mx *metrics.Registry,
) *Scheduler {
	refetchable := make(map[model.SourceName]bool, len(sourcesCfg))
	for name, sc := range sourcesCfg {
		refetchable[model.SourceName(name)] = sc.Refetch
	}
	return &Scheduler{
		cfg:         cfg,
		manager:     m,
		registry:    r,
		cache:       c,
		queue:       q,
		metrics:     mx,
		refetchable: refetchable,
		inProgress:  make(map[string]struct{}),
	}
}

// Start hooks the scheduler into the cache and the retry queue. No-op when
// refetch is disabled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		log.Info().Msg("refetch disabled")
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cache.OnStaleBatch(s.handleStaleBatch)
	if s.queue != nil {
		s.queue.RegisterRetryCallback(s.handleRetryBatch)
	}
	log.Info().
		Dur("staleTrigger", s.cfg.StaleTrigger()).
		Dur("batchInterval", s.cfg.Batch()).
		Msg("refetch scheduler started")
}

// Stop cancels in-flight refreshes and waits for them.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// Bootstrap prefetches every registered pair of every refetch-enabled source
// once, sources in parallel. Called after all components are wired.
func (s *Scheduler) Bootstrap(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}

	bySource := make(map[model.SourceName][]model.Pair)
	for _, reg := range s.registry.AllRegistrations() {
		if s.refetchable[reg.Source] {
			bySource[reg.Source] = append(bySource[reg.Source], reg.Pair)
		}
	}
	if len(bySource) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for source, pairs := range bySource {
		source, pairs := source, pairs
		g.Go(func() error {
			s.refreshSourcePairs(gctx, source, pairs)
			return nil
		})
	}
	_ = g.Wait()
	log.Info().Int("sources", len(bySource)).Msg("bootstrap prefetch complete")
}

// handleStaleBatch refreshes the cache entries the staleness tracker flagged.
func (s *Scheduler) handleStaleBatch(batch cache.StaleBatch) {
	items := make([]FailedPair, 0, len(batch.Items))
	for _, it := range batch.Items {
		items = append(items, FailedPair{Source: it.Source, Pair: it.Pair})
	}
	s.refreshBatch(items)
}

// handleRetryBatch refreshes pairs the retry queue marked due.
func (s *Scheduler) handleRetryBatch(pairs []FailedPair) {
	s.refreshBatch(pairs)
}

// refreshBatch filters, groups by source, and fans out one refresh per
// source. Items already being refreshed, no longer registered, or belonging
// to non-refetch sources are skipped.
func (s *Scheduler) refreshBatch(items []FailedPair) {
	bySource := make(map[model.SourceName][]model.Pair)

	s.mu.Lock()
	for _, it := range items {
		key := string(it.Source) + "|" + it.Pair.Key()
		if _, busy := s.inProgress[key]; busy {
			continue
		}
		if !s.refetchable[it.Source] || !s.registry.IsRegistered(it.Pair, it.Source) {
			continue
		}
		s.inProgress[key] = struct{}{}
		bySource[it.Source] = append(bySource[it.Source], it.Pair)
	}
	s.mu.Unlock()

	if len(bySource) == 0 {
		return
	}

	for source, pairs := range bySource {
		source, pairs := source, pairs
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(source, pairs)
			s.refreshSourcePairs(s.ctx, source, pairs)
		}()
	}
}

func (s *Scheduler) release(source model.SourceName, pairs []model.Pair) {
	s.mu.Lock()
	for _, p := range pairs {
		delete(s.inProgress, string(source)+"|"+p.Key())
	}
	s.mu.Unlock()
}

// refreshSourcePairs refreshes a set of pairs on one source, batched when the
// adapter supports it.
func (s *Scheduler) refreshSourcePairs(ctx context.Context, source model.SourceName, pairs []model.Pair) {
	if len(pairs) == 0 {
		return
	}

	if s.manager.IsFetchQuotesSupported(source) && len(pairs) > 1 {
		s.refreshBatched(ctx, source, pairs)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			quote, err := s.manager.FetchQuote(gctx, source, pair)
			if err != nil {
				// Non-retryable outcomes de-register the pair instead of
				// cycling through the retry queue.
				if model.IsPriceNotFound(err) || model.IsUnauthorized(err) {
					log.Debug().Err(err).
						Str("source", string(source)).
						Str("pair", pair.Key()).
						Msg("refresh failed, removing pair")
					s.registry.RemovePairSource(pair, source)
					return nil
				}
				log.Debug().Err(err).
					Str("source", string(source)).
					Str("pair", pair.Key()).
					Msg("refresh failed, queueing retry")
				if s.queue != nil {
					s.queue.TrackFailedPair(source, pair)
				}
				return nil
			}
			s.storeQuote(source, quote)
			return nil
		})
	}
	_ = g.Wait()
}

// refreshBatched issues chunked batch calls in parallel, swallowing per-chunk
// failures so one bad chunk cannot starve the rest.
func (s *Scheduler) refreshBatched(ctx context.Context, source model.SourceName, pairs []model.Pair) {
	size := s.manager.MaxBatchSize(source)
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(pairs); start += size {
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}
		chunk := pairs[start:end]
		g.Go(func() error {
			fetched, err := s.manager.FetchQuotes(gctx, source, chunk)
			if err != nil {
				log.Warn().Err(err).
					Str("source", string(source)).
					Int("pairs", len(chunk)).
					Msg("batch refresh chunk failed")
				return nil
			}
			for _, q := range fetched {
				s.storeQuote(source, q)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) storeQuote(source model.SourceName, q model.Quote) {
	s.cache.Set(source, q.Pair, q, 0)
	s.registry.TrackSuccessfulFetch(q.Pair, source)
	if s.metrics != nil {
		s.metrics.UpdateSourceLastUpdate(string(source), q.Pair.Key())
	}
	if s.queue != nil {
		s.queue.RemoveFromRetryQueue(source, q.Pair)
	}
}
