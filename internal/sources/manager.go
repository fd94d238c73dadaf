package sources

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

// Manager is the adapter registry. Every externally-callable operation is
// wrapped with single-flight coalescing and per-source metrics.
type Manager struct {
	adapters map[model.SourceName]Adapter
	metrics  *metrics.Registry

	fetchGroup singleflight.Group // keyed source|base/quote
	pairsGroup singleflight.Group // keyed source
}

// NewManager builds a manager over the given adapters.
func NewManager(m *metrics.Registry, adapters ...Adapter) *Manager {
	mgr := &Manager{
		adapters: make(map[model.SourceName]Adapter, len(adapters)),
		metrics:  m,
	}
	for _, a := range adapters {
		mgr.adapters[a.Name()] = a
	}
	return mgr
}

// Adapter resolves a source name to its enabled adapter.
func (m *Manager) Adapter(source model.SourceName) (Adapter, error) {
	a, ok := m.adapters[source]
	if !ok {
		return nil, &model.SourceUnsupportedError{Name: string(source)}
	}
	if !a.Config().Enabled {
		return nil, &model.SourceDisabledError{Name: source}
	}
	return a, nil
}

// Sources lists registered source names in stable order.
func (m *Manager) Sources() []model.SourceName {
	names := make([]model.SourceName, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// FetchQuote fetches a single pair through the adapter. Concurrent callers
// for the same (source, pair) share one upstream call and its outcome.
func (m *Manager) FetchQuote(ctx context.Context, source model.SourceName, pair model.Pair) (model.Quote, error) {
	a, err := m.Adapter(source)
	if err != nil {
		return model.Quote{}, err
	}

	key := string(source) + "|" + pair.Key()
	result, err, _ := m.fetchGroup.Do(key, func() (interface{}, error) {
		done := m.startTimer(source)
		quote, err := a.FetchQuote(ctx, pair)
		done()
		m.account(source, err, 1)
		if err != nil {
			return nil, err
		}
		return quote, nil
	})
	if err != nil {
		return model.Quote{}, err
	}
	return result.(model.Quote), nil
}

// FetchQuotes fetches a batch through a batch-capable adapter.
func (m *Manager) FetchQuotes(ctx context.Context, source model.SourceName, pairs []model.Pair) ([]model.Quote, error) {
	a, err := m.Adapter(source)
	if err != nil {
		return nil, err
	}
	batcher, ok := a.(BatchFetcher)
	if !ok {
		return nil, &model.SourceAPIError{Source: source, Err: errNoBatch}
	}
	if len(pairs) == 0 {
		return []model.Quote{}, nil
	}

	done := m.startTimer(source)
	quotes, err := batcher.FetchQuotes(ctx, pairs)
	done()
	m.account(source, err, len(quotes))
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

// Pairs enumerates the adapter's pair universe; concurrent callers for the
// same source share one upstream call.
func (m *Manager) Pairs(ctx context.Context, source model.SourceName) ([]model.Pair, error) {
	a, err := m.Adapter(source)
	if err != nil {
		return nil, err
	}
	lister, ok := a.(PairLister)
	if !ok {
		return nil, &model.SourceAPIError{Source: source, Err: errNoPairs}
	}

	result, err, _ := m.pairsGroup.Do(string(source), func() (interface{}, error) {
		done := m.startTimer(source)
		pairs, err := lister.Pairs(ctx)
		done()
		if err != nil {
			m.countRateLimit(source, err)
			return nil, err
		}
		return pairs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]model.Pair), nil
}

// IsFetchQuotesSupported reports whether the source's adapter can batch.
func (m *Manager) IsFetchQuotesSupported(source model.SourceName) bool {
	a, err := m.Adapter(source)
	if err != nil {
		return false
	}
	_, ok := a.(BatchFetcher)
	return ok
}

// MaxBatchSize returns the adapter's batch limit, or 1 when batching is not
// supported.
func (m *Manager) MaxBatchSize(source model.SourceName) int {
	a, err := m.Adapter(source)
	if err != nil {
		return 1
	}
	if batcher, ok := a.(BatchFetcher); ok && batcher.MaxBatchSize() > 0 {
		return batcher.MaxBatchSize()
	}
	return 1
}

// StreamingSources lists enabled sources that expose a stream service.
func (m *Manager) StreamingSources() []model.SourceName {
	var names []model.SourceName
	for name, a := range m.adapters {
		if !a.Config().Enabled {
			continue
		}
		if streamer, ok := a.(Streamer); ok && streamer.StreamService() != nil {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// StreamService resolves the stream service for a streaming source.
func (m *Manager) StreamService(source model.SourceName) (StreamService, error) {
	a, err := m.Adapter(source)
	if err != nil {
		return nil, err
	}
	streamer, ok := a.(Streamer)
	if !ok || streamer.StreamService() == nil {
		return nil, &model.SourceAPIError{Source: source, Err: errNoStream}
	}
	return streamer.StreamService(), nil
}

func (m *Manager) startTimer(source model.SourceName) func() {
	if m.metrics == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.metrics.SourceFetchDuration.
			WithLabelValues(string(source)).
			Observe(time.Since(start).Seconds())
	}
}

// account books the quotes_processed counter and rate-limit hits for one
// adapter call: batch length on success, 1 on error.
func (m *Manager) account(source model.SourceName, err error, count int) {
	if m.metrics == nil {
		return
	}
	if err != nil {
		m.countRateLimit(source, err)
		m.metrics.QuotesProcessed.WithLabelValues(string(source), "error").Inc()
		log.Debug().Err(err).Str("source", string(source)).Msg("adapter call failed")
		return
	}
	m.metrics.QuotesProcessed.WithLabelValues(string(source), "success").Add(float64(count))
}

func (m *Manager) countRateLimit(source model.SourceName, err error) {
	if model.IsRateLimited(err) && m.metrics != nil {
		m.metrics.RateLimitHits.WithLabelValues(string(source)).Inc()
	}
}
