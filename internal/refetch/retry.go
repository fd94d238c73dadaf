package refetch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

// FailedPair identifies one pair that failed its last refresh on a source.
type FailedPair struct {
	Source model.SourceName `json:"source"`
	Pair   model.Pair       `json:"pair"`
}

// RetryEntry is the queue's bookkeeping for one failed pair.
type RetryEntry struct {
	Source      model.SourceName `json:"source"`
	Pair        model.Pair       `json:"pair"`
	Attempt     int              `json:"attempt"`
	NextRetryAt time.Time        `json:"nextRetryAt"`
}

// RetryQueue holds pairs whose background refresh failed and periodically
// hands the due ones to a registered callback. The callback owns the actual
// retry and clears entries on success; the queue only evicts on its own when
// an entry exceeds the attempt budget.
type RetryQueue struct {
	cfg     config.RetryConfig
	metrics *metrics.Registry

	mu      sync.Mutex
	entries map[string]*RetryEntry

	cbMu     sync.Mutex
	callback func([]FailedPair)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetryQueue builds a stopped queue.
func NewRetryQueue(cfg config.RetryConfig, m *metrics.Registry) *RetryQueue {
	return &RetryQueue{
		cfg:     cfg,
		metrics: m,
		entries: make(map[string]*RetryEntry),
	}
}

func retryKey(source model.SourceName, pair model.Pair) string {
	return string(source) + "|" + pair.Key()
}

// RegisterRetryCallback sets the consumer for due entries. The last
// registration wins.
func (q *RetryQueue) RegisterRetryCallback(cb func([]FailedPair)) {
	q.cbMu.Lock()
	q.callback = cb
	q.cbMu.Unlock()
}

// TrackFailedPair records a failure. First sight enqueues with attempt 1;
// repeats bump the attempt counter until the budget is spent, at which point
// the entry is dropped for good.
func (q *RetryQueue) TrackFailedPair(source model.SourceName, pair model.Pair) {
	key := retryKey(source, pair)

	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok {
		q.entries[key] = &RetryEntry{
			Source:      source,
			Pair:        pair,
			Attempt:     1,
			NextRetryAt: time.Now().Add(q.cfg.Delay()),
		}
		size := len(q.entries)
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.FailedPairsRetries.WithLabelValues(string(source), pair.Key()).Inc()
			q.metrics.FailedPairs.Set(float64(size))
		}
		return
	}

	e.Attempt++
	if e.Attempt > q.cfg.MaxAttempts {
		delete(q.entries, key)
		size := len(q.entries)
		q.mu.Unlock()

		log.Warn().
			Str("source", string(source)).
			Str("pair", pair.Key()).
			Int("maxAttempts", q.cfg.MaxAttempts).
			Msg("pair exceeded retry budget, giving up")
		if q.metrics != nil {
			q.metrics.FailedPairsMaxAttempts.WithLabelValues(string(source), pair.Key()).Inc()
			q.metrics.FailedPairs.Set(float64(size))
		}
		return
	}
	e.NextRetryAt = time.Now().Add(q.cfg.Delay())
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.FailedPairsRetries.WithLabelValues(string(source), pair.Key()).Inc()
	}
}

// RemoveFromRetryQueue clears an entry after a successful refresh.
func (q *RetryQueue) RemoveFromRetryQueue(source model.SourceName, pair model.Pair) {
	q.mu.Lock()
	_, ok := q.entries[retryKey(source, pair)]
	if ok {
		delete(q.entries, retryKey(source, pair))
	}
	size := len(q.entries)
	q.mu.Unlock()

	if ok && q.metrics != nil {
		q.metrics.FailedPairs.Set(float64(size))
	}
}

// RetryStatus snapshots the queue, sorted by source then pair.
func (q *RetryQueue) RetryStatus() []RetryEntry {
	q.mu.Lock()
	out := make([]RetryEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Source == out[j].Source {
			return out[i].Pair.Key() < out[j].Pair.Key()
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Start launches the due-entry scan loop.
func (q *RetryQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.run(ctx)
	log.Info().
		Dur("checkInterval", q.cfg.Check()).
		Dur("retryDelay", q.cfg.Delay()).
		Int("maxAttempts", q.cfg.MaxAttempts).
		Msg("failed-pair retry queue started")
}

// Stop cancels the loop and waits for it to exit.
func (q *RetryQueue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
}

func (q *RetryQueue) run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.Check())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchDue()
		}
	}
}

// dispatchDue hands every due entry to the callback in one call.
func (q *RetryQueue) dispatchDue() {
	now := time.Now()

	q.mu.Lock()
	var due []FailedPair
	for _, e := range q.entries {
		if !now.Before(e.NextRetryAt) {
			due = append(due, FailedPair{Source: e.Source, Pair: e.Pair})
		}
	}
	q.mu.Unlock()

	if len(due) == 0 {
		return
	}

	q.cbMu.Lock()
	cb := q.callback
	q.cbMu.Unlock()
	if cb == nil {
		return
	}
	log.Debug().Int("pairs", len(due)).Msg("dispatching retry batch")
	cb(due)
}
