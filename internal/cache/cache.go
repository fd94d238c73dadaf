// Package cache holds quotes in memory with per-entry TTLs and raises stale
// events shortly before entries expire so the refetch scheduler can refresh
// them ahead of client demand.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

// Metadata describes one cache entry without exposing the stored quote.
// TTLMs is the effective TTL the entry was stored with, override included.
type Metadata struct {
	Source                     model.SourceName `json:"source"`
	Pair                       model.Pair       `json:"pair"`
	CachedAt                   time.Time        `json:"cachedAt"`
	ExpiresAt                  time.Time        `json:"expiresAt"`
	LastRefreshedAt            time.Time        `json:"lastRefreshedAt"`
	TTLMs                      int64            `json:"ttlMs"`
	StaleTriggerBeforeExpiryMs int64            `json:"staleTriggerBeforeExpiryMs"`
}

// StaleItem identifies an entry that is about to expire.
type StaleItem struct {
	Source model.SourceName
	Pair   model.Pair
}

// StaleBatch groups the stale items accrued in one batch window.
type StaleBatch struct {
	Items     []StaleItem
	Timestamp time.Time
}

// Options tune the staleness protocol. Staleness is disabled entirely when
// StaleTriggerBeforeExpiry is zero.
type Options struct {
	StaleTriggerBeforeExpiry time.Duration
	BatchInterval            time.Duration
	MinTimeBetweenRefreshes  time.Duration
}

type entry struct {
	quote      model.CachedQuote
	meta       Metadata
	staleTimer *time.Timer
}

// Cache is the TTL quote store. All entry and timer state lives behind one
// mutex; stale batches are queued off the timer goroutine and delivered one
// at a time, in arrival order, by a single dispatcher goroutine.
type Cache struct {
	opts    Options
	ttl     *TTLResolver
	metrics *metrics.Registry

	mu         sync.Mutex
	entries    map[string]*entry
	pending    []StaleItem
	batchTimer *time.Timer
	closed     bool

	subsMu sync.Mutex
	subs   []func(StaleBatch)

	// batchQueue is unbounded: stale batches must not drop.
	qmu        sync.Mutex
	qcond      *sync.Cond
	batchQueue []StaleBatch
	qclosed    bool
	done       chan struct{}
}

// New builds an empty cache and starts its batch dispatcher.
func New(ttl *TTLResolver, opts Options, m *metrics.Registry) *Cache {
	c := &Cache{
		opts:    opts,
		ttl:     ttl,
		metrics: m,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	c.qcond = sync.NewCond(&c.qmu)
	go c.dispatch()
	return c
}

func cacheKey(source model.SourceName, pair model.Pair) string {
	return "quote:" + string(source) + ":" + pair.Key()
}

// OnStaleBatch registers a subscriber for stale batches. Subscribers run
// serially per batch.
func (c *Cache) OnStaleBatch(fn func(StaleBatch)) {
	c.subsMu.Lock()
	c.subs = append(c.subs, fn)
	c.subsMu.Unlock()
}

// Get returns the cached quote for (source, pair), or ok=false on a miss.
// Expired entries count as misses and are evicted on the way out.
func (c *Cache) Get(source model.SourceName, pair model.Pair) (model.CachedQuote, bool) {
	key := cacheKey(source, pair)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return model.CachedQuote{}, false
	}
	if time.Now().After(e.meta.ExpiresAt) {
		c.evictLocked(key, e)
		c.mu.Unlock()
		return model.CachedQuote{}, false
	}
	q := e.quote
	c.mu.Unlock()
	return q, true
}

// Set stores a quote. A non-zero ttlOverride bypasses the resolver.
func (c *Cache) Set(source model.SourceName, pair model.Pair, quote model.Quote, ttlOverride time.Duration) {
	ttl := ttlOverride
	if ttl <= 0 {
		ttl = c.ttl.TTL(source, pair)
	}
	now := time.Now()
	key := cacheKey(source, pair)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	e, existed := c.entries[key]
	if !existed {
		e = &entry{}
		c.entries[key] = e
	} else if e.staleTimer != nil {
		e.staleTimer.Stop()
		e.staleTimer = nil
	}
	e.quote = model.CachedQuote{Quote: quote, Source: source, CachedAt: now}
	e.meta = Metadata{
		Source:                     source,
		Pair:                       pair,
		CachedAt:                   now,
		ExpiresAt:                  now.Add(ttl),
		LastRefreshedAt:            now,
		TTLMs:                      ttl.Milliseconds(),
		StaleTriggerBeforeExpiryMs: c.opts.StaleTriggerBeforeExpiry.Milliseconds(),
	}
	c.armStaleTimerLocked(key, e, ttl, source, pair)
	c.mu.Unlock()

	if !existed && c.metrics != nil {
		c.metrics.CacheSize.WithLabelValues(string(source)).Inc()
	}
}

// Del removes one entry if present.
func (c *Cache) Del(source model.SourceName, pair model.Pair) {
	key := cacheKey(source, pair)
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.evictLocked(key, e)
	}
	c.mu.Unlock()
}

// Clear empties the cache and cancels every pending stale timer.
func (c *Cache) Clear() {
	c.mu.Lock()
	for key, e := range c.entries {
		if e.staleTimer != nil {
			e.staleTimer.Stop()
		}
		delete(c.entries, key)
	}
	c.pending = nil
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheSize.Reset()
	}
}

// Metadata snapshots entry metadata keyed by cache key.
func (c *Cache) Metadata() map[string]Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Metadata, len(c.entries))
	for key, e := range c.entries {
		out[key] = e.meta
	}
	return out
}

// UpdateRefreshTime restarts the entry's TTL window without replacing the
// stored value, keeping the TTL the entry was set with. No-op for absent
// keys.
func (c *Cache) UpdateRefreshTime(source model.SourceName, pair model.Pair) {
	key := cacheKey(source, pair)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.closed {
		return
	}
	ttl := time.Duration(e.meta.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = c.ttl.TTL(source, pair)
	}
	e.meta.CachedAt = now
	e.meta.ExpiresAt = now.Add(ttl)
	e.meta.LastRefreshedAt = now
	if e.staleTimer != nil {
		e.staleTimer.Stop()
		e.staleTimer = nil
	}
	c.armStaleTimerLocked(key, e, ttl, source, pair)
}

// Close cancels all timers and stops the dispatcher. The cache rejects
// writes afterwards; no subscriber callback runs after Close returns.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	for _, e := range c.entries {
		if e.staleTimer != nil {
			e.staleTimer.Stop()
		}
	}
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	c.mu.Unlock()

	c.qmu.Lock()
	c.qclosed = true
	c.qcond.Broadcast()
	c.qmu.Unlock()
	<-c.done
}

// evictLocked removes an entry and its timer. Caller holds the lock.
func (c *Cache) evictLocked(key string, e *entry) {
	if e.staleTimer != nil {
		e.staleTimer.Stop()
	}
	delete(c.entries, key)
	if c.metrics != nil {
		c.metrics.CacheSize.WithLabelValues(string(e.meta.Source)).Dec()
	}
}

// armStaleTimerLocked schedules the stale event for an entry. Skipped when
// the trigger window is not positive.
func (c *Cache) armStaleTimerLocked(key string, e *entry, ttl time.Duration, source model.SourceName, pair model.Pair) {
	fireIn := ttl - c.opts.StaleTriggerBeforeExpiry
	if c.opts.StaleTriggerBeforeExpiry <= 0 || fireIn <= 0 {
		return
	}
	e.staleTimer = time.AfterFunc(fireIn, func() {
		c.onStale(key, source, pair)
	})
}

func (c *Cache) onStale(key string, source model.SourceName, pair model.Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if c.opts.MinTimeBetweenRefreshes > 0 &&
		time.Since(e.meta.LastRefreshedAt) < c.opts.MinTimeBetweenRefreshes {
		return
	}
	c.pending = append(c.pending, StaleItem{Source: source, Pair: pair})
	if c.batchTimer == nil {
		c.batchTimer = time.AfterFunc(c.opts.BatchInterval, c.flushStale)
	}
}

// flushStale closes the batch window and hands the batch to the dispatcher.
// At most one batch per interval window.
func (c *Cache) flushStale() {
	c.mu.Lock()
	items := c.pending
	c.pending = nil
	c.batchTimer = nil
	closed := c.closed
	c.mu.Unlock()

	if closed || len(items) == 0 {
		return
	}
	batch := StaleBatch{Items: items, Timestamp: time.Now()}
	log.Debug().Int("items", len(items)).Msg("emitting stale batch")

	c.qmu.Lock()
	c.batchQueue = append(c.batchQueue, batch)
	c.qcond.Signal()
	c.qmu.Unlock()
}

// dispatch delivers queued batches to subscribers one batch at a time, in
// arrival order. A slow subscriber delays later batches, never overlaps them.
func (c *Cache) dispatch() {
	defer close(c.done)
	for {
		c.qmu.Lock()
		for len(c.batchQueue) == 0 && !c.qclosed {
			c.qcond.Wait()
		}
		if c.qclosed {
			c.qmu.Unlock()
			return
		}
		batch := c.batchQueue[0]
		c.batchQueue = c.batchQueue[1:]
		c.qmu.Unlock()

		c.subsMu.Lock()
		subs := make([]func(StaleBatch), len(c.subs))
		copy(subs, c.subs)
		c.subsMu.Unlock()
		for _, fn := range subs {
			fn(batch)
		}
	}
}
