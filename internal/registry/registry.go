// Package registry tracks which pairs each source is expected to serve,
// with activity timestamps and add/remove events.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

// Registration is one (pair, source) record. LastFetchAt and LastResponseAt
// stay at the zero time until the first success.
type Registration struct {
	Pair           model.Pair       `json:"pair"`
	Source         model.SourceName `json:"source"`
	RegisteredAt   time.Time        `json:"registeredAt"`
	LastFetchAt    time.Time        `json:"lastFetchAt"`
	LastResponseAt time.Time        `json:"lastResponseAt"`
	LastRequestAt  time.Time        `json:"lastRequestAt"`
}

// EventKind distinguishes registry events.
type EventKind int

const (
	PairAdded EventKind = iota
	PairRemoved
)

// Event is emitted after a registration transition has been committed.
type Event struct {
	Kind   EventKind
	Source model.SourceName
	Pair   model.Pair
}

type regKey struct {
	source  model.SourceName
	pairKey string
}

// Registry is the in-memory registration store. The main map and the two
// reverse indices are always mutated together under one lock.
type Registry struct {
	mu            sync.RWMutex
	regs          map[regKey]*Registration
	pairsBySource map[model.SourceName]map[string]model.Pair
	sourcesByPair map[string]map[model.SourceName]struct{}

	metrics *metrics.Registry

	subsMu sync.Mutex
	subs   []func(Event)
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// eventBuffer bounds the event channel; overflow drops events, which is
// acceptable for pair-added/removed since state reconciliation is cheap.
const eventBuffer = 256

// New builds an empty registry and starts its event dispatcher.
func New(m *metrics.Registry) *Registry {
	r := &Registry{
		regs:          make(map[regKey]*Registration),
		pairsBySource: make(map[model.SourceName]map[string]model.Pair),
		sourcesByPair: make(map[string]map[model.SourceName]struct{}),
		metrics:       m,
		events:        make(chan Event, eventBuffer),
		done:          make(chan struct{}),
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

// Subscribe registers a callback for registry events. Callbacks run serially
// on the dispatcher goroutine, after the transition is committed.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subsMu.Lock()
	r.subs = append(r.subs, fn)
	r.subsMu.Unlock()
}

// Close stops the event dispatcher. No callbacks fire after Close returns.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()
}

// TrackQuoteRequest records a client request, creating the registration on
// first sight.
func (r *Registry) TrackQuoteRequest(pair model.Pair, source model.SourceName) {
	now := time.Now()
	key := regKey{source: source, pairKey: pair.Key()}

	r.mu.Lock()
	reg, ok := r.regs[key]
	if ok {
		reg.LastRequestAt = now
		r.mu.Unlock()
		return
	}

	r.regs[key] = &Registration{
		Pair:          pair,
		Source:        source,
		RegisteredAt:  now,
		LastRequestAt: now,
	}
	if r.pairsBySource[source] == nil {
		r.pairsBySource[source] = make(map[string]model.Pair)
	}
	r.pairsBySource[source][pair.Key()] = pair
	if r.sourcesByPair[pair.Key()] == nil {
		r.sourcesByPair[pair.Key()] = make(map[model.SourceName]struct{})
	}
	r.sourcesByPair[pair.Key()][source] = struct{}{}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.TrackedPairs.WithLabelValues(string(source)).Inc()
		r.metrics.PairsTotal.Inc()
		r.metrics.RegisteredPairs.WithLabelValues(string(source), pair.Key()).Set(1)
	}
	r.emit(Event{Kind: PairAdded, Source: source, Pair: pair})
}

// TrackSuccessfulFetch updates LastFetchAt in place. No-op for absent keys.
func (r *Registry) TrackSuccessfulFetch(pair model.Pair, source model.SourceName) {
	r.mu.Lock()
	if reg, ok := r.regs[regKey{source: source, pairKey: pair.Key()}]; ok {
		reg.LastFetchAt = time.Now()
	}
	r.mu.Unlock()
}

// TrackResponse updates LastResponseAt in place. No-op for absent keys.
func (r *Registry) TrackResponse(pair model.Pair, source model.SourceName) {
	r.mu.Lock()
	if reg, ok := r.regs[regKey{source: source, pairKey: pair.Key()}]; ok {
		reg.LastResponseAt = time.Now()
	}
	r.mu.Unlock()
}

// IsRegistered reports whether (pair, source) is currently tracked.
func (r *Registry) IsRegistered(pair model.Pair, source model.SourceName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.regs[regKey{source: source, pairKey: pair.Key()}]
	return ok
}

// PairsBySource returns the pairs registered for a source.
func (r *Registry) PairsBySource(source model.SourceName) []model.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pairs := make([]model.Pair, 0, len(r.pairsBySource[source]))
	for _, p := range r.pairsBySource[source] {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key() < pairs[j].Key() })
	return pairs
}

// PairsBySourceWithTimestamps returns registration copies for a source,
// sorted ascending by LastFetchAt (oldest first).
func (r *Registry) PairsBySourceWithTimestamps(source model.SourceName) []Registration {
	r.mu.RLock()
	regs := make([]Registration, 0, len(r.pairsBySource[source]))
	for pairKey := range r.pairsBySource[source] {
		if reg, ok := r.regs[regKey{source: source, pairKey: pairKey}]; ok {
			regs = append(regs, *reg)
		}
	}
	r.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool {
		if regs[i].LastFetchAt.Equal(regs[j].LastFetchAt) {
			return regs[i].Pair.Key() < regs[j].Pair.Key()
		}
		return regs[i].LastFetchAt.Before(regs[j].LastFetchAt)
	})
	return regs
}

// SourcesByPair returns the sources registered for a pair.
func (r *Registry) SourcesByPair(pair model.Pair) []model.SourceName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sources := make([]model.SourceName, 0, len(r.sourcesByPair[pair.Key()]))
	for s := range r.sourcesByPair[pair.Key()] {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}

// AllRegistrations returns copies of every registration.
func (r *Registry) AllRegistrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		regs = append(regs, *reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Source == regs[j].Source {
			return regs[i].Pair.Key() < regs[j].Pair.Key()
		}
		return regs[i].Source < regs[j].Source
	})
	return regs
}

// RemovePairSource removes one registration. Returns whether it existed.
func (r *Registry) RemovePairSource(pair model.Pair, source model.SourceName) bool {
	key := regKey{source: source, pairKey: pair.Key()}

	r.mu.Lock()
	_, ok := r.regs[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(key)
	r.mu.Unlock()

	r.afterRemove(source, pair)
	return true
}

// CleanupInactivePairs removes every registration whose LastRequestAt is
// older than the timeout. Returns the count removed.
func (r *Registry) CleanupInactivePairs(inactiveTimeout time.Duration) int {
	cutoff := time.Now().Add(-inactiveTimeout)

	r.mu.Lock()
	var removed []Event
	for key, reg := range r.regs {
		if reg.LastRequestAt.Before(cutoff) {
			r.removeLocked(key)
			removed = append(removed, Event{Kind: PairRemoved, Source: reg.Source, Pair: reg.Pair})
		}
	}
	r.mu.Unlock()

	for _, ev := range removed {
		r.afterRemove(ev.Source, ev.Pair)
	}
	return len(removed)
}

// removeLocked deletes a registration and keeps the indices in lock-step.
// Caller holds the write lock.
func (r *Registry) removeLocked(key regKey) {
	delete(r.regs, key)
	if pairs := r.pairsBySource[key.source]; pairs != nil {
		delete(pairs, key.pairKey)
		if len(pairs) == 0 {
			delete(r.pairsBySource, key.source)
		}
	}
	if srcs := r.sourcesByPair[key.pairKey]; srcs != nil {
		delete(srcs, key.source)
		if len(srcs) == 0 {
			delete(r.sourcesByPair, key.pairKey)
		}
	}
}

func (r *Registry) afterRemove(source model.SourceName, pair model.Pair) {
	if r.metrics != nil {
		r.metrics.TrackedPairs.WithLabelValues(string(source)).Dec()
		r.metrics.PairsTotal.Dec()
		r.metrics.DropPairSeries(string(source), pair.Key())
	}
	r.emit(Event{Kind: PairRemoved, Source: source, Pair: pair})
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Debug().
			Str("source", string(ev.Source)).
			Str("pair", ev.Pair.Key()).
			Msg("registry event buffer full, dropping event")
	}
}

func (r *Registry) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.events:
			r.subsMu.Lock()
			subs := make([]func(Event), len(r.subs))
			copy(subs, r.subs)
			r.subsMu.Unlock()
			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}
