package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

// TTLResolver picks the cache TTL for a (source, pair). Per-pair overrides
// from config win over the source default; among overrides the first match in
// config order wins, with a nil source acting as a wildcard. Lookups are
// memoized since the rule set is fixed after load.
type TTLResolver struct {
	rules    []config.PairTTL
	defaults map[model.SourceName]time.Duration

	mu   sync.RWMutex
	memo map[string]time.Duration
}

// NewTTLResolver builds a resolver from the loaded config.
func NewTTLResolver(cfg *config.Config) *TTLResolver {
	defaults := make(map[model.SourceName]time.Duration, len(cfg.Sources))
	for name, sc := range cfg.Sources {
		defaults[model.SourceName(name)] = sc.TTLDuration()
	}
	return &TTLResolver{
		rules:    cfg.PairsTTL,
		defaults: defaults,
		memo:     make(map[string]time.Duration),
	}
}

// TTL resolves the TTL for one (source, pair).
func (r *TTLResolver) TTL(source model.SourceName, pair model.Pair) time.Duration {
	memoKey := string(source) + "|" + pair.Key()

	r.mu.RLock()
	ttl, ok := r.memo[memoKey]
	r.mu.RUnlock()
	if ok {
		return ttl
	}

	ttl = r.resolve(source, pair)
	r.mu.Lock()
	r.memo[memoKey] = ttl
	r.mu.Unlock()
	return ttl
}

func (r *TTLResolver) resolve(source model.SourceName, pair model.Pair) time.Duration {
	for _, rule := range r.rules {
		if rule.Source != nil && !strings.EqualFold(*rule.Source, string(source)) {
			continue
		}
		if strings.EqualFold(rule.Pair[0], pair.Base) && strings.EqualFold(rule.Pair[1], pair.Quote) {
			return rule.TTLDuration()
		}
	}
	return r.defaults[source]
}
