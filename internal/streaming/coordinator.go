// Package streaming keeps WebSocket subscriptions aligned with the pair
// registry: every registered pair on a streaming source gets a live
// subscription that writes pushed quotes straight into the cache.
package streaming

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Super-Protocol/price-proxy/internal/cache"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/registry"
	"github.com/Super-Protocol/price-proxy/internal/sources"
)

// Coordinator owns one subscription per (source, pair).
type Coordinator struct {
	manager  *sources.Manager
	registry *registry.Registry
	cache    *cache.Cache
	metrics  *metrics.Registry

	mu   sync.Mutex
	subs map[string]string // source|pair -> subscription id

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator wires the coordinator.
func NewCoordinator(m *sources.Manager, r *registry.Registry, c *cache.Cache, mx *metrics.Registry) *Coordinator {
	return &Coordinator{
		manager:  m,
		registry: r,
		cache:    c,
		metrics:  mx,
		subs:     make(map[string]string),
	}
}

// Start connects every streaming source that already has registered pairs,
// subscribes those pairs, and follows registry events from then on.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	for _, source := range c.manager.StreamingSources() {
		pairs := c.registry.PairsBySource(source)
		if len(pairs) == 0 {
			continue
		}
		for _, pair := range pairs {
			if err := c.SubscribePair(source, pair); err != nil {
				log.Warn().Err(err).
					Str("source", string(source)).
					Str("pair", pair.Key()).
					Msg("initial stream subscribe failed")
			}
		}
	}

	c.registry.Subscribe(func(ev registry.Event) {
		switch ev.Kind {
		case registry.PairAdded:
			if err := c.SubscribePair(ev.Source, ev.Pair); err != nil {
				log.Warn().Err(err).
					Str("source", string(ev.Source)).
					Str("pair", ev.Pair.Key()).
					Msg("stream subscribe failed")
			}
		case registry.PairRemoved:
			c.UnsubscribePair(ev.Source, ev.Pair)
		}
	})
	log.Info().Msg("streaming coordinator started")
}

// Stop unsubscribes everything and disconnects the stream services.
// Per-source teardown errors are logged, not propagated.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]string)
	c.mu.Unlock()

	for key, id := range subs {
		source := sourceOfKey(key)
		svc, err := c.manager.StreamService(source)
		if err != nil {
			continue
		}
		if err := svc.Unsubscribe(id); err != nil {
			log.Debug().Err(err).Str("source", string(source)).Msg("stream unsubscribe on shutdown failed")
		}
	}
	for _, source := range c.manager.StreamingSources() {
		svc, err := c.manager.StreamService(source)
		if err != nil {
			continue
		}
		if err := svc.Disconnect(); err != nil {
			log.Debug().Err(err).Str("source", string(source)).Msg("stream disconnect failed")
		}
	}
}

// SubscribePair subscribes one pair on one source. No-op for non-streaming
// sources and for pairs already subscribed.
func (c *Coordinator) SubscribePair(source model.SourceName, pair model.Pair) error {
	svc, err := c.manager.StreamService(source)
	if err != nil || svc == nil {
		return nil
	}
	key := subKey(source, pair)

	c.mu.Lock()
	if _, ok := c.subs[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if !svc.IsConnected() {
		if err := svc.Connect(c.ctx); err != nil {
			return err
		}
	}

	id, err := svc.Subscribe(pair,
		func(q model.Quote) { c.onQuote(source, q) },
		func(err error) {
			log.Warn().Err(err).
				Str("source", string(source)).
				Str("pair", pair.Key()).
				Msg("stream subscription error")
		},
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.subs[key]; ok {
		// Lost a subscribe race; keep the first subscription.
		c.mu.Unlock()
		_ = svc.Unsubscribe(id)
		return nil
	}
	c.subs[key] = id
	c.mu.Unlock()

	log.Debug().Str("source", string(source)).Str("pair", pair.Key()).Msg("pair subscribed")
	return nil
}

// UnsubscribePair tears down the subscription for one pair, if any.
func (c *Coordinator) UnsubscribePair(source model.SourceName, pair model.Pair) {
	key := subKey(source, pair)

	c.mu.Lock()
	id, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	svc, err := c.manager.StreamService(source)
	if err != nil || svc == nil {
		return
	}
	if err := svc.Unsubscribe(id); err != nil {
		log.Debug().Err(err).
			Str("source", string(source)).
			Str("pair", pair.Key()).
			Msg("stream unsubscribe failed")
	}
}

func (c *Coordinator) onQuote(source model.SourceName, q model.Quote) {
	c.cache.Set(source, q.Pair, q, 0)
	c.registry.TrackSuccessfulFetch(q.Pair, source)
	if c.metrics != nil {
		c.metrics.QuotesProcessed.WithLabelValues(string(source), "success").Inc()
		c.metrics.UpdateSourceLastUpdate(string(source), q.Pair.Key())
	}
}

func subKey(source model.SourceName, pair model.Pair) string {
	return string(source) + "|" + pair.Key()
}

func sourceOfKey(key string) model.SourceName {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return model.SourceName(key[:i])
		}
	}
	return model.SourceName(key)
}
