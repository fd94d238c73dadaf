package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

// Pusher periodically pushes the whole registry to a Pushgateway. Used when
// the process runs somewhere a scraper cannot reach.
type Pusher struct {
	pusher   *push.Pusher
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPusher builds a stopped pusher targeting url.
func NewPusher(url string, interval time.Duration, gatherer prometheus.Gatherer) *Pusher {
	return &Pusher{
		pusher:   push.New(url, "price_proxy").Gatherer(gatherer),
		interval: interval,
	}
}

// Start launches the push loop.
func (p *Pusher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
	log.Info().Dur("interval", p.interval).Msg("metrics push started")
}

// Stop pushes one final snapshot and exits the loop.
func (p *Pusher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	if err := p.pusher.Push(); err != nil {
		log.Warn().Err(err).Msg("final metrics push failed")
	}
}

func (p *Pusher) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pusher.PushContext(ctx); err != nil {
				log.Warn().Err(err).Msg("metrics push failed")
			}
		}
	}
}
