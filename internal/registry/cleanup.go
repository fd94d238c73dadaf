package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupScheduler periodically evicts registrations that have had no client
// requests for longer than the inactivity timeout. Trigger forces a pass
// between ticks.
type CleanupScheduler struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	trigger  chan chan int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCleanupScheduler builds a stopped scheduler.
func NewCleanupScheduler(r *Registry, interval, inactiveTimeout time.Duration) *CleanupScheduler {
	return &CleanupScheduler{
		registry: r,
		interval: interval,
		timeout:  inactiveTimeout,
		trigger:  make(chan chan int),
	}
}

// Start launches the cleanup loop.
func (s *CleanupScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	log.Info().
		Dur("interval", s.interval).
		Dur("inactiveTimeout", s.timeout).
		Msg("pair cleanup scheduler started")
}

// Stop cancels the loop and waits for it to exit.
func (s *CleanupScheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Trigger runs one cleanup pass immediately and returns the number of
// registrations removed. Safe to call while the loop is running.
func (s *CleanupScheduler) Trigger() int {
	reply := make(chan int, 1)
	select {
	case s.trigger <- reply:
		return <-reply
	case <-s.doneCh():
		// Loop not running; clean synchronously.
		return s.sweep()
	}
}

func (s *CleanupScheduler) doneCh() chan struct{} {
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

func (s *CleanupScheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		case reply := <-s.trigger:
			reply <- s.sweep()
		}
	}
}

func (s *CleanupScheduler) sweep() int {
	removed := s.registry.CleanupInactivePairs(s.timeout)
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("inactive pairs cleaned up")
	}
	return removed
}
