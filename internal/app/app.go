// Package app wires the components together and owns startup and shutdown
// ordering.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Super-Protocol/price-proxy/internal/cache"
	"github.com/Super-Protocol/price-proxy/internal/config"
	httpiface "github.com/Super-Protocol/price-proxy/internal/interfaces/http"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/quotes"
	"github.com/Super-Protocol/price-proxy/internal/refetch"
	"github.com/Super-Protocol/price-proxy/internal/registry"
	"github.com/Super-Protocol/price-proxy/internal/sources"
	"github.com/Super-Protocol/price-proxy/internal/streaming"
)

// App is the assembled application.
type App struct {
	cfg *config.Config

	metrics   *metrics.Registry
	registry  *registry.Registry
	cache     *cache.Cache
	manager   *sources.Manager
	quotes    *quotes.Service
	retry     *refetch.RetryQueue
	scheduler *refetch.Scheduler
	streaming *streaming.Coordinator
	cleanup   *registry.CleanupScheduler
	server    *httpiface.Server
	pusher    *metrics.Pusher

	cancel context.CancelFunc
}

// New assembles the application from config.
func New(cfg *config.Config) (*App, error) {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	mx := metrics.New(promReg)

	adapters, err := sources.Build(cfg, mx)
	if err != nil {
		return nil, fmt.Errorf("build adapters: %w", err)
	}
	manager := sources.NewManager(mx, adapters...)

	reg := registry.New(mx)
	ttl := cache.NewTTLResolver(cfg)
	quoteCache := cache.New(ttl, cache.Options{
		StaleTriggerBeforeExpiry: cfg.Refetch.StaleTrigger(),
		BatchInterval:            cfg.Refetch.Batch(),
		MinTimeBetweenRefreshes:  cfg.Refetch.MinBetween(),
	}, mx)

	batch := quotes.NewBatchCoordinator(manager, reg, quoteCache, mx)
	quoteSvc := quotes.NewService(manager, reg, quoteCache, batch, mx)

	var retryQueue *refetch.RetryQueue
	if cfg.Refetch.Enabled && cfg.Refetch.FailedPairsRetry.Enabled {
		retryQueue = refetch.NewRetryQueue(cfg.Refetch.FailedPairsRetry, mx)
	}
	scheduler := refetch.NewScheduler(cfg.Refetch, cfg.Sources, manager, reg, quoteCache, retryQueue, mx)
	streamCoord := streaming.NewCoordinator(manager, reg, quoteCache, mx)
	cleanup := registry.NewCleanupScheduler(reg, cfg.PairCleanup.CleanupInterval(), cfg.PairCleanup.InactiveTimeout())

	server := httpiface.NewServer(cfg.Port, quoteSvc, reg, quoteCache, manager, cleanup, mx, promReg)

	var pusher *metrics.Pusher
	if cfg.MetricsPush.Enabled && cfg.MetricsPush.URL != "" {
		interval := cfg.MetricsPush.Interval()
		if interval <= 0 {
			interval = time.Minute
		}
		pusher = metrics.NewPusher(cfg.MetricsPush.URL, interval, promReg)
	}

	return &App{
		cfg:       cfg,
		metrics:   mx,
		registry:  reg,
		cache:     quoteCache,
		manager:   manager,
		quotes:    quoteSvc,
		retry:     retryQueue,
		scheduler: scheduler,
		streaming: streamCoord,
		cleanup:   cleanup,
		server:    server,
		pusher:    pusher,
	}, nil
}

// Run starts every component, blocks serving HTTP, and tears everything down
// when ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.scheduler.Start(ctx)
	if a.retry != nil {
		a.retry.Start(ctx)
	}
	a.streaming.Start(ctx)
	if a.cfg.PairCleanup.Enabled {
		a.cleanup.Start(ctx)
	}
	if a.pusher != nil {
		a.pusher.Start(ctx)
	}

	a.preRegisterPairs()
	go a.scheduler.Bootstrap(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case err := <-errCh:
		a.shutdown(context.Background())
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		a.shutdown(shutdownCtx)
		return nil
	}
}

// Stop triggers shutdown from outside Run.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *App) shutdown(_ context.Context) {
	a.streaming.Stop()
	if a.cfg.PairCleanup.Enabled {
		a.cleanup.Stop()
	}
	if a.retry != nil {
		a.retry.Stop()
	}
	a.scheduler.Stop()
	if a.pusher != nil {
		a.pusher.Stop()
	}
	a.cache.Close()
	a.registry.Close()
	log.Info().Msg("shutdown complete")
}

// preRegisterPairs seeds registrations from marketData and, if configured,
// from the pairs file, so refetch and streaming have work before the first
// client request arrives.
func (a *App) preRegisterPairs() {
	entries := append([]config.MarketPair(nil), a.cfg.MarketData.Pairs...)

	if a.cfg.PairsFilePath != "" {
		fromFile, err := loadPairsFile(a.cfg.PairsFilePath)
		if err != nil {
			log.Warn().Err(err).Str("path", a.cfg.PairsFilePath).Msg("pairs file not loaded")
		} else {
			entries = append(entries, fromFile...)
		}
	}

	registered := 0
	for _, entry := range entries {
		pair, err := model.NewPair(entry.Pair[0], entry.Pair[1])
		if err != nil {
			log.Warn().Err(err).Msg("skipping invalid pre-registered pair")
			continue
		}
		srcs := entry.Sources
		if len(srcs) == 0 {
			for _, s := range a.manager.Sources() {
				srcs = append(srcs, string(s))
			}
		}
		for _, s := range srcs {
			a.registry.TrackQuoteRequest(pair, model.SourceName(s))
			registered++
		}
	}
	if registered > 0 {
		log.Info().Int("registrations", registered).Msg("pairs pre-registered")
	}
}

// loadPairsFile reads a YAML list of {pair, sources} entries.
func loadPairsFile(path string) ([]config.MarketPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Pairs []config.MarketPair `yaml:"pairs"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse pairs file: %w", err)
	}
	return doc.Pairs, nil
}
