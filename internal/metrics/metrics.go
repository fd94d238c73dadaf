package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every Prometheus metric the pricing engine publishes. The
// names and label sets are part of the engine's external contract.
type Registry struct {
	// Cache
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheMissByPair *prometheus.CounterVec
	CacheSize       *prometheus.GaugeVec

	// Fetch outcomes
	PriceNotFoundTotal     *prometheus.CounterVec
	QuoteRequestErrors     *prometheus.CounterVec
	RateLimitHits          *prometheus.CounterVec
	AppErrors              *prometheus.CounterVec
	QuotesProcessed        *prometheus.CounterVec
	SourceAPIErrors        *prometheus.CounterVec
	SourceRESTRequests     *prometheus.CounterVec
	FailedPairsRetries     *prometheus.CounterVec
	FailedPairsMaxAttempts *prometheus.CounterVec

	// WebSocket
	WSErrors           *prometheus.CounterVec
	WSMessagesReceived *prometheus.CounterVec
	WSReconnects       *prometheus.CounterVec
	WSConnections      *prometheus.GaugeVec

	// Registry
	TrackedPairs    *prometheus.GaugeVec
	PairsTotal      prometheus.Gauge
	RegisteredPairs *prometheus.GaugeVec
	FailedPairs     prometheus.Gauge

	// Histograms
	HTTPRequestDuration  *prometheus.HistogramVec
	SourceFetchDuration  *prometheus.HistogramVec
	SourceAPIDuration    *prometheus.HistogramVec
	BatchSize            *prometheus.HistogramVec
	PriceUpdateFrequency *prometheus.HistogramVec

	// Age gauges, computed at scrape time.
	sourceLastUpdate *ageCollector
	quoteDataAge     *ageCollector
}

// New builds the registry and registers every collector with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits",
			Help: "Quote cache hits by source",
		}, []string{"source"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses",
			Help: "Quote cache misses by source",
		}, []string{"source"}),

		CacheMissByPair: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_miss_by_pair",
			Help: "Quote cache misses by source and pair",
		}, []string{"source", "pair"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cache_size",
			Help: "Number of cached quotes by source",
		}, []string{"source"}),

		PriceNotFoundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "price_not_found_total",
			Help: "Fetches where the provider returned no price",
		}, []string{"source", "pair"}),

		QuoteRequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quote_request_errors_total",
			Help: "Failed quote requests by source and pair",
		}, []string{"source", "pair"}),

		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Upstream rate-limit responses by source",
		}, []string{"source"}),

		AppErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "app_errors_total",
			Help: "Application errors by type and source",
		}, []string{"type", "source"}),

		QuotesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotes_processed_total",
			Help: "Quotes fetched or ingested, by source and status",
		}, []string{"source", "status"}),

		SourceAPIErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_api_errors_total",
			Help: "Upstream API errors by source, status code and error type",
		}, []string{"source", "status_code", "error_type"}),

		SourceRESTRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "source_rest_requests_total",
			Help: "REST requests issued to sources, by status class",
		}, []string{"source", "status"}),

		FailedPairsRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failed_pairs_retry_attempts",
			Help: "Retry attempts for pairs that failed to refresh",
		}, []string{"source", "pair"}),

		FailedPairsMaxAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failed_pairs_max_attempts_reached",
			Help: "Pairs dropped from the retry queue after exhausting attempts",
		}, []string{"source", "pair"}),

		WSErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_errors_total",
			Help: "WebSocket errors by source and error type",
		}, []string{"source", "error_type"}),

		WSMessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_messages_received_total",
			Help: "WebSocket frames received by source",
		}, []string{"source"}),

		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_reconnects_total",
			Help: "WebSocket reconnect attempts by source and reason",
		}, []string{"source", "reason"}),

		WSConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "websocket_connections_total",
			Help: "Open WebSocket connections by source",
		}, []string{"source"}),

		TrackedPairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracked_pairs_total",
			Help: "Registered pairs by source",
		}, []string{"source"}),

		PairsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairs_total",
			Help: "Total registered (pair, source) records",
		}),

		RegisteredPairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registered_pairs",
			Help: "Per-pair registration flag (1 while registered)",
		}, []string{"source", "pair"}),

		FailedPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "failed_pairs_count",
			Help: "Pairs currently in the failed-pair retry queue",
		}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Inbound HTTP request duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"route", "method", "status"}),

		SourceFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "source_fetch_duration_seconds",
			Help:    "Adapter fetch duration by source",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"source"}),

		SourceAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "source_api_duration_seconds",
			Help:    "Upstream HTTP request duration by source, method and status",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"source", "method", "status"}),

		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Size of issued fetch batches by source",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
		}, []string{"source"}),

		PriceUpdateFrequency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "price_update_frequency_seconds",
			Help:    "Interval between consecutive price updates by source",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"source"}),

		sourceLastUpdate: newAgeCollector(
			"source_last_update_age_seconds",
			"Seconds since the last successful update from the source for the pair",
		),
		quoteDataAge: newAgeCollector(
			"quote_data_age_seconds",
			"Age of the cached quote served for the pair",
		),
	}

	reg.MustRegister(
		r.CacheHits, r.CacheMisses, r.CacheMissByPair, r.CacheSize,
		r.PriceNotFoundTotal, r.QuoteRequestErrors, r.RateLimitHits,
		r.AppErrors, r.QuotesProcessed, r.SourceAPIErrors, r.SourceRESTRequests,
		r.FailedPairsRetries, r.FailedPairsMaxAttempts,
		r.WSErrors, r.WSMessagesReceived, r.WSReconnects, r.WSConnections,
		r.TrackedPairs, r.PairsTotal, r.RegisteredPairs, r.FailedPairs,
		r.HTTPRequestDuration, r.SourceFetchDuration, r.SourceAPIDuration,
		r.BatchSize, r.PriceUpdateFrequency,
		r.sourceLastUpdate, r.quoteDataAge,
	)
	return r
}

// UpdateSourceLastUpdate marks a successful update for (source, pair); the
// exported gauge reports seconds since this call at scrape time. Consecutive
// updates feed the per-source update-frequency histogram.
func (r *Registry) UpdateSourceLastUpdate(source, pair string) {
	now := time.Now()
	if prev, ok := r.sourceLastUpdate.mark(source, pair, now); ok {
		r.PriceUpdateFrequency.WithLabelValues(source).Observe(now.Sub(prev).Seconds())
	}
}

// ObserveQuoteDataAge records the receive time of the quote most recently
// served for (source, pair).
func (r *Registry) ObserveQuoteDataAge(source, pair string, receivedAt time.Time) {
	r.quoteDataAge.mark(source, pair, receivedAt)
}

// DropPairSeries removes every per-pair series for (source, pair). Called by
// the registry when a pair is de-registered.
func (r *Registry) DropPairSeries(source, pair string) {
	labels := prometheus.Labels{"source": source, "pair": pair}
	r.RegisteredPairs.Delete(labels)
	r.CacheMissByPair.Delete(labels)
	r.FailedPairsRetries.Delete(labels)
	r.sourceLastUpdate.drop(source, pair)
	r.quoteDataAge.drop(source, pair)
}
