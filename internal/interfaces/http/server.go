// Package http exposes the REST surface: quote reads, registration
// inspection, manual cleanup, and the Prometheus scrape endpoint.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Super-Protocol/price-proxy/internal/cache"
	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/quotes"
	"github.com/Super-Protocol/price-proxy/internal/registry"
	"github.com/Super-Protocol/price-proxy/internal/sources"
)

// Server is the HTTP front end.
type Server struct {
	quotes   *quotes.Service
	registry *registry.Registry
	cache    *cache.Cache
	manager  *sources.Manager
	cleanup  *registry.CleanupScheduler
	metrics  *metrics.Registry

	srv *http.Server
}

// NewServer builds the server and its routes.
func NewServer(
	port int,
	q *quotes.Service,
	r *registry.Registry,
	c *cache.Cache,
	m *sources.Manager,
	cleanup *registry.CleanupScheduler,
	mx *metrics.Registry,
	gatherer prometheus.Gatherer,
) *Server {
	s := &Server{
		quotes:   q,
		registry: r,
		cache:    c,
		manager:  m,
		cleanup:  cleanup,
		metrics:  mx,
	}

	router := mux.NewRouter()
	router.Use(s.durationMiddleware)
	router.HandleFunc("/quote/pairs/{source}", s.handleQuotePairs).Methods(http.MethodGet)
	router.HandleFunc("/quote/registrations", s.handleRegistrations).Methods(http.MethodGet)
	router.HandleFunc("/quote/cleanup", s.handleCleanup).Methods(http.MethodPost)
	router.HandleFunc("/quote/{source}/{base}/{quote}", s.handleGetQuote).Methods(http.MethodGet)
	router.HandleFunc("/sources/{source}/pairs", s.handleSourcePairs).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// statusRecorder captures the response code for the duration histogram.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) durationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.metrics != nil {
			s.metrics.HTTPRequestDuration.
				WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
				Observe(time.Since(start).Seconds())
		}
	})
}
