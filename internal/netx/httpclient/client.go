// Package httpclient provides the per-source REST client used by every
// adapter: token-bucket rate limiting, a bounded in-flight window, request
// timeouts, optional proxying and a circuit breaker.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Super-Protocol/price-proxy/internal/metrics"
	"github.com/Super-Protocol/price-proxy/internal/model"
)

// Options configures a Client. RPS nil means unlimited.
type Options struct {
	Source         model.SourceName
	BaseURL        string
	Timeout        time.Duration
	RPS            *float64
	MaxConcurrent  int
	ProxyURL       string
	DefaultParams  map[string]string
	DefaultHeaders map[string]string
	Metrics        *metrics.Registry
}

// RequestOptions carries per-call params and headers. Per-call values win on
// key collision with the client defaults.
type RequestOptions struct {
	Params  map[string]string
	Headers map[string]string
}

// Response is a completed upstream response with the body fully read.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client is a rate-limited HTTP client bound to one source.
type Client struct {
	source         model.SourceName
	baseURL        string
	timeout        time.Duration
	limiter        *rate.Limiter // nil when unlimited
	sem            chan struct{}
	http           *http.Client
	breaker        *gobreaker.CircuitBreaker
	defaultParams  map[string]string
	defaultHeaders map[string]string
	metrics        *metrics.Registry
}

// New builds a client for one source.
func New(opts Options) (*Client, error) {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		log.Info().
			Str("source", string(opts.Source)).
			Str("proxy", proxyURL.Redacted()).
			Msg("HTTP client routed through proxy")
	}

	var limiter *rate.Limiter
	if opts.RPS != nil {
		burst := int(math.Ceil(*opts.RPS))
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(*opts.RPS), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(opts.Source),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Client{
		source:         opts.Source,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		timeout:        opts.Timeout,
		limiter:        limiter,
		sem:            make(chan struct{}, opts.MaxConcurrent),
		http:           &http.Client{Transport: transport},
		breaker:        breaker,
		defaultParams:  opts.DefaultParams,
		defaultHeaders: opts.DefaultHeaders,
		metrics:        opts.Metrics,
	}, nil
}

// Get performs a GET against path relative to the client's base URL.
func (c *Client) Get(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.wrapErr(err)
		}
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, c.wrapErr(ctx.Err())
	}
	defer func() { <-c.sem }()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL, err := c.buildURL(path, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(reqCtx, reqURL, opts)
	})
	elapsed := time.Since(start)

	if err != nil {
		c.observe("GET", "error", elapsed)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.countError(0, "circuit_open")
			return nil, &model.SourceAPIError{Source: c.source, Err: err}
		}
		var apiErr *model.SourceAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
			c.countError(apiErr.StatusCode, "http_status")
			if c.metrics != nil {
				c.metrics.SourceRESTRequests.WithLabelValues(string(c.source), "5xx").Inc()
			}
		}
		return nil, err
	}

	resp := result.(*Response)
	c.observe("GET", strconv.Itoa(resp.Status), elapsed)
	if c.metrics != nil {
		c.metrics.SourceRESTRequests.WithLabelValues(string(c.source), statusClass(resp.Status)).Inc()
	}
	if resp.Status >= 400 {
		c.countError(resp.Status, "http_status")
	}
	return resp, nil
}

// GetJSON performs a GET and decodes a 2xx body into v. Non-2xx statuses are
// returned to the adapter untouched for taxonomy mapping.
func (c *Client) GetJSON(ctx context.Context, path string, opts *RequestOptions, v interface{}) (*Response, error) {
	resp, err := c.Get(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 200 && resp.Status < 300 && v != nil {
		if err := json.Unmarshal(resp.Body, v); err != nil {
			return resp, &model.SourceAPIError{Source: c.source, StatusCode: resp.Status, Err: fmt.Errorf("decode body: %w", err)}
		}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, reqURL string, opts *RequestOptions) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range c.defaultHeaders {
		req.Header.Set(k, v)
	}
	if opts != nil {
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrapErr(err)
	}

	// Let the breaker see 5xx as failures; everything else completes the call.
	if resp.StatusCode >= 500 {
		return nil, &model.SourceAPIError{Source: c.source, StatusCode: resp.StatusCode}
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) buildURL(path string, opts *RequestOptions) (string, error) {
	full := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		full = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(full)
	if err != nil {
		return "", fmt.Errorf("invalid request url: %w", err)
	}
	q := u.Query()
	for k, v := range c.defaultParams {
		q.Set(k, v)
	}
	if opts != nil {
		for k, v := range opts.Params {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wrapErr classifies transport-level failures into the error taxonomy.
func (c *Client) wrapErr(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		c.countError(0, "timeout")
		return &model.TimeoutError{Source: c.source, Timeout: c.timeout}
	case errors.Is(err, context.Canceled):
		return err
	default:
		c.countError(0, "network")
		return &model.SourceAPIError{Source: c.source, Err: err}
	}
}

func (c *Client) observe(method, status string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.SourceAPIDuration.
		WithLabelValues(string(c.source), method, status).
		Observe(elapsed.Seconds())
}

func (c *Client) countError(status int, errorType string) {
	if c.metrics == nil {
		return
	}
	c.metrics.SourceAPIErrors.
		WithLabelValues(string(c.source), strconv.Itoa(status), errorType).
		Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
