package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Super-Protocol/price-proxy/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts := Options{
		Source:        "binance",
		BaseURL:       srv.URL,
		Timeout:       2 * time.Second,
		MaxConcurrent: 4,
	}
	if mutate != nil {
		mutate(&opts)
	}
	client, err := New(opts)
	require.NoError(t, err)
	return client
}

func TestGetReturnsBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ticker", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, nil)

	resp, err := client.Get(context.Background(), "ticker", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestGetMergesParamsPerCallWins(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "override", r.URL.Query().Get("key"))
		assert.Equal(t, "kept", r.URL.Query().Get("fixed"))
	}, func(o *Options) {
		o.DefaultParams = map[string]string{"key": "default", "fixed": "kept"}
	})

	_, err := client.Get(context.Background(), "x", &RequestOptions{
		Params: map[string]string{"key": "override"},
	})
	require.NoError(t, err)
}

func TestGetSendsDefaultHeaders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Apikey sekret", r.Header.Get("Authorization"))
	}, func(o *Options) {
		o.DefaultHeaders = map[string]string{"Authorization": "Apikey sekret"}
	})

	_, err := client.Get(context.Background(), "x", nil)
	require.NoError(t, err)
}

func TestClientErrorStatusesAreReturnedNotErrored(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"msg":"no such pair"}`))
	}, nil)

	resp, err := client.Get(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestServerErrorsBecomeSourceAPIErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)

	_, err := client.Get(context.Background(), "x", nil)
	var apiErr *model.SourceAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestSlowUpstreamIsTimeoutError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}, func(o *Options) {
		o.Timeout = 50 * time.Millisecond
	})

	_, err := client.Get(context.Background(), "x", nil)
	assert.True(t, model.IsTimeout(err))
}

func TestRateLimiterSpacesRequests(t *testing.T) {
	var calls atomic.Int64
	rps := 20.0
	client := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}, func(o *Options) {
		o.RPS = &rps
	})

	// Burst capacity is ceil(rps); the burst-plus-first extra request has to
	// wait for a token, so 25 requests at 20 rps take at least ~200ms.
	start := time.Now()
	for i := 0; i < 25; i++ {
		_, err := client.Get(context.Background(), "x", nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int64(25), calls.Load())
}

func TestConsecutiveServerErrorsOpenTheBreaker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	for i := 0; i < 5; i++ {
		_, err := client.Get(context.Background(), "x", nil)
		require.Error(t, err)
	}

	// Breaker is open now; the short-circuited error is still a SourceAPIError.
	_, err := client.Get(context.Background(), "x", nil)
	var apiErr *model.SourceAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, errors.Is(apiErr.Err, gobreaker.ErrOpenState))
}

func TestGetJSONDecodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"price":"65000"}`))
	}, nil)

	var body struct {
		Price string `json:"price"`
	}
	_, err := client.GetJSON(context.Background(), "x", nil, &body)
	require.NoError(t, err)
	assert.Equal(t, "65000", body.Price)
}

func TestGetJSONGarbageBodyIsSourceAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}, nil)

	var v map[string]string
	_, err := client.GetJSON(context.Background(), "x", nil, &v)
	var apiErr *model.SourceAPIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestCanceledContextPropagates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(time.Second)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Get(ctx, "x", nil)
	require.Error(t, err)
}
