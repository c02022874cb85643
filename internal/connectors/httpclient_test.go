package connectors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/metrics"
)

func TestAPIClientStatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
		calls    int32
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, sentinel: crmerrors.ErrAuthentication, calls: 1},
		{name: "forbidden", status: http.StatusForbidden, sentinel: crmerrors.ErrAuthentication, calls: 1},
		{name: "not found", status: http.StatusNotFound, sentinel: crmerrors.ErrNotFound, calls: 1},
		{name: "bad request", status: http.StatusBadRequest, sentinel: crmerrors.ErrValidation, calls: 1},
		{name: "rate limited", status: http.StatusTooManyRequests, sentinel: crmerrors.ErrTransientNetwork, calls: 3},
		{name: "server error", status: http.StatusBadGateway, sentinel: crmerrors.ErrTransientNetwork, calls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newAPIClient("test", "k", testOptions().withDefaults())
			_, err := c.do(context.Background(), http.MethodGet, srv.URL+"/x?token=abc", nil, nil, nil)

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), err.Error())
			assert.NotContains(t, err.Error(), "abc")
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestAPIClientRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	m := metrics.NewMetrics()
	opts := testOptions()
	opts.Metrics = m
	c := newAPIClient("test", "k", opts.withDefaults())

	var out map[string]string
	status, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, &out)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "yes", out["ok"])
	assert.Equal(t, float64(1), counterValue(t, m, "crm_sync_connector_retries_total"))
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestAPIClientPerCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	opts.MaxAttempts = 2
	c := newAPIClient("test", "k", opts.withDefaults())

	_, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, crmerrors.ErrTransientNetwork))
}

func TestAPIClientStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newAPIClient("test", "k", testOptions().withDefaults())

	_, err := c.do(ctx, http.MethodGet, srv.URL, nil, nil, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAPIClientEmptyStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newAPIClient("test", "k", testOptions().withDefaults())
	var out map[string]any
	status, err := c.do(context.Background(), http.MethodGet, srv.URL, nil, nil, &out, http.StatusNoContent)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Nil(t, out)
}

func TestLimiterPoolSharesPerKey(t *testing.T) {
	pool := NewLimiterPool(5)
	assert.Same(t, pool.Get("salesforce:a"), pool.Get("salesforce:a"))
	assert.NotSame(t, pool.Get("salesforce:a"), pool.Get("salesforce:b"))

	unlimited := NewLimiterPool(0).Get("x")
	assert.True(t, unlimited.Allow())
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://api.example.com/v1/persons", redactURL("https://user:pw@api.example.com/v1/persons?api_token=s3cret#frag"))
	assert.Equal(t, "https://a.io/x/y", joinURL("https://a.io/", "/x/", "y"))
}
