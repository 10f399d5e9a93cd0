package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"queryguard/internal/throttle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilter(t *testing.T) *throttle.Filter {
	t.Helper()

	factory, err := throttle.NewStateFactory(throttle.StateSpec{
		Time:      throttle.BucketSpec{Capacity: 60000, RefillAmount: 60000, RefillPeriod: time.Minute},
		Errors:    throttle.BucketSpec{Capacity: 5, RefillAmount: 5, RefillPeriod: time.Minute},
		Throttles: throttle.BucketSpec{Capacity: 10, RefillAmount: 10, RefillPeriod: time.Minute},
	}, nil)
	require.NoError(t, err)
	store := throttle.NewStateStore(100, time.Hour, factory)

	filter, err := throttle.NewFilter(throttle.FilterOptions{
		Enabled:    true,
		Strategies: []throttle.Bucketer{throttle.UserAgentIPBucketing{}},
		Throttler:  throttle.NewTimeAndErrorsThrottler(500*time.Millisecond, store, "", "forceThrottle", nil),
		Banner:     throttle.NewBanThrottler(time.Minute, store, "", "forceBan", nil),
		Store:      store,
	})
	require.NoError(t, err)
	return filter
}

func TestSetupRoutes_HealthBypassesThrottling(t *testing.T) {
	h, err := NewHandlers(upstreamConfig("http://localhost:9999"))
	require.NoError(t, err)
	router := SetupRoutes(h, newTestFilter(t))

	// forceThrottle would 429 on query traffic, but health is not wrapped.
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz?forceThrottle=1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSetupRoutes_QueryTrafficIsThrottled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "results")
	}))
	defer backend.Close()

	h, err := NewHandlers(upstreamConfig(backend.URL))
	require.NoError(t, err)
	router := SetupRoutes(h, newTestFilter(t))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/sparql?query=SELECT%201", nil)
	req.RemoteAddr = "192.0.2.1:40000"
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "results", rr.Body.String())

	rr = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/sparql?forceThrottle=1", nil)
	req.RemoteAddr = "192.0.2.1:40000"
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestSetupRoutes_NilFilterLeavesProxyBare(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	h, err := NewHandlers(upstreamConfig(backend.URL))
	require.NoError(t, err)
	router := SetupRoutes(h, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/sparql?forceThrottle=1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSetupRoutes_WithOTelMiddleware(t *testing.T) {
	h, err := NewHandlers(upstreamConfig("http://localhost:9999"))
	require.NoError(t, err)
	router := SetupRoutes(h, nil, WithOTelMiddleware("queryguard-test"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
