package throttle

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEngine bundles a fully wired filter with the hooks tests need.
type testEngine struct {
	clk    *fakeClock
	store  *StateStore
	filter *Filter
}

type engineConfig struct {
	enabled     bool
	threshold   time.Duration
	spec        StateSpec
	banDuration time.Duration
	patterns    []string
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		enabled:     true,
		threshold:   500 * time.Millisecond,
		banDuration: time.Minute,
		spec: StateSpec{
			Time:      BucketSpec{Capacity: 60000, RefillAmount: 60000, RefillPeriod: time.Minute},
			Errors:    BucketSpec{Capacity: 5, RefillAmount: 5, RefillPeriod: time.Minute},
			Throttles: BucketSpec{Capacity: 10, RefillAmount: 10, RefillPeriod: 15 * time.Minute},
		},
	}
}

func newTestEngine(t *testing.T, cfg engineConfig) *testEngine {
	t.Helper()

	clk := newFakeClock()
	factory, err := NewStateFactory(cfg.spec, clk.Now)
	require.NoError(t, err)
	store := NewStateStore(1000, time.Hour, factory)

	strategies := []Bucketer{
		NewRegexpBucketing(LoadPatternsFromLines(cfg.patterns), "query:", QueryParam("query")),
		NewRegexpBucketing(nil, "agent:", Header("User-Agent")),
		UserAgentIPBucketing{},
	}

	filter, err := NewFilter(FilterOptions{
		Enabled:    cfg.enabled,
		Strategies: strategies,
		Throttler:  NewTimeAndErrorsThrottler(cfg.threshold, store, "", "forceThrottle", clk.Now),
		Banner:     NewBanThrottler(cfg.banDuration, store, "", "forceBan", clk.Now),
		Store:      store,
		Now:        clk.Now,
	})
	require.NoError(t, err)

	return &testEngine{clk: clk, store: store, filter: filter}
}

// handlerTaking simulates a downstream handler that takes the given
// duration (advancing the fake clock) and answers with status.
func (e *testEngine) handlerTaking(d time.Duration, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.clk.Advance(d)
		w.WriteHeader(status)
	})
}

func (e *testEngine) do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func clientRequest(ip, agent, target string) *http.Request {
	req := httptest.NewRequest("GET", target, nil)
	req.RemoteAddr = ip + ":40000"
	req.Header.Set("User-Agent", agent)
	return req
}

func TestFilter_AdmitsFreshClient(t *testing.T) {
	e := newTestEngine(t, defaultEngineConfig())
	h := e.filter.Wrap(e.handlerTaking(10*time.Millisecond, http.StatusOK))

	rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, e.filter.StateSize(), "fast success must not create state")
	assert.Equal(t, int64(0), e.filter.ThrottledRequests())
	assert.Equal(t, int64(0), e.filter.BannedRequests())
}

func TestFilter_ThrottlesOnTimeBudget(t *testing.T) {
	e := newTestEngine(t, defaultEngineConfig())
	h := e.filter.Wrap(e.handlerTaking(10*time.Second, http.StatusOK))

	// Six 10s requests drain the 60000ms budget.
	for i := 0; i < 6; i++ {
		rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
		assert.Equal(t, http.StatusOK, rr.Code, "request %d", i+1)
	}

	rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "Too Many Requests - Please retry in")

	// State was created after the first request, so the next refill is one
	// period after that: 10 seconds from now.
	assert.Equal(t, "10", rr.Header().Get("Retry-After"))
	assert.Equal(t, int64(1), e.filter.ThrottledRequests())
}

func TestFilter_ThrottlesOnErrors(t *testing.T) {
	e := newTestEngine(t, defaultEngineConfig())
	h := e.filter.Wrap(e.handlerTaking(10*time.Millisecond, http.StatusInternalServerError))

	// Error bucket capacity is 5; the fifth failure empties it.
	for i := 0; i < 5; i++ {
		rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
		assert.Equal(t, http.StatusInternalServerError, rr.Code, "request %d", i+1)
	}

	rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestFilter_BansAfterRepeatedThrottling(t *testing.T) {
	e := newTestEngine(t, defaultEngineConfig())
	h := e.filter.Wrap(e.handlerTaking(10*time.Millisecond, http.StatusOK))

	// Each forced 429 charges the throttle bucket (capacity 10); the
	// tenth incident triggers the ban.
	for i := 0; i < 10; i++ {
		rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql?forceThrottle=1"))
		assert.Equal(t, http.StatusTooManyRequests, rr.Code, "request %d", i+1)
	}

	rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	wantDeadline := e.clk.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	assert.Equal(t,
		fmt.Sprintf("You have been banned until %s, please respect throttling and retry-after headers.\n", wantDeadline),
		rr.Body.String())
	assert.Equal(t, int64(1), e.filter.BannedRequests())

	// Once the ban lapses the client is evaluated normally again.
	e.clk.Advance(61 * time.Second)
	rr = e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFilter_RegexBucketingSharesState(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.patterns = []string{`.*WHERE \{\?a \?b \?c\}.*`}
	cfg.spec.Time = BucketSpec{Capacity: 30000, RefillAmount: 30000, RefillPeriod: time.Minute}
	e := newTestEngine(t, cfg)

	h := e.filter.Wrap(e.handlerTaking(20*time.Second, http.StatusOK))
	target := "/sparql?query=" + url.QueryEscape("SELECT * WHERE {?a ?b ?c}")

	// Two distinct clients; each alone is within budget, together they
	// drain the shared pattern bucket.
	rr := e.do(h, clientRequest("192.0.2.1", "agent-a", target))
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = e.do(h, clientRequest("192.0.2.2", "agent-b", target))
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, 1, e.filter.StateSize(), "both clients share one pattern bucket")

	rr = e.do(h, clientRequest("192.0.2.3", "agent-c", target))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// The same clients stay admitted on queries that match no pattern.
	rr = e.do(h, clientRequest("192.0.2.1", "agent-a", "/sparql?query=other"))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFilter_ForcedThrottleStillChargesThrottleBucket(t *testing.T) {
	e := newTestEngine(t, defaultEngineConfig())
	h := e.filter.Wrap(e.handlerTaking(10*time.Millisecond, http.StatusOK))

	rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql?forceThrottle=1"))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	st, ok := e.store.Get("client:192.0.2.1|curl/8.0")
	require.True(t, ok, "the throttling incident must be recorded")
	assert.Equal(t, int64(9), st.ThrottleBucket().Available())
}

func TestFilter_DisabledPassesEverythingThrough(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.enabled = false
	e := newTestEngine(t, cfg)
	h := e.filter.Wrap(e.handlerTaking(20*time.Second, http.StatusInternalServerError))

	for i := 0; i < 20; i++ {
		rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql?forceThrottle=1&forceBan=1"))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	}
	assert.Equal(t, 0, e.filter.StateSize(), "disabled filter must not account")
	assert.Equal(t, int64(0), e.filter.ThrottledRequests())
	assert.Equal(t, int64(0), e.filter.BannedRequests())
}

func TestFilter_ExactlyOneOutcomePerRequest(t *testing.T) {
	e := newTestEngine(t, defaultEngineConfig())
	h := e.filter.Wrap(e.handlerTaking(10*time.Second, http.StatusOK))

	codes := map[int]int{}
	for i := 0; i < 30; i++ {
		rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
		codes[rr.Code]++
	}
	total := 0
	for code, n := range codes {
		switch code {
		case http.StatusOK, http.StatusTooManyRequests, http.StatusForbidden:
			total += n
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	assert.Equal(t, 30, total)
}

func TestFilter_PanickingHandlerIsAccountedAsFailure(t *testing.T) {
	e := newTestEngine(t, defaultEngineConfig())
	h := e.filter.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.clk.Advance(2 * time.Second)
		panic("boom")
	}))

	req := clientRequest("192.0.2.1", "curl/8.0", "/sparql")
	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), req)
	})

	st, ok := e.store.Get("client:192.0.2.1|curl/8.0")
	require.True(t, ok)
	assert.Equal(t, int64(58000), st.TimeBucket().Available())
	assert.Equal(t, int64(4), st.ErrorBucket().Available())
}

func TestFilter_FallsBackToClientBucketing(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.patterns = []string{`.*nomatch.*`}
	e := newTestEngine(t, cfg)
	h := e.filter.Wrap(e.handlerTaking(time.Second, http.StatusOK))

	rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql?query=plain"))
	assert.Equal(t, http.StatusOK, rr.Code)

	_, ok := e.store.Get("client:192.0.2.1|curl/8.0")
	assert.True(t, ok, "the default strategy keys by IP and User-Agent")
}

func TestFilter_ThrottleBodyFormat(t *testing.T) {
	e := newTestEngine(t, defaultEngineConfig())
	h := e.filter.Wrap(e.handlerTaking(10*time.Second, http.StatusOK))

	for i := 0; i < 6; i++ {
		e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
	}
	rr := e.do(h, clientRequest("192.0.2.1", "curl/8.0", "/sparql"))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	secs := rr.Header().Get("Retry-After")
	assert.True(t, strings.HasPrefix(rr.Body.String(),
		fmt.Sprintf("Too Many Requests - Please retry in %s seconds.", secs)))
}
