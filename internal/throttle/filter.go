// Package throttle protects a shared query endpoint from clients that
// consume disproportionate resources or repeatedly fail. Every request is
// classified into a bucket (an equivalence class of clients), its cost and
// outcome are charged against per-bucket token buckets once the downstream
// handler completes, and over-budget clients are throttled (HTTP 429 with
// Retry-After) or, if they ignore throttling, banned (HTTP 403) for a
// configurable duration.
//
// All state lives in a single process; the filter is not cluster aware.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Filter is the orchestrating HTTP middleware. Per request it classifies,
// checks the ban deadline, checks the throttling decision, and otherwise
// times the downstream handler and accounts the outcome: status codes below
// 400 are successes, everything else (including a panicking handler) is a
// failure.
type Filter struct {
	enabled    bool
	strategies []Bucketer
	throttler  *TimeAndErrorsThrottler
	banner     *BanThrottler
	store      *StateStore
	now        func() time.Time
	log        *slog.Logger

	// Decision log lines are sampled so an abusive client cannot flood
	// the log with one line per rejected request.
	logSampler *rate.Limiter

	throttledRequests atomic.Int64
	bannedRequests    atomic.Int64

	throttledCounter metric.Int64Counter
	bannedCounter    metric.Int64Counter
}

// FilterOptions configures a Filter. Strategies are consulted in order; the
// last one should always have an opinion (UserAgentIPBucketing does).
type FilterOptions struct {
	// Enabled is the master switch. When false the filter passes every
	// request straight through: no decisions, no accounting.
	Enabled    bool
	Strategies []Bucketer
	Throttler  *TimeAndErrorsThrottler
	Banner     *BanThrottler
	Store      *StateStore
	Logger     *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewFilter assembles the middleware and registers its OpenTelemetry
// instruments: counters for throttled and banned requests and an
// observable gauge for the state store size.
func NewFilter(opts FilterOptions) (*Filter, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f := &Filter{
		enabled:    opts.Enabled,
		strategies: opts.Strategies,
		throttler:  opts.Throttler,
		banner:     opts.Banner,
		store:      opts.Store,
		now:        opts.Now,
		log:        opts.Logger,
		logSampler: rate.NewLimiter(rate.Every(time.Second), 10),
	}

	meter := otel.Meter("queryguard/throttle")
	var err error
	f.throttledCounter, err = meter.Int64Counter(
		"throttle.requests.throttled",
		metric.WithDescription("Number of requests rejected with HTTP 429"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("throttled counter: %w", err)
	}
	f.bannedCounter, err = meter.Int64Counter(
		"throttle.requests.banned",
		metric.WithDescription("Number of requests rejected with HTTP 403"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("banned counter: %w", err)
	}
	_, err = meter.Int64ObservableGauge(
		"throttle.state.size",
		metric.WithDescription("Number of client buckets currently tracked"),
		metric.WithUnit("{bucket}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(f.store.Len()))
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("state size gauge: %w", err)
	}
	return f, nil
}

// Wrap returns a handler that applies throttling in front of next.
func (f *Filter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.enabled {
			next.ServeHTTP(w, r)
			return
		}
		key := f.bucketKey(r)

		if until := f.banner.ThrottledUntil(key, r); until.After(f.now()) {
			f.bannedRequests.Add(1)
			f.bannedCounter.Add(r.Context(), 1)
			if f.logSampler.Allow() {
				f.log.Info("Request banned", "bucket", key, "banned_until", until)
			}
			notifyBanned(w, until)
			return
		}

		if backoff := f.throttler.ThrottledDuration(key, r); backoff >= 0 {
			f.throttledRequests.Add(1)
			f.throttledCounter.Add(r.Context(), 1)
			if f.logSampler.Allow() {
				f.log.Info("Request throttled", "bucket", key, "backoff", backoff)
			}
			notifyThrottled(w, backoff)
			f.banner.Throttled(key, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		start := f.now()
		defer func() {
			// A panicking handler is accounted as a failure before the
			// panic propagates.
			if p := recover(); p != nil {
				f.throttler.Failure(key, r, f.now().Sub(start))
				panic(p)
			}
		}()
		next.ServeHTTP(rec, r)
		elapsed := f.now().Sub(start)

		// 1xx through 3xx count as success, 4xx and 5xx as failure.
		if rec.Status() < 400 {
			f.throttler.Success(key, r, elapsed)
		} else {
			f.throttler.Failure(key, r, elapsed)
		}
	})
}

// bucketKey runs the classification chain. The first strategy with an
// opinion wins.
func (f *Filter) bucketKey(r *http.Request) string {
	for _, s := range f.strategies {
		if key, ok := s.Bucket(r); ok {
			return key
		}
	}
	return ""
}

// StateSize returns the number of client buckets currently tracked.
func (f *Filter) StateSize() int { return f.store.Len() }

// ThrottledRequests returns the total number of requests answered 429.
func (f *Filter) ThrottledRequests() int64 { return f.throttledRequests.Load() }

// BannedRequests returns the total number of requests answered 403.
func (f *Filter) BannedRequests() int64 { return f.bannedRequests.Load() }

func notifyBanned(w http.ResponseWriter, until time.Time) {
	msg := fmt.Sprintf(
		"You have been banned until %s, please respect throttling and retry-after headers.",
		until.UTC().Format(time.RFC3339),
	)
	http.Error(w, msg, http.StatusForbidden)
}

func notifyThrottled(w http.ResponseWriter, backoff time.Duration) {
	secs := int64(backoff / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	http.Error(w, fmt.Sprintf("Too Many Requests - Please retry in %d seconds.", secs), http.StatusTooManyRequests)
}

// statusRecorder captures the status code written by the downstream handler
// so the filter can classify the outcome after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Status returns the recorded status, defaulting to 200 when the handler
// never called WriteHeader.
func (w *statusRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
