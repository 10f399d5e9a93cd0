package api

import (
	"net/http"

	"queryguard/internal/throttle"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
// Health probes are not traced.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/healthz"
			}),
		))
	}
}

// SetupRoutes configures the HTTP routes. The throttling filter wraps only
// the proxied query traffic; health probes always pass. A nil filter
// (tests, or throttling fully compiled out) leaves the proxy bare.
func SetupRoutes(handlers *Handlers, filter *throttle.Filter, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	for _, opt := range opts {
		opt(router)
	}

	router.HandleFunc("/healthz", handlers.Health).Methods("GET")

	query := handlers.Proxy()
	if filter != nil {
		query = filter.Wrap(query)
	}
	router.PathPrefix("/").Handler(query)

	return router
}
