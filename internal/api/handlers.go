// Package api wires the HTTP surface of queryguard: a health endpoint and
// a reverse proxy forwarding everything else to the protected query
// service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"queryguard/internal/models"
	"queryguard/internal/version"
)

// Handlers serves the health endpoint and the upstream proxy.
type Handlers struct {
	upstream *url.URL
	timeout  time.Duration
	proxy    *httputil.ReverseProxy
}

// NewHandlers builds the proxy against the configured upstream.
func NewHandlers(cfg models.UpstreamConfig) (*Handlers, error) {
	upstream, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	h := &Handlers{upstream: upstream, timeout: cfg.Timeout}
	h.proxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.URL.Path = joinPath(upstream.Path, req.URL.Path)
			req.Host = upstream.Host
			req.Header.Set("X-Forwarded-Host", req.Host)
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// Timeouts and refused connections surface as 502, which the
			// throttling filter accounts as a failure for the client bucket.
			slog.Warn("Upstream request failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return h, nil
}

// Proxy returns the handler forwarding requests to the upstream with a
// per-request timeout.
func (h *Handlers) Proxy() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		h.proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Health answers liveness probes with service identity.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ver := version.GetInfo()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "ok",
		"version":  ver.Version,
		"upstream": h.upstream.String(),
	})
}

// joinPath concatenates the upstream base path and the request path with
// exactly one slash between them.
func joinPath(base, req string) string {
	switch {
	case base == "" || base == "/":
		return req
	case strings.HasSuffix(base, "/") && strings.HasPrefix(req, "/"):
		return base + req[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(req, "/"):
		return base + "/" + req
	default:
		return base + req
	}
}
