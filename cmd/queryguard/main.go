package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"queryguard/internal/api"
	"queryguard/internal/config"
	"queryguard/internal/logger"
	"queryguard/internal/models"
	"queryguard/internal/observability"
	"queryguard/internal/throttle"
	"queryguard/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	filter, err := buildThrottleFilter(cfg.Throttling, log)
	if err != nil {
		slog.Error("Failed to build throttling filter", "error", err)
		os.Exit(1)
	}

	handlers, err := api.NewHandlers(cfg.Upstream)
	if err != nil {
		slog.Error("Failed to initialize upstream proxy", "error", err)
		os.Exit(1)
	}

	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	router := api.SetupRoutes(handlers, filter, routeOpts...)

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"upstream", cfg.Upstream.URL,
			"throttling_enabled", cfg.Throttling.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server",
		"throttled_requests", filter.ThrottledRequests(),
		"banned_requests", filter.BannedRequests(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// buildThrottleFilter assembles the engine from configuration: bucketing
// strategies (query patterns, agent patterns, client fallback), the shared
// state store, and the two throttlers.
func buildThrottleFilter(cfg models.ThrottlingConfig, log *slog.Logger) (*throttle.Filter, error) {
	factory, err := throttle.NewStateFactory(throttle.StateSpec{
		Time: throttle.BucketSpec{
			Capacity:     cfg.TimeBucketCapacity(),
			RefillAmount: cfg.TimeBucketRefillAmount(),
			RefillPeriod: cfg.TimeBucketRefillPeriod(),
		},
		Errors: throttle.BucketSpec{
			Capacity:     int64(cfg.ErrorBucketCapacity),
			RefillAmount: int64(cfg.ErrorBucketRefillAmount),
			RefillPeriod: cfg.ErrorBucketRefillPeriod(),
		},
		Throttles: throttle.BucketSpec{
			Capacity:     int64(cfg.ThrottleBucketCapacity),
			RefillAmount: int64(cfg.ThrottleBucketRefillAmount),
			RefillPeriod: cfg.ThrottleBucketRefillPeriod(),
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	store := throttle.NewStateStore(cfg.MaxStateSize, cfg.StateExpiration(), factory)

	strategies := []throttle.Bucketer{
		throttle.NewRegexpBucketing(throttle.LoadPatterns(cfg.QueryPatternsFile), "query:", throttle.QueryParam("query")),
		throttle.NewRegexpBucketing(throttle.LoadPatterns(cfg.AgentPatternsFile), "agent:", throttle.Header("User-Agent")),
		throttle.UserAgentIPBucketing{},
	}

	return throttle.NewFilter(throttle.FilterOptions{
		Enabled:    cfg.Enabled,
		Strategies: strategies,
		Throttler: throttle.NewTimeAndErrorsThrottler(
			cfg.RequestDurationThreshold(), store,
			cfg.EnableThrottlingIfHeader, cfg.AlwaysThrottleParam, nil),
		Banner: throttle.NewBanThrottler(
			cfg.BanDuration(), store,
			cfg.EnableBanIfHeader, cfg.AlwaysBanParam, nil),
		Store:  store,
		Logger: log,
	})
}
