package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"throttler/internal/api"
	"throttler/internal/config"
	"throttler/internal/embedding"
	"throttler/internal/logger"
	"throttler/internal/models"
	"throttler/internal/observability"
	"throttler/internal/ratelimit"
	"throttler/internal/scheduler"
	"throttler/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to configuration file")
	exampleConfig = flag.String("write-example-config", "", "Write an example configuration file to this path and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}
	if *exampleConfig != "" {
		if err := config.SaveExample(*exampleConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
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

	sched, err := newScheduler(cfg, otelProvider, log)
	if err != nil {
		slog.Error("Failed to initialize scheduler", "error", err)
		os.Exit(1)
	}

	client, err := embedding.NewClient(cfg.Embedding, sched,
		embedding.WithLogger(log),
		embedding.WithUserAgent(ver.UserAgent()),
		embedding.WithHTTPClient(&http.Client{Timeout: cfg.Embedding.RequestTimeout + 5*time.Second}),
	)
	if err != nil {
		slog.Error("Failed to initialize embedding client", "error", err)
		os.Exit(1)
	}

	handlers := api.NewHandlers(client, sched, ver, cfg.Embedding.MaxBatchSize, log)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{api.WithLogger(log)}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.Security.RateLimit.Enabled {
		limiter := ratelimit.NewMemoryLimiter(cfg.Security.RateLimit)
		defer limiter.Close()
		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.Middleware(limiter, ratelimit.ClientIP, log)))
	}
	router := api.SetupRoutes(handlers, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics, otelProvider, log)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
			"max_requests_per_second", cfg.Scheduler.MaxRequestsPerSecond,
			"max_requests_per_minute", cfg.Scheduler.MaxRequestsPerMinute,
			"max_concurrent_requests", cfg.Scheduler.MaxConcurrentRequests,
		)

		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// In-flight handlers hold their scheduler handles, so waiting for them
	// also waits for the admitted embedding calls.
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	st := sched.Status()
	slog.Info("Server shutdown complete", "queue_length", st.QueueLength, "in_flight", st.InFlight)
}

// newScheduler builds the scheduler and, when metrics are enabled, attaches
// the OpenTelemetry observer and gauges.
func newScheduler(cfg *models.Config, otelProvider *observability.Provider, log *slog.Logger) (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{
		scheduler.WithLogger(log.With("component", "scheduler")),
		scheduler.WithHistoryHighWater(cfg.Scheduler.HistoryHighWater),
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
	}

	var metrics *observability.SchedulerMetrics
	if cfg.Metrics.Enabled {
		var err error
		metrics, err = observability.NewSchedulerMetrics(
			observability.WithMeterProvider(otelProvider.MeterProvider()))
		if err != nil {
			return nil, fmt.Errorf("create scheduler metrics: %w", err)
		}
		opts = append(opts, scheduler.WithObserver(metrics))
	}

	sched, err := scheduler.New(scheduler.Limits{
		PerSecond:  cfg.Scheduler.MaxRequestsPerSecond,
		PerMinute:  cfg.Scheduler.MaxRequestsPerMinute,
		Concurrent: cfg.Scheduler.MaxConcurrentRequests,
	}, opts...)
	if err != nil {
		return nil, err
	}

	if metrics != nil {
		if err := metrics.ObserveStatus(sched); err != nil {
			return nil, fmt.Errorf("register scheduler gauges: %w", err)
		}
	}
	return sched, nil
}
