package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"throttler/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves Prometheus metrics on a port separate from the API.
type MetricsServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewMetricsServer builds a server exposing the default Prometheus gatherer
// at cfg.Path. The handler is only mounted when provider has a Prometheus
// exporter; otherwise every path returns 404.
func NewMetricsServer(cfg models.MetricsConfig, provider *Provider, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	if provider != nil && provider.promExporter != nil {
		mux.Handle(cfg.Path, promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer,
			promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
				ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
			}),
		))
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves metrics until Shutdown. It returns http.ErrServerClosed on a
// graceful stop.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

// Handler returns the underlying mux.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}

func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
