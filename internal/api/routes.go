package api

import (
	"log/slog"
	"net/http"

	"throttler/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type routeOptions struct {
	logger      *slog.Logger
	otelService string
	rateLimiter func(http.Handler) http.Handler
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeOptions)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(o *routeOptions) {
		o.otelService = serviceName
	}
}

// WithRateLimiter guards the quota-consuming routes with middleware.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(o *routeOptions) {
		o.rateLimiter = middleware
	}
}

// WithLogger sets the request and panic logger.
func WithLogger(logger *slog.Logger) RouteOption {
	return func(o *routeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, opts ...RouteOption) *mux.Router {
	o := routeOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	router := mux.NewRouter()

	if o.otelService != "" {
		router.Use(otelmux.Middleware(o.otelService,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/api/v1/health"
			}),
		))
	}
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(o.logger))
	router.Use(recoveryMiddleware(o.logger))

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/status", handlers.SchedulerStatus).Methods(http.MethodGet)

	embeddings := api.PathPrefix("/embeddings").Subrouter()
	if o.rateLimiter != nil {
		embeddings.Use(o.rateLimiter)
	}
	embeddings.HandleFunc("", handlers.CreateEmbeddings).Methods(http.MethodPost)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", models.ErrorCodeBadRequest)
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", models.ErrorCodeNotFound)
	})

	return router
}
