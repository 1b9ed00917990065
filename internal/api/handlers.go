package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"throttler/internal/embedding"
	"throttler/internal/models"
	"throttler/internal/scheduler"
	"throttler/internal/version"
)

const maxRequestBodyBytes = 4 << 20

// Embedder is the part of embedding.Client the handlers use.
type Embedder interface {
	Model() string
	EmbedBatch(ctx context.Context, inputs []string) []embedding.Result
}

// StatusSource reports the scheduler's current state.
type StatusSource interface {
	Status() scheduler.Status
}

// Handlers contains HTTP handlers for the throttler API
type Handlers struct {
	embedder     Embedder
	scheduler    StatusSource
	version      version.Info
	maxBatchSize int
	started      time.Time
	logger       *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(embedder Embedder, sched StatusSource, ver version.Info, maxBatchSize int, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		embedder:     embedder,
		scheduler:    sched,
		version:      ver,
		maxBatchSize: maxBatchSize,
		started:      time.Now(),
		logger:       logger,
	}
}

// HealthCheck handles health check requests
// GET /health, GET /api/v1/health
// The service reports degraded while work is queued behind an exhausted
// per-minute quota; it keeps answering 200 so orchestrators do not restart it.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	st := h.scheduler.Status()

	status, message := models.StatusHealthy, "Scheduler is admitting work"
	switch {
	case st.QueueLength > 0 && st.DispatchesLastMinute >= st.Limits.PerMinute:
		status, message = models.StatusDegraded, "Per-minute quota exhausted, requests are queued"
	case !st.Draining:
		message = "Scheduler is idle"
	}

	response := models.NewHealthCheckResponse(status)
	response.Version = h.version.Version
	response.Uptime = time.Since(h.started).Round(time.Second).String()
	response.AddComponent("scheduler", status, message)
	response.AddMetric("queue_length", st.QueueLength)
	response.AddMetric("in_flight", st.InFlight)
	response.AddMetric("dispatches_last_second", st.DispatchesLastSecond)
	response.AddMetric("dispatches_last_minute", st.DispatchesLastMinute)

	h.writeJSONResponse(w, http.StatusOK, response)
}

// SchedulerStatus returns the scheduler snapshot
// GET /api/v1/scheduler/status
func (h *Handlers) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.scheduler.Status())
}

// CreateEmbeddings forwards each input to the embedding API through the
// scheduler
// POST /api/v1/embeddings
func (h *Handlers) CreateEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req models.EmbeddingRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	if err := req.Validate(h.maxBatchSize); err != nil {
		h.writeErrorResponse(w, r, http.StatusUnprocessableEntity, models.ErrorCodeValidation, err.Error())
		return
	}

	results := h.embedder.EmbedBatch(r.Context(), req.Input)

	response := &models.EmbeddingResponse{
		Model:     h.embedder.Model(),
		Data:      make([]models.EmbeddingItem, len(results)),
		RequestID: RequestIDFromContext(r.Context()),
	}
	for i, res := range results {
		item := models.EmbeddingItem{Index: res.Index, Embedding: res.Embedding}
		if res.Err != nil {
			item.Error = describeFailure(res.Err)
			response.Failed++
		}
		response.Data[i] = item
	}

	if ctxErr := r.Context().Err(); ctxErr != nil && response.Failed == len(results) {
		h.logger.Info("Client went away before embeddings completed", "request_id", response.RequestID)
		return
	}

	if response.Failed == len(results) {
		h.logger.Warn("Every embedding input failed",
			"request_id", response.RequestID,
			"inputs", len(results),
			"first_error", results[0].Err,
		)
		h.writeErrorResponse(w, r, http.StatusBadGateway, models.ErrorCodeUpstream, response.Data[0].Error)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// describeFailure renders a per-item error without leaking transport details.
func describeFailure(err error) string {
	var apiErr *embedding.APIError
	var panicErr *scheduler.PanicError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Sprintf("upstream returned %d: %s", apiErr.StatusCode, apiErr.Message)
	case errors.As(err, &panicErr):
		return "internal error"
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream request timed out"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	default:
		return err.Error()
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written.
		h.logger.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode)
	errorResp.RequestID = RequestIDFromContext(r.Context())
	h.writeJSONResponse(w, statusCode, errorResp)
}
