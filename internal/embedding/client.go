// Package embedding calls an OpenAI-compatible embeddings endpoint. Every
// HTTP request is admitted by a scheduler.Scheduler so the configured quota
// is never exceeded, however many callers share the client.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"throttler/internal/models"
	"throttler/internal/scheduler"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 32 << 20

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	userAgent  string
	sched      *scheduler.Scheduler
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer("throttler/embedding")
		}
	}
}

// Result is the outcome for one input of EmbedBatch.
type Result struct {
	Index     int
	Embedding []float64
	Err       error
}

// NewClient returns a client that submits its requests to sched.
func NewClient(cfg models.EmbeddingConfig, sched *scheduler.Scheduler, opts ...Option) (*Client, error) {
	if sched == nil {
		return nil, fmt.Errorf("embedding client requires a scheduler")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("embedding base URL is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      cfg.Model,
		timeout:    cfg.RequestTimeout,
		sched:      sched,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		tracer:     otel.Tracer("throttler/embedding"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Embed returns the vector for input. The call waits in the scheduler queue
// until admitted; ctx bounds both the wait and the request.
func (c *Client) Embed(ctx context.Context, input string) ([]float64, error) {
	ctx, span := c.tracer.Start(ctx, "embedding.Embed",
		trace.WithAttributes(
			attribute.String("embedding.model", c.model),
			attribute.Int("embedding.input_length", len(input)),
		),
	)
	defer span.End()

	vec, err := scheduler.Do(ctx, c.sched, func(ctx context.Context) ([]float64, error) {
		return c.post(ctx, input)
	})
	finishSpan(span, err)
	return vec, err
}

// EmbedBatch submits every input before waiting on any, so the inputs are
// dispatched in order. Results are returned in input order and a failure
// only affects its own entry.
func (c *Client) EmbedBatch(ctx context.Context, inputs []string) []Result {
	ctx, span := c.tracer.Start(ctx, "embedding.EmbedBatch",
		trace.WithAttributes(
			attribute.String("embedding.model", c.model),
			attribute.Int("embedding.batch_size", len(inputs)),
		),
	)
	defer span.End()

	handles := make([]*scheduler.Handle, len(inputs))
	for i, input := range inputs {
		input := input
		handles[i] = c.sched.Submit(ctx, func(ctx context.Context) (any, error) {
			return c.post(ctx, input)
		})
	}

	results := make([]Result, len(inputs))
	failed := 0
	for i, h := range handles {
		results[i].Index = i
		v, err := h.Wait(ctx)
		if err != nil {
			results[i].Err = err
			failed++
			continue
		}
		results[i].Embedding, _ = v.([]float64)
	}

	span.SetAttributes(attribute.Int("embedding.failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d inputs failed", failed, len(inputs)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return results
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// post performs exactly one HTTP request. It runs on a scheduler goroutine.
func (c *Client) post(ctx context.Context, input string) ([]float64, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("Embedding request completed",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, newAPIError(resp, respBody)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, ErrEmptyResponse
	}
	return parsed.Data[0].Embedding, nil
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
