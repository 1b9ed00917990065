package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	// Test server defaults
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 30*time.Second, config.Server.ReadTimeout)
	assert.Equal(t, 2*time.Minute, config.Server.WriteTimeout)
	assert.Equal(t, 60*time.Second, config.Server.IdleTimeout)
	assert.False(t, config.Server.TLSEnabled)

	// Test scheduler defaults
	assert.Equal(t, 40, config.Scheduler.MaxRequestsPerSecond)
	assert.Equal(t, 1500, config.Scheduler.MaxRequestsPerMinute)
	assert.Equal(t, 8, config.Scheduler.MaxConcurrentRequests)
	assert.Equal(t, 5000, config.Scheduler.HistoryHighWater)
	assert.Equal(t, 50*time.Millisecond, config.Scheduler.PollInterval)

	// Test embedding defaults
	assert.Equal(t, "https://api.openai.com/v1", config.Embedding.BaseURL)
	assert.Equal(t, "text-embedding-3-small", config.Embedding.Model)
	assert.Equal(t, 30*time.Second, config.Embedding.RequestTimeout)
	assert.Empty(t, config.Embedding.APIKey)

	// Test security defaults
	assert.True(t, config.Security.RateLimit.Enabled)
	assert.Equal(t, 120, config.Security.RateLimit.RequestsPerMinute)
	assert.Equal(t, 20, config.Security.RateLimit.BurstSize)

	// Test logging defaults
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "stdout", config.Logging.Output)

	// Test metrics defaults
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, "/metrics", config.Metrics.Path)
	assert.Equal(t, 9090, config.Metrics.Port)

	// Test observability defaults
	assert.Equal(t, "throttler", config.Observability.ServiceName)
	assert.False(t, config.Observability.Tracing.Enabled)
	assert.Equal(t, "stdout", config.Observability.Tracing.Exporter)
	assert.Equal(t, 1.0, config.Observability.Tracing.SampleRate)

	require.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		expectErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:      "bad port",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			expectErr: "invalid server config",
		},
		{
			name:      "empty host",
			mutate:    func(c *Config) { c.Server.Host = "" },
			expectErr: "host cannot be empty",
		},
		{
			name: "tls without cert",
			mutate: func(c *Config) {
				c.Server.TLSEnabled = true
				c.Server.TLSKeyFile = "/tmp/key.pem"
			},
			expectErr: "TLS cert file is required",
		},
		{
			name:      "zero per second",
			mutate:    func(c *Config) { c.Scheduler.MaxRequestsPerSecond = 0 },
			expectErr: "invalid scheduler config",
		},
		{
			name:      "zero per minute",
			mutate:    func(c *Config) { c.Scheduler.MaxRequestsPerMinute = 0 },
			expectErr: "max requests per minute must be positive",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Scheduler.MaxConcurrentRequests = 0 },
			expectErr: "max concurrent requests must be positive",
		},
		{
			name:      "negative poll interval",
			mutate:    func(c *Config) { c.Scheduler.PollInterval = -time.Second },
			expectErr: "poll interval cannot be negative",
		},
		{
			name:      "relative base url",
			mutate:    func(c *Config) { c.Embedding.BaseURL = "/v1" },
			expectErr: "invalid base URL",
		},
		{
			name:      "empty model",
			mutate:    func(c *Config) { c.Embedding.Model = "" },
			expectErr: "model cannot be empty",
		},
		{
			name:      "inbound limit without rate",
			mutate:    func(c *Config) { c.Security.RateLimit.RequestsPerMinute = 0 },
			expectErr: "invalid security config",
		},
		{
			name: "inbound limit disabled ignores rate",
			mutate: func(c *Config) {
				c.Security.RateLimit.Enabled = false
				c.Security.RateLimit.RequestsPerMinute = 0
			},
		},
		{
			name:      "bad log level",
			mutate:    func(c *Config) { c.Logging.Level = "trace" },
			expectErr: "invalid log level",
		},
		{
			name:      "file output without path",
			mutate:    func(c *Config) { c.Logging.Output = "file" },
			expectErr: "file path is required",
		},
		{
			name:      "metrics without path",
			mutate:    func(c *Config) { c.Metrics.Path = "" },
			expectErr: "metrics path cannot be empty",
		},
		{
			name: "disabled metrics skip validation",
			mutate: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.Port = 0
			},
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Observability.Tracing.Enabled = true
				c.Observability.Tracing.Exporter = TraceExporterOTLP
			},
			expectErr: "OTLP endpoint is required",
		},
		{
			name: "unknown exporter",
			mutate: func(c *Config) {
				c.Observability.Tracing.Enabled = true
				c.Observability.Tracing.Exporter = "zipkin"
			},
			expectErr: "invalid trace exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

func TestEmbeddingRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		input     []string
		maxBatch  int
		expectErr string
	}{
		{name: "valid", input: []string{"hello", "world"}, maxBatch: 10},
		{name: "no ceiling", input: []string{"a", "b", "c"}, maxBatch: 0},
		{name: "empty", input: nil, maxBatch: 10, expectErr: "at least one text"},
		{name: "too many", input: []string{"a", "b", "c"}, maxBatch: 2, expectErr: "maximum is 2"},
		{name: "blank text", input: []string{"a", "  "}, maxBatch: 10, expectErr: "input[1] is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &EmbeddingRequest{Input: tt.input}
			err := req.Validate(tt.maxBatch)
			if tt.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

func TestHealthCheckResponse(t *testing.T) {
	resp := NewHealthCheckResponse(StatusHealthy)
	resp.AddComponent("scheduler", StatusHealthy, "Scheduler is idle")
	resp.AddMetric("queue_length", 0)

	assert.Equal(t, StatusHealthy, resp.Status)
	require.Contains(t, resp.Components, "scheduler")
	assert.Equal(t, "Scheduler is idle", resp.Components["scheduler"].Message)
	assert.Equal(t, 0, resp.Metrics["queue_length"])
	assert.False(t, resp.Timestamp.IsZero())
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("Rate limit exceeded", ErrorCodeRateLimited)
	assert.Equal(t, "error", resp.Error)
	assert.Equal(t, "Rate limit exceeded", resp.Message)
	assert.Equal(t, ErrorCodeRateLimited, resp.Code)
	assert.False(t, resp.Timestamp.IsZero())
}
