// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every component of the
// throttler service.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, scheduler, embedding, etc.)
// - Defaults target the hosted OpenAI API; base_url points anywhere compatible
// - Validation that catches misconfigurations before the scheduler starts
package models

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Trace exporter constants
const (
	TraceExporterStdout = "stdout"
	TraceExporterOTLP   = "otlp"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server for health, status and the forwarding endpoint
// - Scheduler: outbound quota limits (burst, sustained, concurrency)
// - Embedding: the quota-constrained upstream API
// - Security: inbound per-client rate limiting
// - Logging: Structured logging and output configuration
// - Metrics: Prometheus metrics endpoint
// - Observability: OpenTelemetry tracing
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" json:"scheduler"`
	Embedding     EmbeddingConfig     `yaml:"embedding" json:"embedding"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

// SchedulerConfig holds the outbound quota. The three limits are fixed once
// the scheduler is constructed.
type SchedulerConfig struct {
	MaxRequestsPerSecond  int           `yaml:"max_requests_per_second" json:"max_requests_per_second"`
	MaxRequestsPerMinute  int           `yaml:"max_requests_per_minute" json:"max_requests_per_minute"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	HistoryHighWater      int           `yaml:"history_high_water" json:"history_high_water"`
	PollInterval          time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

type EmbeddingConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	APIKey         string        `yaml:"api_key" json:"-"`
	Model          string        `yaml:"model" json:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxBatchSize   int           `yaml:"max_batch_size" json:"max_batch_size"`
}

type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig limits inbound calls per client on the forwarding endpoint.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with conservative defaults.
//
// Default Values Rationale:
// - 40/s burst, 1500/min sustained, 8 concurrent: below typical embedding API quotas
// - Port 8080 for the API, 9090 for metrics
// - Inbound limit enabled so one client cannot monopolize the outbound quota
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
			TLSEnabled:   false,
		},
		Scheduler: SchedulerConfig{
			MaxRequestsPerSecond:  40,
			MaxRequestsPerMinute:  1500,
			MaxConcurrentRequests: 8,
			HistoryHighWater:      5000,
			PollInterval:          50 * time.Millisecond,
		},
		Embedding: EmbeddingConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			RequestTimeout: 30 * time.Second,
			MaxBatchSize:   256,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				BurstSize:         20,
				CleanupInterval:   5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "throttler",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   TraceExporterStdout,
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("invalid embedding config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (sc *SchedulerConfig) Validate() error {
	if sc.MaxRequestsPerSecond <= 0 {
		return errors.New("max requests per second must be positive")
	}

	if sc.MaxRequestsPerMinute <= 0 {
		return errors.New("max requests per minute must be positive")
	}

	if sc.MaxConcurrentRequests <= 0 {
		return errors.New("max concurrent requests must be positive")
	}

	if sc.HistoryHighWater < 0 {
		return errors.New("history high water cannot be negative")
	}

	if sc.PollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}

	return nil
}

func (ec *EmbeddingConfig) Validate() error {
	if ec.BaseURL == "" {
		return errors.New("base URL cannot be empty")
	}

	u, err := url.Parse(ec.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base URL: %s", ec.BaseURL)
	}

	if ec.Model == "" {
		return errors.New("model cannot be empty")
	}

	if ec.RequestTimeout < 0 {
		return errors.New("request timeout cannot be negative")
	}

	if ec.MaxBatchSize < 0 {
		return errors.New("max batch size cannot be negative")
	}

	return nil
}

func (sec *SecurityConfig) Validate() error {
	if sec.RateLimit.Enabled {
		if sec.RateLimit.RequestsPerMinute <= 0 {
			return errors.New("requests per minute must be positive when rate limiting is enabled")
		}
		if sec.RateLimit.BurstSize < 0 {
			return errors.New("burst size cannot be negative")
		}
		if sec.RateLimit.CleanupInterval <= 0 {
			return errors.New("cleanup interval must be positive when rate limiting is enabled")
		}
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !oneOf(lc.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !oneOf(lc.Format, "json", "text") {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !oneOf(lc.Output, "stdout", "stderr", "file") {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}

	if !oc.Tracing.Enabled {
		return nil
	}

	if !oneOf(oc.Tracing.Exporter, TraceExporterStdout, TraceExporterOTLP) {
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.Exporter == TraceExporterOTLP && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required when exporter is otlp")
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
