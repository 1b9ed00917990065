package observability

import (
	"context"
	"time"

	"throttler/internal/scheduler"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const schedulerScope = "throttler/scheduler"

// StatusSource exposes a scheduler snapshot for observable gauges.
type StatusSource interface {
	Status() scheduler.Status
}

// MetricsOption configures SchedulerMetrics.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	provider metric.MeterProvider
}

// WithMeterProvider records into mp instead of the global MeterProvider.
func WithMeterProvider(mp metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if mp != nil {
			o.provider = mp
		}
	}
}

// SchedulerMetrics implements scheduler.Observer on top of OpenTelemetry
// instruments.
type SchedulerMetrics struct {
	meter      metric.Meter
	dispatches metric.Int64Counter
	failures   metric.Int64Counter
	throttled  metric.Int64Counter
	queueWait  metric.Float64Histogram
	duration   metric.Float64Histogram
}

var _ scheduler.Observer = (*SchedulerMetrics)(nil)

// NewSchedulerMetrics creates the scheduler counters and histograms.
func NewSchedulerMetrics(opts ...MetricsOption) (*SchedulerMetrics, error) {
	o := metricsOptions{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	meter := o.provider.Meter(schedulerScope)

	dispatches, err := meter.Int64Counter(
		"scheduler.dispatches",
		metric.WithDescription("Number of work items admitted by the scheduler"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"scheduler.failures",
		metric.WithDescription("Number of work items that returned an error or panicked"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	throttled, err := meter.Int64Counter(
		"scheduler.throttled",
		metric.WithDescription("Number of drain waits, by binding constraint"),
		metric.WithUnit("{wait}"),
	)
	if err != nil {
		return nil, err
	}

	queueWait, err := meter.Float64Histogram(
		"scheduler.queue_wait",
		metric.WithDescription("Time between submission and dispatch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"scheduler.work.duration",
		metric.WithDescription("Duration of dispatched work in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &SchedulerMetrics{
		meter:      meter,
		dispatches: dispatches,
		failures:   failures,
		throttled:  throttled,
		queueWait:  queueWait,
		duration:   duration,
	}, nil
}

// Dispatched implements scheduler.Observer.
func (m *SchedulerMetrics) Dispatched(queueWait time.Duration) {
	ctx := context.Background()
	m.dispatches.Add(ctx, 1)
	m.queueWait.Record(ctx, queueWait.Seconds())
}

// Completed implements scheduler.Observer.
func (m *SchedulerMetrics) Completed(elapsed time.Duration, err error) {
	ctx := context.Background()
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.failures.Add(ctx, 1)
	}
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Throttled implements scheduler.Observer.
func (m *SchedulerMetrics) Throttled(c scheduler.Constraint, _ time.Duration) {
	m.throttled.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("constraint", string(c))))
}

// ObserveStatus registers queue length and in-flight gauges read from src
// at collection time.
func (m *SchedulerMetrics) ObserveStatus(src StatusSource) error {
	queueLength, err := m.meter.Int64ObservableGauge(
		"scheduler.queue.length",
		metric.WithDescription("Number of work items waiting for admission"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	inFlight, err := m.meter.Int64ObservableGauge(
		"scheduler.in_flight",
		metric.WithDescription("Number of dispatched work items still running"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := src.Status()
		o.ObserveInt64(queueLength, int64(st.QueueLength))
		o.ObserveInt64(inFlight, int64(st.InFlight))
		return nil
	}, queueLength, inFlight)
	return err
}
