// Package scheduler throttles calls to a quota-constrained external API.
//
// A Scheduler queues submitted work in FIFO order and a single drain loop
// admits it under three limits at once: a per-second burst ceiling, a
// per-minute sustained ceiling and a cap on concurrently running work.
// Admitted work runs in its own goroutine; the loop never waits for it.
// Submissions are never refused, only delayed, and a failing piece of work
// only affects its own Handle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidLimits is returned by New when a limit is not positive.
var ErrInvalidLimits = errors.New("scheduler limits must be positive")

// Func is one quota-consuming operation.
type Func func(ctx context.Context) (any, error)

// Limits are fixed for the lifetime of a Scheduler.
type Limits struct {
	PerSecond  int `json:"max_requests_per_second"`
	PerMinute  int `json:"max_requests_per_minute"`
	Concurrent int `json:"max_concurrent_requests"`
}

// Validate reports whether every limit is usable.
func (l Limits) Validate() error {
	if l.PerSecond <= 0 || l.PerMinute <= 0 || l.Concurrent <= 0 {
		return fmt.Errorf("%w: per_second=%d per_minute=%d concurrent=%d",
			ErrInvalidLimits, l.PerSecond, l.PerMinute, l.Concurrent)
	}
	return nil
}

// Status is a point-in-time snapshot of a Scheduler.
type Status struct {
	QueueLength          int    `json:"queue_length"`
	InFlight             int    `json:"in_flight"`
	DispatchesLastSecond int    `json:"dispatches_last_second"`
	DispatchesLastMinute int    `json:"dispatches_last_minute"`
	Draining             bool   `json:"draining"`
	Limits               Limits `json:"limits"`
}

// Observer receives scheduler events. Methods are called while the
// scheduler lock may be held and must not call back into the Scheduler.
type Observer interface {
	Dispatched(queueWait time.Duration)
	Completed(elapsed time.Duration, err error)
	Throttled(c Constraint, delay time.Duration)
}

type nopObserver struct{}

func (nopObserver) Dispatched(time.Duration)            {}
func (nopObserver) Completed(time.Duration, error)      {}
func (nopObserver) Throttled(Constraint, time.Duration) {}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock replaces time.Now for window accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHistoryHighWater sets the retained dispatch count that triggers an
// extra purge on completion.
func WithHistoryHighWater(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.window.highWater = n
		}
	}
}

// WithPollInterval sets the wait used when only the concurrency cap binds.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Scheduler admits submitted work under a composite rate and concurrency
// policy. It is safe for concurrent use.
type Scheduler struct {
	limits       Limits
	pollInterval time.Duration
	logger       *slog.Logger
	observer     Observer
	now          func() time.Time

	// wake nudges the drain loop before its advisory delay expires.
	wake chan struct{}

	mu       sync.Mutex
	queue    queue
	window   *window
	gate     gate
	draining bool
}

// New creates an idle Scheduler.
func New(limits Limits, opts ...Option) (*Scheduler, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		limits:       limits,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		observer:     nopObserver{},
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		window:       newWindow(DefaultHistoryHighWater),
		gate:         gate{max: limits.Concurrent},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Limits returns the configured limits.
func (s *Scheduler) Limits() Limits {
	return s.limits
}

// Submit queues work and returns its handle. ctx is passed to work when it
// dispatches; the scheduler never cancels it.
func (s *Scheduler) Submit(ctx context.Context, work Func) *Handle {
	s.mu.Lock()
	now := s.now()
	req := &pendingRequest{
		ctx:        ctx,
		work:       work,
		handle:     newHandle(now),
		enqueuedAt: now,
	}
	s.queue.push(req)

	start := !s.draining
	s.draining = true
	s.mu.Unlock()

	if start {
		go s.drain()
	} else {
		s.poke()
	}
	return req.handle
}

// Do submits fn and waits for its result. If ctx ends first Do returns
// ctx.Err() while fn keeps its place in the queue.
func Do[T any](ctx context.Context, s *Scheduler, fn func(context.Context) (T, error)) (T, error) {
	h := s.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})

	var zero T
	v, err := h.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	return zero, nil
}

// Status returns a snapshot. It may prune expired dispatch history.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.window.prune(now)
	return Status{
		QueueLength:          s.queue.len(),
		InFlight:             s.gate.inFlight,
		DispatchesLastSecond: s.window.count(now, secondWindow),
		DispatchesLastMinute: s.window.count(now, minuteWindow),
		Draining:             s.draining,
		Limits:               s.limits,
	}
}

// drain is the single admission loop. It exits, clearing draining under the
// same lock Submit takes, once nothing is queued or in flight.
func (s *Scheduler) drain() {
	s.logger.Debug("Drain loop started")

	for {
		s.mu.Lock()
		for s.queue.len() > 0 && s.canAdmit(s.now()) {
			s.dispatch(s.queue.pop())
		}

		if s.queue.len() == 0 && s.gate.inFlight == 0 {
			s.draining = false
			s.mu.Unlock()
			s.logger.Debug("Drain loop idle")
			return
		}

		delay := s.pollInterval
		if s.queue.len() > 0 {
			var c Constraint
			delay, c = s.computeDelay(s.now())
			s.observer.Throttled(c, delay)
		}
		s.mu.Unlock()

		s.sleep(delay)
	}
}

// dispatch records the admission and starts req. It returns once req's
// work has begun, so work starts in queue order; it never waits for the work
// to finish. Callers hold s.mu.
func (s *Scheduler) dispatch(req *pendingRequest) {
	now := s.now()
	s.window.record(now)
	s.gate.acquire()
	s.observer.Dispatched(now.Sub(req.enqueuedAt))

	started := make(chan struct{})
	go s.run(req, started)
	<-started
}

// run must not take s.mu before closing started.
func (s *Scheduler) run(req *pendingRequest, started chan<- struct{}) {
	start := time.Now()
	value, err := s.invoke(req, started)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.gate.release()
	if s.window.overHighWater() {
		s.window.prune(s.now())
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("Scheduled work failed", "error", err, "elapsed", elapsed)
	}
	s.observer.Completed(elapsed, err)
	req.handle.settle(value, err)
	s.poke()
}

func (s *Scheduler) invoke(req *pendingRequest, started chan<- struct{}) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled work panicked", "panic", r)
			value, err = nil, &PanicError{Value: r}
		}
	}()

	ctx := req.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	close(started)
	return req.work(ctx)
}

func (s *Scheduler) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.wake:
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
