package scheduler

import "time"

// Constraint names the limit that blocked admission.
type Constraint string

const (
	ConstraintNone        Constraint = ""
	ConstraintPerSecond   Constraint = "per_second"
	ConstraintPerMinute   Constraint = "per_minute"
	ConstraintConcurrency Constraint = "concurrency"
)

const (
	// MinDelay floors rate-window delays so the loop never spins.
	MinDelay = 25 * time.Millisecond

	// DefaultPollInterval is the wait used when only concurrency binds, or
	// when nothing is queued but work is still in flight.
	DefaultPollInterval = 50 * time.Millisecond
)

// binding prunes the window and returns the first constraint that blocks
// another dispatch at now, checking the burst tier, the sustained tier and
// the concurrency cap in that order. Callers hold s.mu.
func (s *Scheduler) binding(now time.Time) Constraint {
	s.window.prune(now)

	switch {
	case s.window.count(now, secondWindow) >= s.limits.PerSecond:
		return ConstraintPerSecond
	case s.window.count(now, minuteWindow) >= s.limits.PerMinute:
		return ConstraintPerMinute
	case !s.gate.available():
		return ConstraintConcurrency
	default:
		return ConstraintNone
	}
}

func (s *Scheduler) canAdmit(now time.Time) bool {
	return s.binding(now) == ConstraintNone
}

// computeDelay recommends how long to wait before re-checking admission.
// The result is advisory; the loop always re-evaluates after waiting.
func (s *Scheduler) computeDelay(now time.Time) (time.Duration, Constraint) {
	c := s.binding(now)
	switch c {
	case ConstraintPerSecond:
		return s.windowDelay(now, secondWindow), c
	case ConstraintPerMinute:
		return s.windowDelay(now, minuteWindow), c
	default:
		return s.pollInterval, c
	}
}

// windowDelay is the time until the oldest dispatch in span slides out.
func (s *Scheduler) windowDelay(now time.Time, span time.Duration) time.Duration {
	oldest, ok := s.window.oldest(now, span)
	if !ok {
		return MinDelay
	}
	delay := span - now.Sub(oldest)
	if delay < MinDelay {
		delay = MinDelay
	}
	return delay
}
