package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Handle is the result of one submission. It settles exactly once with the
// submitted work's own value and error.
type Handle struct {
	done       chan struct{}
	value      any
	err        error
	enqueuedAt time.Time
}

func newHandle(enqueuedAt time.Time) *Handle {
	return &Handle{
		done:       make(chan struct{}),
		enqueuedAt: enqueuedAt,
	}
}

// Done is closed once the work has completed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the work completes or ctx ends. Giving up on ctx does not
// cancel the work; it still runs and settles the handle.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EnqueuedAt reports when the work was submitted.
func (h *Handle) EnqueuedAt() time.Time {
	return h.enqueuedAt
}

func (h *Handle) settle(value any, err error) {
	h.value = value
	h.err = err
	close(h.done)
}

// PanicError is delivered to a handle whose work panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("scheduled work panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
