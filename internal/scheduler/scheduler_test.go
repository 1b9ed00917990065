package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu         sync.Mutex
	dispatched int
	failed     int
	throttled  map[Constraint]int
}

func (o *recordingObserver) Dispatched(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched++
}

func (o *recordingObserver) Completed(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed++
	}
}

func (o *recordingObserver) Throttled(c Constraint, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.throttled == nil {
		o.throttled = make(map[Constraint]int)
	}
	o.throttled[c]++
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.Draining && st.QueueLength == 0 && st.InFlight == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func value(n int) Func {
	return func(context.Context) (any, error) { return n, nil }
}

func TestSubmit_ReturnsWorkResult(t *testing.T) {
	s, err := New(Limits{PerSecond: 10, PerMinute: 100, Concurrent: 2})
	require.NoError(t, err)

	h := s.Submit(context.Background(), value(42))
	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.False(t, h.EnqueuedAt().IsZero())

	waitIdle(t, s)
}

func TestSubmit_PassesContextToWork(t *testing.T) {
	s, err := New(Limits{PerSecond: 10, PerMinute: 100, Concurrent: 2})
	require.NoError(t, err)

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "marker")
	h := s.Submit(ctx, func(ctx context.Context) (any, error) {
		return ctx.Value(key{}), nil
	})

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "marker", v)
}

// Five operations with a concurrency cap of two: two start at once, the rest
// start one by one as slots free, in submission order.
func TestScheduler_ConcurrencyCapFIFO(t *testing.T) {
	s, err := New(Limits{PerSecond: 100, PerMinute: 1000, Concurrent: 2})
	require.NoError(t, err)

	started := make(chan int, 5)
	release := make([]chan struct{}, 5)
	handles := make([]*Handle, 5)
	for i := range release {
		release[i] = make(chan struct{})
	}
	for i := 0; i < 5; i++ {
		i := i
		handles[i] = s.Submit(context.Background(), func(context.Context) (any, error) {
			started <- i
			<-release[i]
			return i, nil
		})
	}

	first := map[int]bool{<-started: true, <-started: true}
	assert.Equal(t, map[int]bool{0: true, 1: true}, first)

	select {
	case n := <-started:
		t.Fatalf("operation %d started while both slots were busy", n)
	case <-time.After(150 * time.Millisecond):
	}

	st := s.Status()
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 3, st.QueueLength)
	assert.True(t, st.Draining)

	for next := 2; next < 5; next++ {
		close(release[next-2])
		select {
		case n := <-started:
			assert.Equal(t, next, n)
		case <-time.After(2 * time.Second):
			t.Fatalf("operation %d never started", next)
		}
	}
	close(release[3])
	close(release[4])

	for i, h := range handles {
		v, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	waitIdle(t, s)
}

// 45 near-instant operations at 40 per second: the 41st dispatch lands at
// least one second after the first.
func TestScheduler_PerSecondCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the one second window")
	}

	obs := &recordingObserver{}
	s, err := New(Limits{PerSecond: 40, PerMinute: 1000, Concurrent: 100}, WithObserver(obs))
	require.NoError(t, err)

	handles := make([]*Handle, 45)
	for i := range handles {
		handles[i] = s.Submit(context.Background(), value(i))
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	waitIdle(t, s)

	s.mu.Lock()
	stamps := append([]time.Time(nil), s.window.stamps...)
	s.mu.Unlock()

	require.Len(t, stamps, 45)
	assert.GreaterOrEqual(t, stamps[40].Sub(stamps[0]), time.Second)
	for i := 0; i+40 < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i+40].Sub(stamps[i]), time.Second,
			"more than 40 dispatches inside one second starting at %d", i)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 45, obs.dispatched)
	assert.Positive(t, obs.throttled[ConstraintPerSecond])
}

func TestScheduler_PerMinuteCeiling(t *testing.T) {
	clock := &fakeClock{now: base}
	s, err := New(Limits{PerSecond: 100, PerMinute: 3, Concurrent: 10}, WithClock(clock.Now))
	require.NoError(t, err)

	handles := make([]*Handle, 5)
	for i := range handles {
		handles[i] = s.Submit(context.Background(), value(i))
	}

	for _, h := range handles[:3] {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.InFlight == 0 && st.QueueLength == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, s.Status().DispatchesLastMinute)

	select {
	case <-handles[3].Done():
		t.Fatal("fourth operation dispatched inside the minute window")
	case <-time.After(100 * time.Millisecond):
	}

	clock.Advance(61 * time.Second)
	s.poke()

	for _, h := range handles[3:] {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	waitIdle(t, s)
	assert.Equal(t, 2, s.Status().DispatchesLastMinute)
}

func TestScheduler_FailureIsIsolated(t *testing.T) {
	s, err := New(Limits{PerSecond: 10, PerMinute: 100, Concurrent: 3})
	require.NoError(t, err)

	errBoom := errors.New("boom")
	gate := make(chan struct{})
	ok1 := s.Submit(context.Background(), func(context.Context) (any, error) {
		<-gate
		return "first", nil
	})
	bad := s.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, fmt.Errorf("embedding call: %w", errBoom)
	})
	ok2 := s.Submit(context.Background(), func(context.Context) (any, error) {
		<-gate
		return "third", nil
	})

	_, err = bad.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, s.Status().Draining)

	close(gate)
	v, err := ok1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	v, err = ok2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "third", v)

	after := s.Submit(context.Background(), value(7))
	v, err = after.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	waitIdle(t, s)
}

func TestScheduler_PanicIsRecovered(t *testing.T) {
	s, err := New(Limits{PerSecond: 10, PerMinute: 100, Concurrent: 1})
	require.NoError(t, err)

	h := s.Submit(context.Background(), func(context.Context) (any, error) {
		panic("kaboom")
	})
	_, err = h.Wait(context.Background())

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "kaboom", perr.Value)
	assert.Contains(t, err.Error(), "kaboom")

	v, err := s.Submit(context.Background(), value(1)).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	waitIdle(t, s)
}

func TestScheduler_RestartsAfterIdle(t *testing.T) {
	s, err := New(Limits{PerSecond: 10, PerMinute: 100, Concurrent: 1})
	require.NoError(t, err)

	assert.False(t, s.Status().Draining)

	for round := 0; round < 3; round++ {
		v, err := s.Submit(context.Background(), value(round)).Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, round, v)
		waitIdle(t, s)
	}
	assert.Equal(t, 3, s.Status().DispatchesLastMinute)
}

func TestScheduler_NeverExceedsConcurrency(t *testing.T) {
	const limit = 4
	s, err := New(Limits{PerSecond: 1000, PerMinute: 10000, Concurrent: limit})
	require.NoError(t, err)

	var running, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		h := s.Submit(context.Background(), func(context.Context) (any, error) {
			n := atomic.AddInt64(&running, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return nil, nil
		})
		go func() {
			defer wg.Done()
			_, _ = h.Wait(context.Background())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
	assert.Positive(t, atomic.LoadInt64(&peak))
	waitIdle(t, s)
}

func TestScheduler_SequentialOrderWithSingleSlot(t *testing.T) {
	s, err := New(Limits{PerSecond: 1000, PerMinute: 10000, Concurrent: 1})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	handles := make([]*Handle, 20)
	for i := range handles {
		i := i
		handles[i] = s.Submit(context.Background(), func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}

func TestScheduler_WorkStartsInSubmissionOrder(t *testing.T) {
	for _, concurrent := range []int{3, 50} {
		t.Run(fmt.Sprintf("concurrent=%d", concurrent), func(t *testing.T) {
			s, err := New(Limits{PerSecond: 100000, PerMinute: 1000000, Concurrent: concurrent})
			require.NoError(t, err)

			var mu sync.Mutex
			var order []int
			handles := make([]*Handle, 200)
			for i := range handles {
				i := i
				handles[i] = s.Submit(context.Background(), func(context.Context) (any, error) {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
					return nil, nil
				})
			}
			for _, h := range handles {
				_, err := h.Wait(context.Background())
				require.NoError(t, err)
			}

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, order, len(handles))
			for i, n := range order {
				require.Equal(t, i, n, "work %d started at position %d", n, i)
			}
		})
	}
}

func TestScheduler_HighWaterPurgeOnCompletion(t *testing.T) {
	clock := &fakeClock{now: base}
	s, err := New(Limits{PerSecond: 100, PerMinute: 100, Concurrent: 100},
		WithClock(clock.Now), WithHistoryHighWater(10))
	require.NoError(t, err)

	release := make(chan struct{})
	handles := make([]*Handle, 20)
	for i := range handles {
		handles[i] = s.Submit(context.Background(), func(context.Context) (any, error) {
			<-release
			return nil, nil
		})
	}
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.gate.inFlight == 20
	}, time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Minute)
	s.mu.Lock()
	assert.Equal(t, 20, s.window.len())
	s.mu.Unlock()

	close(release)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	s.mu.Lock()
	assert.Equal(t, 0, s.window.len())
	s.mu.Unlock()
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	s, err := New(Limits{PerSecond: 10, PerMinute: 100, Concurrent: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	h := s.Submit(context.Background(), func(context.Context) (any, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestDo(t *testing.T) {
	s, err := New(Limits{PerSecond: 10, PerMinute: 100, Concurrent: 1})
	require.NoError(t, err)

	got, err := Do(context.Background(), s, func(context.Context) ([]float64, error) {
		return []float64{0.1, 0.2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, got)

	_, err = Do(context.Background(), s, func(context.Context) (string, error) {
		return "", errors.New("upstream down")
	})
	assert.EqualError(t, err, "upstream down")
}

func TestStatus_Limits(t *testing.T) {
	limits := Limits{PerSecond: 5, PerMinute: 50, Concurrent: 2}
	s, err := New(limits)
	require.NoError(t, err)

	st := s.Status()
	assert.Equal(t, limits, st.Limits)
	assert.Equal(t, limits, s.Limits())
	assert.Zero(t, st.QueueLength)
	assert.Zero(t, st.InFlight)
	assert.False(t, st.Draining)
}
