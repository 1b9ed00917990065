package scheduler

import (
	"sort"
	"time"
)

const (
	secondWindow = time.Second
	minuteWindow = time.Minute

	// DefaultHistoryHighWater is the retained dispatch count above which a
	// completion triggers an extra purge.
	DefaultHistoryHighWater = 5000
)

// window records dispatch timestamps in dispatch order. A timestamp t is
// inside a trailing window w at now iff now.Sub(t) < w.
type window struct {
	stamps    []time.Time
	highWater int
}

func newWindow(highWater int) *window {
	if highWater <= 0 {
		highWater = DefaultHistoryHighWater
	}
	return &window{highWater: highWater}
}

// record appends a dispatch. Callers pass non-decreasing times.
func (w *window) record(t time.Time) {
	w.stamps = append(w.stamps, t)
}

// prune drops every timestamp that has left the minute window.
func (w *window) prune(now time.Time) {
	i := w.firstWithin(now, minuteWindow)
	if i == 0 {
		return
	}
	if i == len(w.stamps) {
		w.stamps = w.stamps[:0]
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}

// count returns the number of dispatches inside the trailing span.
func (w *window) count(now time.Time, span time.Duration) int {
	return len(w.stamps) - w.firstWithin(now, span)
}

// oldest returns the earliest dispatch still inside the trailing span.
func (w *window) oldest(now time.Time, span time.Duration) (time.Time, bool) {
	i := w.firstWithin(now, span)
	if i == len(w.stamps) {
		return time.Time{}, false
	}
	return w.stamps[i], true
}

func (w *window) len() int {
	return len(w.stamps)
}

func (w *window) overHighWater() bool {
	return len(w.stamps) > w.highWater
}

func (w *window) firstWithin(now time.Time, span time.Duration) int {
	return sort.Search(len(w.stamps), func(i int) bool {
		return now.Sub(w.stamps[i]) < span
	})
}
