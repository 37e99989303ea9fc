package multiagent

import (
	"sync"
	"time"
)

// slidingWindow admits at most limit events in any trailing window.
// Rejected events are not recorded.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

// Allow records an event at now and reports whether it fits the window.
// A limit <= 0 admits everything.
func (w *slidingWindow) Allow(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	keep := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.times = keep

	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}
