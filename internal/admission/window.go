package admission

import (
	"sync"
	"time"
)

// Window counts dispatch instants within a trailing interval.
type Window struct {
	mu     sync.Mutex
	size   time.Duration
	max    int
	stamps []time.Time
}

// NewWindow creates a window of the given size admitting max dispatches.
func NewWindow(size time.Duration, max int) *Window {
	return &Window{size: size, max: max}
}

// prune drops instants older than now-size. Callers hold w.mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Full reports whether the window already holds max or more instants.
func (w *Window) Full(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.stamps) >= w.max
}

// Record appends a dispatch instant.
func (w *Window) Record(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Keep stamps ordered; racing recorders may observe the clock out of order.
	if n := len(w.stamps); n > 0 && t.Before(w.stamps[n-1]) {
		t = w.stamps[n-1]
	}
	w.stamps = append(w.stamps, t)
}

// Count returns the number of instants within the window ending at now.
func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.stamps)
}
