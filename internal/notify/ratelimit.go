package notify

import (
	"sync"
	"time"
)

// slidingWindow counts sends per key over a rolling window. A key at the
// limit is refused until the oldest recorded send ages out; refused attempts
// are not recorded. A limit of zero or less disables the limiter.
type slidingWindow struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	sends map[string][]time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
		sends:  map[string][]time.Time{},
	}
}

// Allow records a send for key and returns true, or returns false when the
// key already has limit sends inside the window.
func (w *slidingWindow) Allow(key string) bool {
	if w.limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-w.window)

	kept := w.sends[key][:0]
	for _, at := range w.sends[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		// Drop idle keys so the map does not grow with churned recipients.
		delete(w.sends, key)
	} else {
		w.sends[key] = kept
	}

	if len(kept) >= w.limit {
		return false
	}
	w.sends[key] = append(kept, now)
	return true
}

// Remaining reports how many sends the key has left in the current window.
func (w *slidingWindow) Remaining(key string) int {
	if w.limit <= 0 {
		return -1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-w.window)
	inWindow := 0
	for _, at := range w.sends[key] {
		if at.After(cutoff) {
			inWindow++
		}
	}
	if inWindow >= w.limit {
		return 0
	}
	return w.limit - inWindow
}
