package memory

import (
	"fmt"
	"sync"
	"time"
)

// Window bounds and defaults for the runtime-mutable context window.
const (
	MinWindowMinutes     = 1
	MaxWindowMinutes     = 1440
	DefaultWindowMinutes = 60
)

// Window is the sliding recency bound for retrieval: a minute count plus a
// session anchor set by Reset. Records older than now−minutes, or older
// than the anchor once a reset has occurred, are never retrieval candidates.
type Window struct {
	mu      sync.Mutex
	minutes int
	anchor  time.Time // zero until the first Reset
}

// NewWindow creates a window of the given size. minutes of 0 disables
// retrieval until Set is called.
func NewWindow(minutes int) *Window {
	return &Window{minutes: minutes}
}

// Set updates the window size.
//
// Expectations:
//   - Accepts 1 through 1440 minutes inclusive
//   - Rejects 0, negative, and >1440 values with a range error
func (w *Window) Set(minutes int) error {
	if minutes < MinWindowMinutes || minutes > MaxWindowMinutes {
		return fmt.Errorf("memory: window %d out of range [%d, %d]",
			minutes, MinWindowMinutes, MaxWindowMinutes)
	}
	w.mu.Lock()
	w.minutes = minutes
	w.mu.Unlock()
	return nil
}

// Minutes returns the current window size.
func (w *Window) Minutes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.minutes
}

// Reset re-anchors the session start to now. Existing records fall outside
// the window until new ones accumulate; no files are deleted.
func (w *Window) Reset() {
	w.mu.Lock()
	w.anchor = time.Now()
	w.mu.Unlock()
}

// Cutoff returns the retrieval lower bound at time now: the later of
// now−minutes and the session anchor. ok is false when the window is 0
// (retrieval disabled).
func (w *Window) Cutoff(now time.Time) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.minutes <= 0 {
		return time.Time{}, false
	}
	cutoff := now.Add(-time.Duration(w.minutes) * time.Minute)
	if w.anchor.After(cutoff) {
		cutoff = w.anchor
	}
	return cutoff, true
}
