package timer

import (
	"sync"
	"time"
)

// Window measures a session that must be renewed after Duration. A zero
// Duration never expires.
type Window struct {
	mu       sync.Mutex
	duration time.Duration
	started  time.Time
	now      func() time.Time
}

func NewWindow(duration time.Duration) *Window {
	return NewWindowWithClock(duration, time.Now)
}

func NewWindowWithClock(duration time.Duration, now func() time.Time) *Window {
	return &Window{duration: duration, started: now(), now: now}
}

func (w *Window) Duration() time.Duration {
	return w.duration
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = w.now()
}

func (w *Window) Expired() bool {
	return w.duration > 0 && w.Remaining() <= 0
}

func (w *Window) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.duration <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return w.duration - w.now().Sub(w.started)
}
