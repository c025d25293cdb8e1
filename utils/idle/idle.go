// Package idle provides a timer that fires once no activity has been
// reported for a configured duration, used by the demo binary to shut the
// quota keeper down automatically on an idle build machine.
package idle

import (
	"sync"
	"time"
)

// Timer tracks the most recent activity and signals tearDown once timeout
// has elapsed since the last Reset call.
type Timer struct {
	mu       sync.Mutex
	timeout  time.Duration
	last     time.Time
	tearDown chan struct{}
}

// NewTimer returns a Timer that sends exactly once on tearDown once
// timeout has elapsed without a Reset call.
func NewTimer(timeout time.Duration, tearDown chan struct{}) *Timer {
	return &Timer{
		timeout:  timeout,
		last:     time.Now(),
		tearDown: tearDown,
	}
}

// Start begins watching for idleness in the background.
func (t *Timer) Start() {
	go t.run()
}

func (t *Timer) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for now := range ticker.C {
		t.mu.Lock()
		elapsed := now.Sub(t.last)
		t.mu.Unlock()

		if elapsed > t.timeout {
			t.tearDown <- struct{}{}
			return
		}
	}
}

// Reset records activity now, restarting the idle countdown.
func (t *Timer) Reset() {
	t.mu.Lock()
	t.last = time.Now()
	t.mu.Unlock()
}
