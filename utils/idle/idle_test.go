package idle_test

import (
	"testing"
	"time"

	"github.com/buchgr/quota-remote/utils/idle"
)

func TestTimerFiresAfterIdlePeriod(t *testing.T) {
	tearDown := make(chan struct{})
	timer := idle.NewTimer(time.Second, tearDown)
	timer.Start()

	for i := 0; i < 5; i++ {
		select {
		case <-time.After(500 * time.Millisecond):
			timer.Reset()
		case <-tearDown:
			t.Fatal("unexpected teardown before the idle timeout elapsed")
		}
	}

	select {
	case <-tearDown:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the idle timer to fire")
	}
}
