package quota

import (
	"context"
	"testing"
)

// noopStore is a ContentStore whose LRUOrderedContentList and Evict are
// never exercised by the internal tests below -- they drive
// OnContentEvicted and the eviction queue directly to pin down the exact
// byte arithmetic from the spec's worked examples.
type noopStore struct{}

func (noopStore) LRUOrderedContentList(context.Context) ([]ContentEntry, error) { return nil, nil }
func (noopStore) Evict(context.Context, string, bool) (bool, uint64, error)     { return false, 0, nil }

func newTestKeeper(t *testing.T, hard uint64) *Keeper {
	t.Helper()
	rule := NewMaxSizeRule(Quota{Target: hard, Soft: hard, Hard: hard}, 0)
	k, err := New(noopStore{}, []Rule{rule})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

// TestEvictionUnblocksReservesInFIFOOrder is seed scenario 4: hard_limit
// = 100, current_size = 93, two queued reserves of 9 bytes each. A single
// eviction of 3 bytes frees only enough room for one of them; the first
// releases, the second stays queued since its reserved-from-eviction
// promise is not released until it commits. A further eviction of 8
// bytes (current_size + the first's outstanding 9-byte promise + the
// second's speculative 9 bytes must together stay at or under the hard
// limit of 100) finally releases the second.
func TestEvictionUnblocksReservesInFIFOOrder(t *testing.T) {
	k := newTestKeeper(t, 100)
	k.allContentSize.Store(93)

	first := newRequest(reqReserve)
	first.size = 9
	first.reservation = &Reservation{Size: 9, keeper: k}

	second := newRequest(reqReserve)
	second.size = 9
	second.reservation = &Reservation{Size: 9, keeper: k}

	// Mirror the side effect Reserve() performs before a request is ever
	// queued: requested_size accounts for both outstanding reserves the
	// whole time they sit in evictionQueue, right up until commit/rollback.
	k.requestedSize.Add(9)
	k.requestedSize.Add(9)

	k.evictionQueue = append(k.evictionQueue, first, second)

	k.OnContentEvicted(3)

	select {
	case err := <-first.done:
		if err != nil {
			t.Fatalf("first reserve failed: %v", err)
		}
	default:
		t.Fatal("first reserve should have completed after a 3 byte eviction")
	}

	select {
	case err := <-second.done:
		t.Fatalf("second reserve should still be queued, got completion err=%v", err)
	default:
	}

	k.OnContentEvicted(8)

	select {
	case err := <-second.done:
		if err != nil {
			t.Fatalf("second reserve failed: %v", err)
		}
	default:
		t.Fatal("second reserve should have completed after the further eviction")
	}
}

// TestNoProgressPurgeFailsQueuedReserves is seed scenario 5: a purge pass
// that evicts nothing fails every queued reserve as QuotaUnsatisfiable,
// since MaxSizeRule sits above hard limit and cannot be calibrated down.
func TestNoProgressPurgeFailsQueuedReserves(t *testing.T) {
	k := newTestKeeper(t, 100)
	k.allContentSize.Store(100)
	k.requestedSize.Store(5) // mirrors Reserve(5) having already run

	req := newRequest(reqReserve)
	req.size = 5
	req.reservation = &Reservation{Size: 5, keeper: k}
	k.evictionQueue = append(k.evictionQueue, req)

	cont := k.continuePurging(purgeResult{evictedFiles: 0})
	if cont {
		t.Fatal("continuePurging should report no further pass once waiters are failed")
	}

	select {
	case err := <-req.done:
		qerr, ok := err.(*Error)
		if !ok || qerr.Kind != ErrQuotaUnsatisfiable {
			t.Fatalf("err = %v, want *Error{Kind: ErrQuotaUnsatisfiable}", err)
		}
	default:
		t.Fatal("expected the queued reserve to be failed")
	}
}

// TestNoProgressPurgeWithEvictionErrorsFailsAsEvictionFailed covers the
// other no-progress branch: the purger had content and tried to evict it,
// but the store rejected every attempt, so queued reserves fail as
// EvictionFailed rather than QuotaUnsatisfiable.
func TestNoProgressPurgeWithEvictionErrorsFailsAsEvictionFailed(t *testing.T) {
	k := newTestKeeper(t, 100)
	k.allContentSize.Store(50) // comfortably inside hard limit; rules aren't the problem
	k.requestedSize.Store(5)

	req := newRequest(reqReserve)
	req.size = 5
	req.reservation = &Reservation{Size: 5, keeper: k}
	k.evictionQueue = append(k.evictionQueue, req)

	cont := k.continuePurging(purgeResult{evictedFiles: 0, evictionErrors: 1, description: "disk I/O error"})
	if cont {
		t.Fatal("continuePurging should report no further pass once waiters are failed")
	}

	select {
	case err := <-req.done:
		qerr, ok := err.(*Error)
		if !ok || qerr.Kind != ErrEvictionFailed {
			t.Fatalf("err = %v, want *Error{Kind: ErrEvictionFailed}", err)
		}
	default:
		t.Fatal("expected the queued reserve to be failed")
	}
}

// TestElasticRuleCalibrationFallbackRecovers is seed scenario 7: an
// elastic rule sitting above its hard limit is disabled by the
// calibration fallback rather than permanently blocking the reservation,
// and a later Calibrate call raises its cap and re-enables it.
func TestElasticRuleCalibrationFallbackRecovers(t *testing.T) {
	history := fakeHistory{sizes: []uint64{30}}
	elastic := NewElasticRule(history, 5)

	k, err := New(noopStore{}, []Rule{elastic})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Push the keeper's accounted size above the rule's initial hard cap
	// of 5 so the fallback actually has something to disable.
	k.allContentSize.Store(50)

	ok, desc := k.calibrationFallback()
	if !ok {
		t.Fatalf("calibrationFallback should have succeeded by disabling the elastic rule, got desc=%q", desc)
	}
	if elastic.Enabled() {
		t.Fatal("elastic rule should be disabled after the fallback")
	}

	if err := k.runCalibrate(context.Background()); err != nil {
		t.Fatalf("runCalibrate: %v", err)
	}
	if !elastic.Enabled() {
		t.Fatal("elastic rule should be re-enabled after a successful calibrate")
	}
	if !elastic.IsInsideHardLimit(50) {
		t.Fatal("elastic rule's recalibrated cap should now accommodate the current size")
	}
}

type fakeHistory struct {
	sizes []uint64
}

func (f fakeHistory) ReadHistory() ([]uint64, error) { return f.sizes, nil }
