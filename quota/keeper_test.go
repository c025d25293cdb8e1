package quota_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buchgr/quota-remote/quota"
)

// blockingStore never evicts anything: its LRU list is always empty,
// modelling a content store with nothing left to free.
type blockingStore struct{}

func (blockingStore) LRUOrderedContentList(context.Context) ([]quota.ContentEntry, error) {
	return nil, nil
}
func (blockingStore) Evict(context.Context, string, bool) (bool, uint64, error) {
	return false, 0, nil
}

// stallingStore's LRU listing never returns on its own: it only resolves
// once its context is canceled, modelling a purge pass that is still in
// flight when shutdown begins.
type stallingStore struct{}

func (stallingStore) LRUOrderedContentList(ctx context.Context) ([]quota.ContentEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stallingStore) Evict(context.Context, string, bool) (bool, uint64, error) {
	return false, 0, nil
}

func TestReserveBelowLimitSucceedsImmediately(t *testing.T) {
	rule := quota.NewMaxSizeRule(quota.Quota{Target: 100, Soft: 100, Hard: 100}, 0)
	k, err := quota.New(blockingStore{}, []quota.Rule{rule})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer k.Shutdown(context.Background())

	res, err := k.Reserve(context.Background(), 10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := res.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := k.CurrentSize(); got != 10 {
		t.Fatalf("CurrentSize = %d, want 10", got)
	}
}

func TestReserveZeroSizeIsNoop(t *testing.T) {
	rule := quota.NewMaxSizeRule(quota.Quota{Target: 100, Soft: 100, Hard: 100}, 0)
	k, _ := quota.New(blockingStore{}, []quota.Rule{rule})
	k.Start()
	defer k.Shutdown(context.Background())

	res, err := k.Reserve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Reserve(0): %v", err)
	}
	if err := res.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := k.CurrentSize(); got != 0 {
		t.Fatalf("CurrentSize = %d, want 0", got)
	}
}

func TestRollbackDecrementsRequestedSize(t *testing.T) {
	rule := quota.NewMaxSizeRule(quota.Quota{Target: 1000, Soft: 1000, Hard: 1000}, 0)
	k, _ := quota.New(blockingStore{}, []quota.Rule{rule})
	k.Start()
	defer k.Shutdown(context.Background())

	res, err := k.Reserve(context.Background(), 50)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := res.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := k.CurrentSize(); got != 0 {
		t.Fatalf("CurrentSize = %d, want 0 after rollback", got)
	}
}

// TestShutdownCancelsBlockedReserve is seed scenario 6: a reserve enqueued
// above the hard limit, with nothing left to evict, resolves with
// ShutdownInProgress once shutdown begins, and Shutdown itself returns
// successfully.
func TestShutdownCancelsBlockedReserve(t *testing.T) {
	rule := quota.NewMaxSizeRule(quota.Quota{Target: 10, Soft: 10, Hard: 10}, 0)
	k, _ := quota.New(stallingStore{}, []quota.Rule{rule})
	k.Start()

	errCh := make(chan error, 1)
	go func() {
		_, err := k.Reserve(context.Background(), 100)
		errCh <- err
	}()

	// Give the processor a moment to move the reserve into eviction_queue.
	time.Sleep(20 * time.Millisecond)

	shutdownErr := k.Shutdown(context.Background())
	if shutdownErr != nil {
		t.Fatalf("Shutdown: %v", shutdownErr)
	}

	select {
	case err := <-errCh:
		var qerr *quota.Error
		if !errors.As(err, &qerr) || qerr.Kind != quota.ErrShutdownInProgress {
			t.Fatalf("Reserve err = %v, want ShutdownInProgress", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve never resolved after Shutdown")
	}
}
