package quota

import (
	"sync"

	"github.com/google/uuid"
)

type requestKind int

const (
	reqReserve requestKind = iota
	reqPurge
	reqCalibrate
	reqSynchronize
)

// request is the keeper's internal representation of a reservation
// request variant: Reserve, Purge, Calibrate, or Synchronize. Every
// variant carries a single-shot completion handle.
type request struct {
	kind requestKind
	size uint64

	reservation *Reservation // set for reqReserve

	done chan error // single-shot: nil error means success
}

func newRequest(kind requestKind) *request {
	return &request{kind: kind, done: make(chan error, 1)}
}

func (r *request) complete(err error) {
	select {
	case r.done <- err:
	default:
		// already completed; a defect, but never panic the processor.
	}
}

// Reservation is the handle returned by Keeper.Reserve once it resolves.
// Exactly one of Commit or Rollback must be called.
type Reservation struct {
	ID   uuid.UUID
	Size uint64

	keeper                *Keeper
	reservedFromEviction  bool

	mu       sync.Mutex
	resolved bool
}

// ReservedFromEviction reports whether this reservation's admission was
// satisfied by the eviction path rather than immediately.
func (r *Reservation) ReservedFromEviction() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reservedFromEviction
}

// Commit finalizes the reservation: Size bytes move from requestedSize to
// allContentSize, and if the reservation was satisfied via eviction, the
// reservedSize promise for it is released.
func (r *Reservation) Commit() error {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return nil
	}
	r.resolved = true
	r.mu.Unlock()

	return r.keeper.commit(r)
}

// Rollback abandons the reservation: requestedSize is decremented by Size,
// and if reservedFromEviction was set, reservedSize is decremented too
// (the required resolution to the spec's rollback/eviction open
// question).
func (r *Reservation) Rollback() error {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return nil
	}
	r.resolved = true
	r.mu.Unlock()

	return r.keeper.rollback(r)
}
