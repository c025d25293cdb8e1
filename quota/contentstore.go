package quota

import (
	"context"
	"time"
)

// ContentEntry describes one item returned by a ContentStore's LRU-ordered
// listing: its hash, its last access time, and how many replicas of it
// exist elsewhere.
type ContentEntry struct {
	Hash       string
	LastAccess time.Time
	Replicas   int
}

// ContentStore is the out-of-scope collaborator that actually owns the
// on-disk blobs. The keeper never hashes, places, or links content itself;
// it only asks for an LRU snapshot and requests evictions from it.
type ContentStore interface {
	// LRUOrderedContentList returns a point-in-time snapshot of content
	// ordered by ascending last-access time. The purger consumes it in
	// order and the snapshot is not expected to reflect concurrent
	// mutations.
	LRUOrderedContentList(ctx context.Context) ([]ContentEntry, error)

	// Evict asks the store to remove the item identified by hash. It
	// reports whether an eviction actually happened and, if so, the
	// physical size freed. On success the caller (the purger) invokes
	// Keeper.OnContentEvicted with the freed size.
	Evict(ctx context.Context, hash string, onlyUnlinked bool) (evicted bool, physicalSize uint64, err error)
}

// FileSystem is the bytes-free collaborator used by the DiskFreePercent
// rule to read total and free bytes for the volume backing the store.
type FileSystem interface {
	TotalAndFreeBytes(path string) (total uint64, free uint64, err error)
}

// PinSizeHistory feeds the Elastic rule's calibration: a sequence of
// recently observed pinned-artifact sizes used to recompute its cap.
type PinSizeHistory interface {
	ReadHistory() ([]uint64, error)
}
