// Package diskstore is a reference ContentStore implementation: a flat
// directory of content-addressed files on local disk, exposing exactly
// the two operations the quota engine needs (evict and an LRU-ordered
// listing), used to exercise quota.Keeper end-to-end.
package diskstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/djherbis/atime"

	"github.com/buchgr/quota-remote/quota"
	"github.com/buchgr/quota-remote/utils/tempfile"
)

const blockSize = 4096

// roundUp4k rounds n up to the nearest 4096-byte block, mirroring how a
// real filesystem accounts for the physical space a file occupies,
// analogous to the teacher's cache/disk/lru.go roundUp4k.
func roundUp4k(n int64) int64 {
	const mask = blockSize - 1
	return (n + mask) &^ mask
}

// Store is a disk-backed ContentStore: every piece of content is a single
// file named by its hash directly inside dir.
type Store struct {
	dir string
	tfc *tempfile.Creator

	mu    sync.Mutex
	sizes map[string]int64 // hash -> physical (rounded) size, for Put bookkeeping
}

// New returns a Store rooted at dir, which must already exist.
func New(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("diskstore: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("diskstore: %s is not a directory", dir)
	}
	return &Store{dir: dir, tfc: tempfile.NewCreator(), sizes: make(map[string]int64)}, nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash)
}

// Put writes data under hash, to be called once the matching
// quota.Reservation has been obtained. It writes to a uniquely-named
// temporary file first and renames it into place, so a concurrent
// LRUOrderedContentList or Evict never observes a partially-written
// file. It returns the physical (block-rounded) size written, which the
// caller commits the reservation with.
func (s *Store) Put(hash string, data []byte) (physicalSize int64, err error) {
	tf, _, err := s.tfc.Create(s.path(hash))
	if err != nil {
		return 0, fmt.Errorf("diskstore: create temp file for %s: %w", hash, err)
	}
	tmpName := tf.Name()
	if _, err := tf.Write(data); err != nil {
		tf.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("diskstore: write %s: %w", hash, err)
	}
	if err := tf.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("diskstore: close temp file for %s: %w", hash, err)
	}
	if err := os.Rename(tmpName, s.path(hash)); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("diskstore: rename into place for %s: %w", hash, err)
	}

	physicalSize = roundUp4k(int64(len(data)))

	s.mu.Lock()
	s.sizes[hash] = physicalSize
	s.mu.Unlock()

	return physicalSize, nil
}

// Contains reports whether hash already exists in the store.
func (s *Store) Contains(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// LRUOrderedContentList implements quota.ContentStore: a point-in-time
// snapshot of every file in dir, ordered by ascending access time, using
// github.com/djherbis/atime the same way the teacher's loadExistingFiles
// does.
func (s *Store) LRUOrderedContentList(ctx context.Context) ([]quota.ContentEntry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("diskstore: list %s: %w", s.dir, err)
	}

	list := make([]quota.ContentEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		list = append(list, quota.ContentEntry{
			Hash:       e.Name(),
			LastAccess: atime.Get(info),
			Replicas:   1,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].LastAccess.Before(list[j].LastAccess)
	})

	return list, nil
}

// Evict removes hash from disk and reports the physical size freed.
func (s *Store) Evict(ctx context.Context, hash string, onlyUnlinked bool) (evicted bool, physicalSize uint64, err error) {
	full := s.path(hash)
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("diskstore: stat %s: %w", hash, err)
	}

	if err := os.Remove(full); err != nil {
		return false, 0, fmt.Errorf("diskstore: remove %s: %w", hash, err)
	}

	s.mu.Lock()
	delete(s.sizes, hash)
	s.mu.Unlock()

	return true, uint64(roundUp4k(info.Size())), nil
}
