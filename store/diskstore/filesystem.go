package diskstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Filesystem implements quota.FileSystem over golang.org/x/sys/unix.Statfs,
// the same syscall the teacher's disk cache consults before accepting large
// files (see cache/disk/disk.go's free space checks).
type Filesystem struct{}

// TotalAndFreeBytes reports the total and free byte counts of the volume
// backing path, via statfs(2). Free is Bavail (blocks available to an
// unprivileged caller), not Bfree, so the percentage a DiskFreePercentRule
// computes matches what a non-root process could actually still write.
func (Filesystem) TotalAndFreeBytes(path string) (total uint64, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("diskstore: statfs %s: %w", path, err)
	}
	blockSize := uint64(st.Bsize)
	return st.Blocks * blockSize, st.Bavail * blockSize, nil
}
