package blobstore

import (
	"syscall"

	"github.com/dicomstore/dicomstore/errors"
)

// Capacity returns the total size in bytes of the filesystem backing the
// store root.
//
// This is OS-level plumbing that none of the example repos' dependencies
// cover, so it goes through the standard library's syscall.Statfs rather
// than an imported wrapper (see DESIGN.md).
func (s *Store) Capacity() (uint64, error) {
	total, _, err := s.statfs()
	return total, err
}

// Available returns the number of bytes free for an unprivileged user on
// the filesystem backing the store root.
func (s *Store) Available() (uint64, error) {
	_, avail, err := s.statfs()
	return avail, err
}

func (s *Store) statfs() (total, available uint64, err error) {
	var stat syscall.Statfs_t
	if statErr := syscall.Statfs(s.root, &stat); statErr != nil {
		return 0, 0, errors.Wrap(errors.KindInternalError, "blobstore.statfs", "cannot stat filesystem", statErr)
	}
	blockSize := uint64(stat.Bsize)
	return stat.Blocks * blockSize, stat.Bavail * blockSize, nil
}
