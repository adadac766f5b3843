// SPDX-License-Identifier: MIT

// Package fslock provides advisory file locks used to serialize cross-process
// read-modify-write cycles on shared JSON files.
package fslock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock. Release must be called exactly once.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes a blocking exclusive flock on path, creating the lock file
// when missing. Callers lock "<target>.lock", never the target itself, so the
// target can still be replaced by atomic rename while locked.
func Acquire(path string) (*Lock, error) {
	return acquire(path, unix.LOCK_EX)
}

// AcquireShared takes a blocking shared flock on path.
func AcquireShared(path string) (*Lock, error) {
	return acquire(path, unix.LOCK_SH)
}

func acquire(path string, how int) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("fslock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fslock: flock %s: %w", path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// Release unlocks, closes and removes the lock file. Removal is best effort;
// a concurrent acquirer holding the inode keeps working either way.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	_ = os.Remove(l.path)
	l.f = nil
	if err != nil {
		return fmt.Errorf("fslock: unlock %s: %w", l.path, err)
	}
	return cerr
}
