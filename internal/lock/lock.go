// Package lock guards a database directory against concurrent writers with
// an advisory flock(2) on a lock file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

var ErrLocked = errors.New("lock is held by another process")

// Lock is an acquired advisory lock.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking. The file is created if
// needed and holds the pid of the owner.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, f: f}, nil
}

// Path returns the lock file.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file and unlocks it.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	os.Remove(l.path)
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
