// Package lock provides the engine's instance lock: an advisory,
// process-lifetime exclusive lock on a single file, used to fail fast when a
// second engine tries to open a data directory already owned by another.
package lock

import (
	"errors"
	"os"
	"syscall"

	kvErrors "github.com/salmahazem14/kvstore/pkg/errors"
)

// Lock is a held advisory lock on a single file. The zero value is not
// usable; obtain one via Acquire.
type Lock struct {
	file *os.File
	path string
}

// Acquire opens (creating if necessary) the file at path and takes a
// non-blocking exclusive flock on it. If another process already holds the
// lock, it returns *kvErrors.LockHeldError immediately — this function never
// blocks waiting for the lock to free up.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &kvErrors.IoError{Op: "open lock file", Err: err}
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, &kvErrors.LockHeldError{Path: path}
		}
		return nil, &kvErrors.IoError{Op: "flock", Err: err}
	}

	return &Lock{file: f, path: path}, nil
}

// Release unlocks and closes the underlying file descriptor. Release is
// idempotent.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
