package indexer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrWriterLocked means another indexer process holds the writer lock.
var ErrWriterLocked = errors.New("index writer lock is held by another process")

// WriterLock keeps a single indexer process per index directory.
type WriterLock struct {
	fl *flock.Flock
}

// AcquireWriterLock takes the lock at path without blocking.
func AcquireWriterLock(path string) (*WriterLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire writer lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWriterLocked, path)
	}
	return &WriterLock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *WriterLock) Path() string { return l.fl.Path() }

// Release unlocks. Safe to call more than once.
func (l *WriterLock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release writer lock: %w", err)
	}
	return nil
}
