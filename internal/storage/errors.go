package storage

import (
	"fmt"

	"github.com/kailas-cloud/secindex/internal/domain"
)

// ErrNotFound is returned for unknown keys. It matches domain.ErrNotFound.
var ErrNotFound = fmt.Errorf("storage: object %w", domain.ErrNotFound)

// Op names used for error context.
const (
	OpPut         = "put"
	OpGet         = "get"
	OpDelete      = "delete"
	OpList        = "list"
	OpReadRange   = "read-range"
	OpWriteAtomic = "write-atomic"
	OpExists      = "exists"
	OpWatch       = "watch"
)

// Error wraps a backend error with the operation and key for diagnostics.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return "storage " + e.Op + ": " + e.Err.Error()
	}
	return "storage " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
