// Package storage defines the object store that holds ingested documents and index snapshots.
package storage

import (
	"context"
)

// Storage is the object store facade combining all sub-interfaces.
//
//nolint:interfacebloat // facade; consumers depend on the narrow sub-interfaces
type Storage interface {
	Pinger
	ObjectStore
	Lister
	SnapshotStore
	Close() error
}

// Pinger checks backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectStore reads and writes whole objects. Get always returns decoded bytes.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Lister walks keys under a prefix in lexical order. Returning an error from fn stops the walk.
type Lister interface {
	List(ctx context.Context, prefix string, fn func(key string) error) error
}

// SnapshotStore is the subset used to publish and poll index snapshots.
// Objects written with WriteAtomic are stored uncompressed so ReadRange addresses raw bytes.
type SnapshotStore interface {
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	WriteAtomic(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}
