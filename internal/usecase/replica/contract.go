package replica

import "context"

// Index is the read replica side of the search index engine.
type Index interface {
	Restore(data []byte) error
	Sequence() uint64
	Ready() bool
}

// SnapshotReader polls and fetches published snapshots.
type SnapshotReader interface {
	Exists(ctx context.Context, key string) (bool, error)
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	Get(ctx context.Context, key string) ([]byte, error)
}
