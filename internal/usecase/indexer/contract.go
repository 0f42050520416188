package indexer

import (
	"context"

	"github.com/kailas-cloud/secindex/internal/domain/document"
)

// Index is the writer side of the search index engine.
type Index interface {
	AddOrReplace(doc document.Indexable) error
	DeleteKey(key string) error
	Commit() (uint64, error)
	Discard() int
}

// SnapshotSource captures the committed index state.
type SnapshotSource interface {
	Sequence() uint64
	Snapshot() ([]byte, uint64, error)
}

// ObjectReader fetches decoded object bytes.
type ObjectReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// HeadReader reads the header of a published snapshot.
type HeadReader interface {
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
}

// SnapshotStore publishes snapshots to shared storage and reads back the published header.
type SnapshotStore interface {
	HeadReader
	WriteAtomic(ctx context.Context, key string, data []byte) error
}

// Restorer loads a published snapshot into the writer's engine.
type Restorer interface {
	Sequence() uint64
	Restore(data []byte) error
}

// SnapshotReader fetches a published snapshot.
type SnapshotReader interface {
	HeadReader
	Get(ctx context.Context, key string) ([]byte, error)
}
