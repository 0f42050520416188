package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/domain"
	"github.com/kailas-cloud/secindex/internal/index"
)

// publishedSequence reads the sequence of the snapshot stored at key.
// found is false when there is no snapshot or its header is unreadable.
func publishedSequence(ctx context.Context, store HeadReader, key string, log *zap.Logger) (seq uint64, found bool, err error) {
	head, err := store.ReadRange(ctx, key, 0, index.SnapshotHeaderSize)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read snapshot header: %w", err)
	}
	seq, err = index.SnapshotSequence(head)
	if err != nil {
		log.Warn("Published snapshot has an unreadable header", zap.Error(err))
		return 0, false, nil
	}
	return seq, true, nil
}

// RestoreLatest loads the published snapshot into idx when it is ahead of the local state,
// which happens when the writer starts without its journal. It reports whether it restored.
// A missing or corrupt snapshot leaves idx as it is.
func RestoreLatest(ctx context.Context, idx Restorer, store SnapshotReader, key string, log *zap.Logger) (bool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("snapshot_key", key))

	remote, found, err := publishedSequence(ctx, store, key, log)
	if err != nil {
		return false, err
	}
	local := idx.Sequence()
	if !found || remote <= local {
		log.Info("Local index is current",
			zap.Bool("published", found),
			zap.Uint64("local_sequence", local),
			zap.Uint64("published_sequence", remote),
		)
		return false, nil
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("fetch snapshot: %w", err)
	}
	if err := idx.Restore(data); err != nil {
		if index.IsCorrupt(err) {
			log.Error("Published snapshot is corrupt; starting from local state", zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	log.Info("Writer index restored from published snapshot",
		zap.Uint64("local_sequence", local),
		zap.Uint64("sequence", idx.Sequence()),
	)
	return true, nil
}
