// Package replica keeps a read-only index in step with the snapshot published by the indexer.
package replica

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/index"
	"github.com/kailas-cloud/secindex/internal/metrics"
)

// DefaultInterval is how often the snapshot header is polled.
const DefaultInterval = 5 * time.Second

// Outcome of one sync attempt.
type Outcome string

// Sync outcomes.
const (
	Restored  Outcome = "restored"
	Unchanged Outcome = "unchanged"
	Missing   Outcome = "missing"
	Rejected  Outcome = "rejected"
)

// Syncer polls the snapshot checksum and restores the index when it changes.
// Failures keep the current generation serving.
type Syncer struct {
	index    Index
	store    SnapshotReader
	key      string
	domain   string
	interval time.Duration
	log      *zap.Logger

	loaded    uint64
	hasLoad   bool
	rejected  uint64
	hasReject bool
}

// New creates a Syncer for the snapshot at key.
func New(idx Index, store SnapshotReader, domain, key string, interval time.Duration, log *zap.Logger) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		index:    idx,
		store:    store,
		key:      key,
		domain:   domain,
		interval: interval,
		log:      log.With(zap.String("domain", domain), zap.String("snapshot_key", key)),
	}
}

// Run syncs immediately and then on every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("Snapshot sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync performs one poll. A missing snapshot is not an error: the replica stays not ready.
func (s *Syncer) Sync(ctx context.Context) (Outcome, error) {
	out, err := s.sync(ctx)
	result := string(out)
	if err != nil {
		result = "error"
	}
	metrics.SyncTotal.WithLabelValues(s.domain, "replica", result).Inc()
	return out, err
}

func (s *Syncer) sync(ctx context.Context) (Outcome, error) {
	ok, err := s.store.Exists(ctx, s.key)
	if err != nil {
		return "", fmt.Errorf("check snapshot: %w", err)
	}
	if !ok {
		if !s.index.Ready() {
			s.log.Debug("Waiting for first snapshot")
		}
		return Missing, nil
	}

	head, err := s.store.ReadRange(ctx, s.key, 0, index.SnapshotHeaderSize)
	if err != nil {
		return "", fmt.Errorf("read snapshot header: %w", err)
	}
	sum, err := index.SnapshotChecksum(head)
	if err != nil {
		return "", fmt.Errorf("snapshot header: %w", err)
	}
	if s.hasLoad && sum == s.loaded {
		return Unchanged, nil
	}
	if s.hasReject && sum == s.rejected {
		return Rejected, nil
	}

	start := time.Now()
	data, err := s.store.Get(ctx, s.key)
	if err != nil {
		return "", fmt.Errorf("fetch snapshot: %w", err)
	}
	// The object may have been replaced since the header read.
	if sum, err = index.SnapshotChecksum(data); err != nil {
		return "", fmt.Errorf("snapshot header: %w", err)
	}
	if err := s.index.Restore(data); err != nil {
		if index.IsCorrupt(err) {
			s.rejected, s.hasReject = sum, true
			s.log.Error("Rejected corrupt snapshot", zap.Uint64("checksum", sum), zap.Error(err))
			return Rejected, nil
		}
		return "", fmt.Errorf("restore snapshot: %w", err)
	}
	s.loaded, s.hasLoad = sum, true

	elapsed := time.Since(start)
	seq := s.index.Sequence()
	metrics.CommitSequence.WithLabelValues(s.domain, "replica").Set(float64(seq))
	metrics.SnapshotBytes.WithLabelValues(s.domain, "replica").Set(float64(len(data)))
	metrics.SnapshotDuration.WithLabelValues(s.domain, "replica").Observe(elapsed.Seconds())
	s.log.Info("Snapshot restored",
		zap.Uint64("sequence", seq),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", elapsed),
	)
	return Restored, nil
}
