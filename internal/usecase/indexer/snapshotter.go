package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/metrics"
)

// DefaultSnapshotInterval is how often the snapshotter checks for new commits.
const DefaultSnapshotInterval = 30 * time.Second

// Snapshotter uploads the index snapshot whenever the commit sequence has advanced.
// It never replaces a published snapshot with one of a lower or equal sequence.
type Snapshotter struct {
	index    SnapshotSource
	store    SnapshotStore
	key      string
	domain   string
	interval time.Duration
	log      *zap.Logger

	published uint64
	// synced is set once published reflects what is in the store.
	synced bool
}

// NewSnapshotter creates a snapshotter writing to key in store.
func NewSnapshotter(
	idx SnapshotSource, store SnapshotStore, domain, key string,
	interval time.Duration, log *zap.Logger,
) *Snapshotter {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Snapshotter{
		index:    idx,
		store:    store,
		key:      key,
		domain:   domain,
		interval: interval,
		log:      log.With(zap.String("domain", domain), zap.String("snapshot_key", key)),
	}
}

// Run publishes on every tick until ctx is cancelled, then makes a final attempt.
// Publish failures are logged and retried on the next tick.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.interval)
			defer cancel()
			if _, err := s.Publish(final); err != nil {
				s.log.Warn("Final snapshot publish failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if _, err := s.Publish(ctx); err != nil {
				s.log.Warn("Snapshot publish failed", zap.Error(err))
			}
		}
	}
}

// Publish uploads a snapshot if the index is ahead of the published one.
// The first call publishes when nothing is stored yet, so replicas can start.
// It reports whether an upload happened.
func (s *Snapshotter) Publish(ctx context.Context) (bool, error) {
	if s.synced && s.index.Sequence() == s.published {
		return false, nil
	}

	start := time.Now()
	data, seq, err := s.index.Snapshot()
	if err != nil {
		metrics.SyncTotal.WithLabelValues(s.domain, "writer", "error").Inc()
		return false, fmt.Errorf("snapshot: %w", err)
	}
	remote, found, err := publishedSequence(ctx, s.store, s.key, s.log)
	if err != nil {
		metrics.SyncTotal.WithLabelValues(s.domain, "writer", "error").Inc()
		return false, err
	}
	if found && remote >= seq {
		if remote > seq {
			s.log.Warn("Published snapshot is ahead of the local index; not overwriting",
				zap.Uint64("sequence", seq),
				zap.Uint64("published_sequence", remote),
			)
			metrics.SyncTotal.WithLabelValues(s.domain, "writer", "skipped").Inc()
		}
		s.published, s.synced = seq, true
		return false, nil
	}
	if err := s.store.WriteAtomic(ctx, s.key, data); err != nil {
		metrics.SyncTotal.WithLabelValues(s.domain, "writer", "error").Inc()
		return false, fmt.Errorf("upload snapshot: %w", err)
	}
	s.published, s.synced = seq, true

	elapsed := time.Since(start)
	metrics.SyncTotal.WithLabelValues(s.domain, "writer", "published").Inc()
	metrics.SnapshotBytes.WithLabelValues(s.domain, "writer").Set(float64(len(data)))
	metrics.SnapshotDuration.WithLabelValues(s.domain, "writer").Observe(elapsed.Seconds())
	s.log.Info("Snapshot published",
		zap.Uint64("sequence", seq),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", elapsed),
	)
	return true, nil
}
