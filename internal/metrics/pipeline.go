package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Document outcomes.
const (
	ResultIndexed = "indexed"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
	ResultDeleted = "deleted"
)

// Indexing pipeline Prometheus metrics.
var (
	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "secindex",
			Name:      "events_consumed_total",
			Help:      "Total bus messages consumed by the indexer",
		},
		[]string{"domain", "topic"},
	)

	DocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "secindex",
			Name:      "documents_total",
			Help:      "Documents handled by the indexer by outcome",
		},
		[]string{"domain", "result"}, // indexed / failed / skipped / deleted
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "secindex",
			Name:      "batch_duration_seconds",
			Help:      "Time from the first message of a batch to its bus commit",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"domain"},
	)

	CommitSequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "secindex",
			Name:      "index_commit_sequence",
			Help:      "Sequence number of the last index commit or restore",
		},
		[]string{"domain", "role"}, // writer / replica
	)

	SnapshotBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "secindex",
			Name:      "snapshot_bytes",
			Help:      "Size of the last published or restored snapshot",
		},
		[]string{"domain", "role"},
	)

	SnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "secindex",
			Name:      "snapshot_duration_seconds",
			Help:      "Snapshot publish or restore duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"domain", "role"},
	)

	SyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "secindex",
			Name:      "sync_total",
			Help:      "Snapshot publish and sync attempts by result",
		},
		[]string{"domain", "role", "result"}, // published / skipped / restored / unchanged / error
	)
)

var registerPipeline sync.Once

// RegisterPipelineMetrics registers the indexing pipeline metrics with the default registry.
// Safe to call more than once.
func RegisterPipelineMetrics() {
	registerPipeline.Do(func() {
		prometheus.MustRegister(
			EventsConsumedTotal,
			DocumentsTotal,
			BatchDuration,
			CommitSequence,
			SnapshotBytes,
			SnapshotDuration,
			SyncTotal,
		)
	})
}
