package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterPipelineMetrics_Idempotent(t *testing.T) {
	RegisterPipelineMetrics()
	RegisterPipelineMetrics()

	DocumentsTotal.WithLabelValues("sbom", ResultIndexed).Add(2)
	if got := testutil.ToFloat64(DocumentsTotal.WithLabelValues("sbom", ResultIndexed)); got < 2 {
		t.Errorf("documents_total = %v, want >= 2", got)
	}

	err := prometheus.Register(DocumentsTotal)
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		t.Errorf("expected DocumentsTotal to be registered, got %v", err)
	}
}

func TestCommitSequence_PerRole(t *testing.T) {
	CommitSequence.WithLabelValues("vex", "writer").Set(42)
	CommitSequence.WithLabelValues("vex", "replica").Set(40)

	if got := testutil.ToFloat64(CommitSequence.WithLabelValues("vex", "writer")); got != 42 {
		t.Errorf("writer sequence = %v", got)
	}
	if got := testutil.ToFloat64(CommitSequence.WithLabelValues("vex", "replica")); got != 40 {
		t.Errorf("replica sequence = %v", got)
	}
}
