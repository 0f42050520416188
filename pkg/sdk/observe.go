package secindex

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation outcomes used as the status label.
const (
	statusOK           = "ok"
	statusInvalidQuery = "invalid_query"
	statusBadRequest   = "bad_request"
	statusUnauthorized = "unauthorized"
	statusNotReady     = "not_ready"
	statusError        = "error"
)

// clientMetrics holds the collectors of one client, partitioned by the domain it queries.
type clientMetrics struct {
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	pageHits *prometheus.HistogramVec
}

func newClientMetrics(reg prometheus.Registerer) (*clientMetrics, error) {
	m := &clientMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secindex",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Client calls by operation, domain and outcome.",
		}, []string{"operation", "domain", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "secindex",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Client call round-trip time in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation", "domain"}),
		pageHits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "secindex",
			Subsystem: "client",
			Name:      "search_page_hits",
			Help:      "Hits returned per successful search page.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}, []string{"domain"}),
	}
	if err := registerOrReuse(reg, &m.calls); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.latency); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.pageHits); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse registers c, or points c at the collector another client already registered.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return fmt.Errorf("secindex: register metric: %w", err)
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return fmt.Errorf("secindex: metric already registered as %T", are.ExistingCollector)
	}
	*c = existing
	return nil
}

// statusOf maps a call error onto a status label.
func statusOf(err error) string {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, ErrInvalidQuery):
		return statusInvalidQuery
	case errors.Is(err, ErrInvalidRequest):
		return statusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return statusUnauthorized
	case errors.Is(err, ErrIndexNotReady):
		return statusNotReady
	default:
		return statusError
	}
}

// observer logs and counts client calls. A nil observer records nothing.
type observer struct {
	logger  *slog.Logger
	metrics *clientMetrics
	domain  string
}

func newObserver(logger *slog.Logger, reg prometheus.Registerer, domain string) (*observer, error) {
	o := &observer{logger: logger, domain: domain}
	if reg != nil {
		m, err := newClientMetrics(reg)
		if err != nil {
			return nil, err
		}
		o.metrics = m
	}
	return o, nil
}

// searched records one Search call.
func (o *observer) searched(start time.Time, query string, res *SearchResult, err error) {
	if o == nil {
		return
	}
	status := statusOf(err)
	if o.metrics != nil && res != nil {
		o.metrics.pageHits.WithLabelValues(o.domain).Observe(float64(len(res.Hits)))
	}
	attrs := []any{"query", query}
	if res != nil {
		attrs = append(attrs, "hits", len(res.Hits), "total", res.Total)
	}
	o.record("search", status, time.Since(start), err, attrs...)
}

// checkedHealth records one Health call. A reachable server that reports "error" counts as not_ready.
func (o *observer) checkedHealth(start time.Time, hs HealthStatus, err error) {
	if o == nil {
		return
	}
	status := statusOf(err)
	if err == nil && !hs.Ready() {
		status = statusNotReady
	}
	o.record("health", status, time.Since(start), err, "server_status", hs.Status)
}

func (o *observer) record(op, status string, dur time.Duration, err error, attrs ...any) {
	if o.metrics != nil {
		o.metrics.calls.WithLabelValues(op, o.domain, status).Inc()
		o.metrics.latency.WithLabelValues(op, o.domain).Observe(dur.Seconds())
	}
	if o.logger == nil {
		return
	}
	attrs = append([]any{"op", op, "domain", o.domain, "status", status, "duration", dur}, attrs...)
	switch status {
	case statusOK:
		o.logger.Debug("secindex call completed", attrs...)
	case statusInvalidQuery, statusBadRequest, statusNotReady:
		o.logger.Info("secindex call rejected", append(attrs, "error", err)...)
	default:
		o.logger.Warn("secindex call failed", append(attrs, "error", err)...)
	}
}
