package secindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kailas-cloud/secindex/internal/domain/document"
	"github.com/kailas-cloud/secindex/internal/index"
	chiTransport "github.com/kailas-cloud/secindex/internal/transport/chi"
	healthuc "github.com/kailas-cloud/secindex/internal/usecase/health"
	searchuc "github.com/kailas-cloud/secindex/internal/usecase/search"
)

// --- Helpers ---

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type advisory struct {
	CVE   string `json:"cve"`
	Title string `json:"title"`
}

// newServer starts the real HTTP surface over an engine with two advisories.
func newServer(t *testing.T, apiKeys ...string) *httptest.Server {
	t.Helper()

	schema := index.MustSchema("vex", 1, []index.Field{
		{Name: "cve", Type: index.Text, Analyzer: index.AnalyzerIdentifier, Summary: true},
		{Name: "title", Type: index.Text, Default: true, Summary: true},
		{Name: "severity", Type: index.Keyword},
	}, map[string]string{"critical": "severity:critical"})

	e, err := index.NewEngine(schema, index.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	docs := []struct {
		id, title, severity string
	}{
		{"CVE-2024-3094", "xz backdoor", "critical"},
		{"CVE-2023-0286", "openssl type confusion", "high"},
	}
	for _, d := range docs {
		doc, err := document.New(d.id, "vex/"+d.id+".json",
			map[string]any{"cve": d.id, "title": d.title, "severity": d.severity},
			[]byte(`{"cve":"`+d.id+`","title":"`+d.title+`","severity":"`+d.severity+`","notes":["long"]}`))
		if err != nil {
			t.Fatalf("doc: %v", err)
		}
		if err := e.AddOrReplace(doc); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := e.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	srv := chiTransport.NewServer(searchuc.New(e, 0), healthuc.New(okPinger{}, nil, e), nil)
	ts := httptest.NewServer(srv.Router(apiKeys))
	t.Cleanup(ts.Close)
	return ts
}

// --- Tests ---

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "ftp://example.com", "://bad"} {
		if _, err := New(u); err == nil {
			t.Errorf("New(%q): expected error", u)
		}
	}
}

func TestClient_Search(t *testing.T) {
	ts := newServer(t)
	c, err := New(ts.URL + "/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	res, err := c.Search(context.Background(), SearchRequest{Query: "is:critical", Metadata: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Total != 1 || len(res.Hits) != 1 {
		t.Fatalf("total = %d, hits = %d", res.Total, len(res.Hits))
	}
	if res.Hits[0].ID != "CVE-2024-3094" {
		t.Errorf("id = %q", res.Hits[0].ID)
	}
	if res.Hits[0].Metadata == nil {
		t.Error("expected metadata")
	}
}

func TestQuery_Typed(t *testing.T) {
	ts := newServer(t)
	c, err := New(ts.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	b := Query[advisory](c, "openssl OR xz").Limit(1)
	hits, err := b.Do(context.Background())
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(hits) != 1 || b.Total() != 2 {
		t.Fatalf("hits = %d, total = %d", len(hits), b.Total())
	}
	if hits[0].Item.CVE != hits[0].ID || hits[0].Item.Title == "" {
		t.Errorf("decoded = %+v", hits[0])
	}
}

func TestClient_Search_InvalidQuery(t *testing.T) {
	ts := newServer(t)
	c, _ := New(ts.URL)

	_, err := c.Search(context.Background(), SearchRequest{Query: "nosuch:x"})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestClient_Auth(t *testing.T) {
	ts := newServer(t, "secret")

	anon, _ := New(ts.URL)
	if _, err := anon.Search(context.Background(), SearchRequest{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	authed, _ := New(ts.URL, WithAPIKey("secret"))
	if _, err := authed.Search(context.Background(), SearchRequest{}); err != nil {
		t.Fatalf("authorized search: %v", err)
	}
}

func TestClient_Health(t *testing.T) {
	ts := newServer(t)
	c, _ := New(ts.URL)

	hs, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !hs.Ready() || hs.Checks["index"] != "ok" {
		t.Errorf("health = %+v", hs)
	}
}

func TestClient_NotReady(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		if r.URL.Path == healthPath {
			_, _ = w.Write([]byte(`{"status":"error","checks":{"index":"error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":"index_not_ready","message":"index not ready"}`))
	}))
	defer ts.Close()
	c, _ := New(ts.URL)

	hs, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if hs.Ready() {
		t.Error("expected not ready")
	}

	_, err = c.Search(context.Background(), SearchRequest{Query: "x"})
	if !IsNotReady(err) {
		t.Fatalf("expected not-ready error, got %v", err)
	}
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()
	c, _ := New(ts.URL)

	_, err := c.Search(context.Background(), SearchRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "bad gateway" {
		t.Errorf("api error = %+v", apiErr)
	}
	if errors.Unwrap(apiErr) != nil {
		t.Error("unexpected sentinel for 502")
	}
}

func TestClient_Metrics(t *testing.T) {
	ts := newServer(t)
	reg := prometheus.NewRegistry()
	c, err := New(ts.URL, WithPrometheus(reg), WithDomain("vex"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, _ = c.Search(context.Background(), SearchRequest{Query: "xz"})
	_, _ = c.Search(context.Background(), SearchRequest{Query: "nosuch:x"})
	_, _ = c.Health(context.Background())

	m := c.obs.metrics
	if got := testutil.ToFloat64(m.calls.WithLabelValues("search", "vex", "ok")); got != 1 {
		t.Errorf("ok = %v", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("search", "vex", "invalid_query")); got != 1 {
		t.Errorf("invalid_query = %v", got)
	}
	if got := testutil.ToFloat64(m.calls.WithLabelValues("health", "vex", "ok")); got != 1 {
		t.Errorf("health ok = %v", got)
	}
	if got := testutil.CollectAndCount(m.pageHits); got != 1 {
		t.Errorf("page hit series = %d, want 1", got)
	}

	// A second client on the same registry reuses the collectors.
	other, err := New(ts.URL, WithPrometheus(reg))
	if err != nil {
		t.Fatalf("second client: %v", err)
	}
	_, _ = other.Search(context.Background(), SearchRequest{Query: "xz"})
	if got := testutil.ToFloat64(m.calls.WithLabelValues("search", "default", "ok")); got != 1 {
		t.Errorf("default domain ok = %v", got)
	}
}

func TestClient_MetricsUnauthorized(t *testing.T) {
	ts := newServer(t, "secret")
	reg := prometheus.NewRegistry()
	c, err := New(ts.URL, WithPrometheus(reg), WithDomain("sbom"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, _ = c.Search(context.Background(), SearchRequest{Query: "xz"})
	if got := testutil.ToFloat64(c.obs.metrics.calls.WithLabelValues("search", "sbom", "unauthorized")); got != 1 {
		t.Errorf("unauthorized = %v", got)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("search: %w", &APIError{Status: 400, Code: "invalid_query"}), "invalid_query"},
		{&APIError{Status: 400, Code: "bad_request"}, "bad_request"},
		{&APIError{Status: 401}, "unauthorized"},
		{&APIError{Status: 503, Code: "index_not_ready"}, "not_ready"},
		{&APIError{Status: 502}, "error"},
		{context.DeadlineExceeded, "error"},
	}
	for _, tc := range tests {
		if got := statusOf(tc.err); got != tc.want {
			t.Errorf("statusOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestClient_LogsCarryDomainAndQuery(t *testing.T) {
	ts := newServer(t)
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c, err := New(ts.URL, WithLogger(log), WithDomain("vex"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Search(context.Background(), SearchRequest{Query: "nosuch:x"}); err == nil {
		t.Fatal("expected invalid query")
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log %q: %v", buf.String(), err)
	}
	if rec["level"] != "INFO" || rec["msg"] != "secindex call rejected" {
		t.Errorf("record = %v", rec)
	}
	if rec["domain"] != "vex" || rec["query"] != "nosuch:x" || rec["status"] != "invalid_query" {
		t.Errorf("attrs = %v", rec)
	}
}
