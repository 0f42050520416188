package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kailas-cloud/secindex/internal/domain"
	"github.com/kailas-cloud/secindex/internal/domain/document"
	"github.com/kailas-cloud/secindex/internal/domain/search/request"
	"github.com/kailas-cloud/secindex/internal/domain/search/result"
	"github.com/kailas-cloud/secindex/internal/index"
	healthuc "github.com/kailas-cloud/secindex/internal/usecase/health"
	searchuc "github.com/kailas-cloud/secindex/internal/usecase/search"
)

// --- Mocks ---

type mockSearcher struct {
	page    result.Page
	err     error
	lastReq request.Request
	panics  bool
}

func (m *mockSearcher) Search(_ context.Context, req request.Request) (result.Page, error) {
	if m.panics {
		panic("boom")
	}
	m.lastReq = req
	return m.page, m.err
}

type mockHealth struct {
	report healthuc.Report
}

func (m *mockHealth) Check(context.Context) healthuc.Report { return m.report }

func healthy() *mockHealth {
	return &mockHealth{report: healthuc.Report{
		Status: healthuc.Healthy,
		Checks: map[string]healthuc.CheckResult{"storage": healthuc.CheckOK, "index": healthuc.CheckOK},
	}}
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// --- Tests ---

func TestSearch_BindsParameters(t *testing.T) {
	s := &mockSearcher{}
	router := NewServer(s, healthy(), nil).Router(nil)

	rr := serve(t, router, "/api/v1/search?q=purl:openssl&offset=5&limit=7&explain=true&metadata=1&summaries=false")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}

	req := s.lastReq
	if req.Query() != "purl:openssl" || req.Offset() != 5 || req.Limit() != 7 {
		t.Errorf("request = q %q offset %d limit %d", req.Query(), req.Offset(), req.Limit())
	}
	if !req.Explain() || !req.Metadata() || req.Summaries() {
		t.Errorf("flags: explain=%v metadata=%v summaries=%v", req.Explain(), req.Metadata(), req.Summaries())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestSearch_Defaults(t *testing.T) {
	s := &mockSearcher{}
	router := NewServer(s, healthy(), nil).Router(nil)

	rr := serve(t, router, "/api/v1/search")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !s.lastReq.Summaries() {
		t.Error("summaries should default to true")
	}
	if s.lastReq.Limit() != request.DefaultLimit {
		t.Errorf("limit = %d, want %d", s.lastReq.Limit(), request.DefaultLimit)
	}

	var resp searchResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result == nil || len(resp.Result) != 0 {
		t.Errorf("expected empty result array, got %v", resp.Result)
	}
}

func TestSearch_DefaultLimitOverride(t *testing.T) {
	s := &mockSearcher{}
	router := NewServer(s, healthy(), nil).WithDefaultLimit(25).Router(nil)

	serve(t, router, "/api/v1/search?q=x")
	if s.lastReq.Limit() != 25 {
		t.Errorf("limit = %d, want 25", s.lastReq.Limit())
	}

	serve(t, router, "/api/v1/search?q=x&limit=3")
	if s.lastReq.Limit() != 3 {
		t.Errorf("limit = %d, want 3", s.lastReq.Limit())
	}
}

func TestSearch_ResponseShape(t *testing.T) {
	s := &mockSearcher{page: result.Page{
		Total: 12,
		Hits: []result.Hit{
			result.New("a", 2.5, json.RawMessage(`{"name":"openssl"}`), json.RawMessage(`{"value":2.5}`), map[string]any{"_key": "sbom/a.json"}),
			result.New("b", 1, json.RawMessage(`{"name":"openssh"}`), nil, nil),
		},
	}}
	router := NewServer(s, healthy(), nil).Router(nil)

	rr := serve(t, router, "/api/v1/search?q=openssl")
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["total"]) != "12" {
		t.Errorf("total = %s", raw["total"])
	}

	var hits []map[string]json.RawMessage
	if err := json.Unmarshal(raw["result"], &hits); err != nil {
		t.Fatalf("decode hits: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d", len(hits))
	}
	if string(hits[0]["document"]) != `{"name":"openssl"}` {
		t.Errorf("document = %s", hits[0]["document"])
	}
	if _, ok := hits[0]["explanation"]; !ok {
		t.Error("expected explanation on first hit")
	}
	if _, ok := hits[1]["explanation"]; ok {
		t.Error("unexpected explanation on second hit")
	}
	if _, ok := hits[1]["metadata"]; ok {
		t.Error("unexpected metadata on second hit")
	}
}

func TestSearch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
		code   errorCode
	}{
		{"bad integer", "/api/v1/search?limit=ten", nil, http.StatusBadRequest, codeBadRequest},
		{"bad bool", "/api/v1/search?explain=maybe", nil, http.StatusBadRequest, codeBadRequest},
		{"negative offset", "/api/v1/search?offset=-1", nil, http.StatusBadRequest, codeBadRequest},
		{"invalid query", "/api/v1/search?q=x", fmt.Errorf("search: %w", domain.ErrInvalidQuery), http.StatusBadRequest, codeInvalidQuery},
		{"not ready", "/api/v1/search?q=x", domain.ErrIndexNotReady, http.StatusServiceUnavailable, codeNotReady},
		{"closed", "/api/v1/search?q=x", domain.ErrIndexClosed, http.StatusServiceUnavailable, codeNotReady},
		{"internal", "/api/v1/search?q=x", errors.New("disk on fire"), http.StatusInternalServerError, codeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewServer(&mockSearcher{err: tt.err}, healthy(), nil).Router(nil)
			rr := serve(t, router, tt.target)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.status, rr.Body)
			}
			var resp errorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Code != tt.code {
				t.Errorf("code = %s, want %s", resp.Code, tt.code)
			}
			if tt.status == http.StatusInternalServerError && resp.Message != "internal error" {
				t.Errorf("internal detail leaked: %q", resp.Message)
			}
		})
	}
}

func TestSearch_PanicRecovered(t *testing.T) {
	router := NewServer(&mockSearcher{panics: true}, healthy(), nil).Router(nil)

	rr := serve(t, router, "/api/v1/search?q=x")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != codeInternalError {
		t.Errorf("code = %s", resp.Code)
	}
}

func TestSearch_RequiresAuth(t *testing.T) {
	router := NewServer(&mockSearcher{}, healthy(), nil).Router([]string{"secret"})

	if rr := serve(t, router, "/api/v1/search"); rr.Code != http.StatusUnauthorized {
		t.Errorf("search without token: %d", rr.Code)
	}
	if rr := serve(t, router, "/health"); rr.Code != http.StatusOK {
		t.Errorf("health without token: %d", rr.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		status healthuc.Status
		code   int
	}{
		{healthuc.Healthy, http.StatusOK},
		{healthuc.Degraded, http.StatusOK},
		{healthuc.Unhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			h := &mockHealth{report: healthuc.Report{
				Status: tt.status,
				Checks: map[string]healthuc.CheckResult{"index": healthuc.CheckOK},
			}}
			rr := serve(t, NewServer(&mockSearcher{}, h, nil).Router(nil), "/health")
			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d", rr.Code, tt.code)
			}
			var resp healthResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != string(tt.status) || resp.Checks["index"] != "ok" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := NewServer(&mockSearcher{}, healthy(), nil).Router(nil)
	serve(t, router, "/api/v1/search")

	rr := serve(t, router, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "secindex_http_requests_total") {
		t.Error("expected http request metrics")
	}
}

func TestSearch_AgainstEngine(t *testing.T) {
	schema := index.MustSchema("sbom", 1, []index.Field{
		{Name: "name", Type: index.Text, Default: true, Summary: true},
		{Name: "format", Type: index.Keyword},
	}, nil)
	e, err := index.NewEngine(schema, index.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer func() { _ = e.Close() }()

	for _, name := range []string{"openssl", "openssh"} {
		doc, err := document.New(name, "sbom/"+name+".json",
			map[string]any{"name": name, "format": "spdx"}, []byte(`{"name":"`+name+`","extra":true}`))
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

	router := NewServer(searchuc.New(e, 0), healthy(), nil).Router(nil)

	rr := serve(t, router, "/api/v1/search?q=name:openssl")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var resp searchResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Result) != 1 || resp.Result[0].ID != "openssl" {
		t.Fatalf("response = %+v", resp)
	}

	rr = serve(t, router, "/api/v1/search?q=nosuch:x")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rr.Code)
	}
}
