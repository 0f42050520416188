// Package chi serves the search API over a chi router.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/domain"
	"github.com/kailas-cloud/secindex/internal/domain/search/request"
	"github.com/kailas-cloud/secindex/internal/domain/search/result"
	"github.com/kailas-cloud/secindex/internal/metrics"
	healthuc "github.com/kailas-cloud/secindex/internal/usecase/health"
)

// Searcher answers search requests.
type Searcher interface {
	Search(ctx context.Context, req request.Request) (result.Page, error)
}

// HealthChecker reports component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// errorCode is the machine-readable error code in error responses.
type errorCode string

const (
	codeBadRequest    errorCode = "bad_request"
	codeInvalidQuery  errorCode = "invalid_query"
	codeUnauthorized  errorCode = "unauthorized"
	codeNotReady      errorCode = "index_not_ready"
	codeInternalError errorCode = "internal_error"
)

type errorResponse struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

type searchHit struct {
	ID          string          `json:"id"`
	Score       float64         `json:"score"`
	Document    json.RawMessage `json:"document"`
	Explanation json.RawMessage `json:"explanation,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type searchResponse struct {
	Result []searchHit `json:"result"`
	Total  uint64      `json:"total"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// Server holds the HTTP handlers.
type Server struct {
	search        Searcher
	health        HealthChecker
	logger        *zap.Logger
	defaultLimit  int
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(search Searcher, health HealthChecker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		search: search,
		health: health,
		logger: logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrInvalidQuery, http.StatusBadRequest, codeInvalidQuery),
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, codeBadRequest),
		sentinelHandler(domain.ErrIndexNotReady, http.StatusServiceUnavailable, codeNotReady),
		sentinelHandler(domain.ErrIndexClosed, http.StatusServiceUnavailable, codeNotReady),
	}
	return s
}

// WithDefaultLimit sets the page size used when a request has no limit.
func (s *Server) WithDefaultLimit(n int) *Server {
	s.defaultLimit = n
	return s
}

// Router assembles the middleware chain and routes.
func (s *Server) Router(apiKeys []string) http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(s.logger))
	r.Use(BearerAuthMiddleware(apiKeys))
	r.Use(metrics.Middleware())

	r.Get("/api/v1/search", s.Search)
	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Search handles GET /api/v1/search.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	params, err := bindSearchParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	req, err := request.New(
		deref(params.Q, ""),
		deref(params.Offset, 0),
		deref(params.Limit, s.defaultLimit),
		deref(params.Explain, false),
		deref(params.Metadata, false),
		deref(params.Summaries, true),
	)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	page, err := s.search.Search(r.Context(), req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	hits := make([]searchHit, len(page.Hits))
	for i := range page.Hits {
		h := &page.Hits[i]
		hits[i] = searchHit{
			ID:          h.ID(),
			Score:       h.Score(),
			Document:    h.Document(),
			Explanation: h.Explanation(),
			Metadata:    h.Metadata(),
		}
	}
	writeJSON(w, http.StatusOK, searchResponse{Result: hits, Total: page.Total})
}

// searchParams holds the optional query parameters of GET /api/v1/search.
type searchParams struct {
	Q         *string
	Offset    *int
	Limit     *int
	Explain   *bool
	Metadata  *bool
	Summaries *bool
}

func bindSearchParams(query url.Values) (searchParams, error) {
	var p searchParams
	binds := []struct {
		name string
		dest any
	}{
		{"q", &p.Q},
		{"offset", &p.Offset},
		{"limit", &p.Limit},
		{"explain", &p.Explain},
		{"metadata", &p.Metadata},
		{"summaries", &p.Summaries},
	}
	for _, b := range binds {
		if err := runtime.BindQueryParameter("form", true, false, b.name, query, b.dest); err != nil {
			return searchParams{}, fmt.Errorf("invalid parameter %s", b.name)
		}
	}
	return p, nil
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	status := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Status: string(report.Status), Checks: checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
// Query and request errors carry user-facing detail, so the full message is returned.
func sentinelHandler(sentinel error, status int, code errorCode) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		msg := sentinel.Error()
		if status == http.StatusBadRequest {
			msg = err.Error()
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, h := range s.errorHandlers {
		if h(w, err) {
			s.logger.Debug("request rejected",
				zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
				zap.Error(err),
			)
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
