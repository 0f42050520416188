package secindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	searchPath = "/api/v1/search"
	healthPath = "/health"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Client is the secindex API entry point. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	apiKey    string
	userAgent string
	obs       *observer
}

// New creates a Client for the server at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{timeout: defaultTimeout, userAgent: "secindex-go"}
	for _, o := range opts {
		o.apply(cfg)
	}

	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("secindex: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("secindex: base url must be http or https, got %q", baseURL)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}

	domain := cfg.domain
	if domain == "" {
		domain = "default"
	}
	obs, err := newObserver(cfg.logger, cfg.metricsReg, domain)
	if err != nil {
		return nil, err
	}

	return &Client{
		base:      base,
		http:      hc,
		apiKey:    cfg.apiKey,
		userAgent: cfg.userAgent,
		obs:       obs,
	}, nil
}

// Search runs one search request.
func (c *Client) Search(ctx context.Context, req SearchRequest) (res *SearchResult, err error) {
	start := time.Now()
	defer func() { c.obs.searched(start, req.Query, res, err) }()

	q := url.Values{}
	if req.Query != "" {
		q.Set("q", req.Query)
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Explain {
		q.Set("explain", "true")
	}
	if req.Metadata {
		q.Set("metadata", "true")
	}
	if req.Full {
		q.Set("summaries", "false")
	}

	var out SearchResult
	if err = c.get(ctx, searchPath, q, &out, http.StatusOK); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return &out, nil
}

// Health fetches the server health report. A not-ready replica returns its report with no error.
func (c *Client) Health(ctx context.Context) (hs HealthStatus, err error) {
	start := time.Now()
	defer func() { c.obs.checkedHealth(start, hs, err) }()

	if err = c.get(ctx, healthPath, nil, &hs, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return HealthStatus{}, fmt.Errorf("health: %w", err)
	}
	return hs, nil
}

// get performs a GET and decodes the body of any accepted status into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any, accept ...int) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, status := range accept {
		if resp.StatusCode == status {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}
	}
	return decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// IsNotReady reports whether err means the server has not loaded an index yet.
func IsNotReady(err error) bool { return errors.Is(err, ErrIndexNotReady) }
