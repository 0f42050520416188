package request

import (
	"fmt"

	"github.com/kailas-cloud/secindex/internal/domain"
)

// Search parameter limits.
const (
	// MaxQueryLength is the maximum allowed search query length.
	MaxQueryLength = 4096
	DefaultLimit   = 10
	// MaxLimit is the page size cap when none is configured.
	MaxLimit       = 100
	MaxOffset      = 10000
)

// Request is a validated search query.
type Request struct {
	query     string
	offset    int
	limit     int
	explain   bool
	metadata  bool
	summaries bool
}

// New validates and normalizes search parameters.
// An empty query matches every document. A zero limit becomes DefaultLimit. The upper bound is
// applied by WithLimitCap, since it depends on configuration.
func New(query string, offset, limit int, explain, metadata, summaries bool) (Request, error) {
	if len(query) > MaxQueryLength {
		return Request{}, fmt.Errorf("%w: query too long (max %d chars)", domain.ErrInvalidRequest, MaxQueryLength)
	}
	if offset < 0 {
		return Request{}, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidRequest)
	}
	if offset > MaxOffset {
		return Request{}, fmt.Errorf("%w: offset too large (max %d)", domain.ErrInvalidRequest, MaxOffset)
	}
	if limit < 0 {
		return Request{}, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRequest)
	}
	if limit == 0 {
		limit = DefaultLimit
	}

	return Request{
		query:     query,
		offset:    offset,
		limit:     limit,
		explain:   explain,
		metadata:  metadata,
		summaries: summaries,
	}, nil
}

// Query returns the raw query string.
func (r Request) Query() string { return r.query }

// Offset returns the number of hits to skip.
func (r Request) Offset() int { return r.offset }

// Limit returns the maximum number of hits to return.
func (r Request) Limit() int { return r.limit }

// Explain reports whether a score explanation is requested per hit.
func (r Request) Explain() bool { return r.explain }

// Metadata reports whether raw stored field values are requested per hit.
func (r Request) Metadata() bool { return r.metadata }

// Summaries reports whether hits carry the summary projection instead of the full document.
func (r Request) Summaries() bool { return r.summaries }

// WithLimitCap returns a copy with the limit clamped to maxLimit, or to MaxLimit when maxLimit is not positive.
func (r Request) WithLimitCap(maxLimit int) Request {
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if r.limit > maxLimit {
		r.limit = maxLimit
	}
	return r
}
