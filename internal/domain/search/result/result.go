package result

import "encoding/json"

// Hit is a single search hit.
type Hit struct {
	id          string
	score       float64
	document    json.RawMessage
	explanation json.RawMessage
	metadata    map[string]any
}

// New creates a search hit. explanation and metadata may be nil.
func New(id string, score float64, document, explanation json.RawMessage, metadata map[string]any) Hit {
	return Hit{id: id, score: score, document: document, explanation: explanation, metadata: metadata}
}

// ID returns the document identifier.
func (h *Hit) ID() string { return h.id }

// Score returns the relevance score.
func (h *Hit) Score() float64 { return h.score }

// Document returns the stored document or its summary projection.
func (h *Hit) Document() json.RawMessage { return h.document }

// Explanation returns the score breakdown, if requested.
func (h *Hit) Explanation() json.RawMessage { return h.explanation }

// Metadata returns raw stored field values, if requested.
func (h *Hit) Metadata() map[string]any { return h.metadata }

// Page is one page of search hits plus the total number of matches.
type Page struct {
	Hits  []Hit
	Total uint64
}
