package secindex

import "encoding/json"

// SearchRequest is one page of a search.
// Summaries defaults to true on the server; set Full to receive whole stored documents.
type SearchRequest struct {
	Query    string
	Offset   int
	Limit    int
	Explain  bool
	Metadata bool
	Full     bool
}

// Hit is one search hit with the raw document.
type Hit struct {
	ID          string          `json:"id"`
	Score       float64         `json:"score"`
	Document    json.RawMessage `json:"document"`
	Explanation json.RawMessage `json:"explanation,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// SearchResult is one page of hits plus the total number of matches.
type SearchResult struct {
	Hits  []Hit  `json:"result"`
	Total uint64 `json:"total"`
}

// HealthStatus represents the aggregated server health.
type HealthStatus struct {
	Status string            `json:"status"` // "ok", "degraded", "error"
	Checks map[string]string `json:"checks"` // component → "ok"/"error"
}

// Ready reports whether the server can answer searches.
func (h HealthStatus) Ready() bool { return h.Status != "error" }
