package secindex

import (
	"context"
	"encoding/json"
	"fmt"
)

// TypedHit is a search hit with its document decoded into T.
type TypedHit[T any] struct {
	Item  T
	ID    string
	Score float64
}

// SearchBuilder is a fluent builder for typed search queries.
type SearchBuilder[T any] struct {
	client *Client
	req    SearchRequest
	total  uint64
}

// Query starts a typed search. T receives each hit's document, so it should match
// the summary projection, or the full document when Full is set.
func Query[T any](c *Client, q string) *SearchBuilder[T] {
	return &SearchBuilder[T]{client: c, req: SearchRequest{Query: q}}
}

// Offset skips the first n hits.
func (b *SearchBuilder[T]) Offset(n int) *SearchBuilder[T] {
	b.req.Offset = n
	return b
}

// Limit sets the maximum number of results.
func (b *SearchBuilder[T]) Limit(n int) *SearchBuilder[T] {
	b.req.Limit = n
	return b
}

// Full requests whole stored documents instead of summaries.
func (b *SearchBuilder[T]) Full() *SearchBuilder[T] {
	b.req.Full = true
	return b
}

// Do executes the search and returns typed results.
func (b *SearchBuilder[T]) Do(ctx context.Context) ([]TypedHit[T], error) {
	res, err := b.client.Search(ctx, b.req)
	if err != nil {
		return nil, err
	}
	b.total = res.Total
	return Decode[T](res)
}

// Total returns the match count reported by the last Do.
func (b *SearchBuilder[T]) Total() uint64 { return b.total }

// Decode unmarshals every hit's document into T.
func Decode[T any](res *SearchResult) ([]TypedHit[T], error) {
	out := make([]TypedHit[T], len(res.Hits))
	for i, h := range res.Hits {
		if err := json.Unmarshal(h.Document, &out[i].Item); err != nil {
			return nil, fmt.Errorf("secindex: decode hit %s: %w", h.ID, err)
		}
		out[i].ID = h.ID
		out[i].Score = h.Score
	}
	return out, nil
}
