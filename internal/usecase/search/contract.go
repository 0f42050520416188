package search

import (
	"context"

	"github.com/kailas-cloud/secindex/internal/domain/search/result"
	"github.com/kailas-cloud/secindex/internal/index"
)

// Index runs queries against the committed index state.
type Index interface {
	Search(ctx context.Context, text string, opts index.SearchOptions) (result.Page, error)
}
