package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/domain/search/request"
	"github.com/kailas-cloud/secindex/internal/domain/search/result"
	"github.com/kailas-cloud/secindex/internal/index"
	"github.com/kailas-cloud/secindex/internal/logger"
)

// Service answers search requests from the local index.
type Service struct {
	index    Index
	maxLimit int
}

// New creates a search service. maxLimit caps the page size; zero uses request.MaxLimit.
func New(idx Index, maxLimit int) *Service {
	return &Service{index: idx, maxLimit: maxLimit}
}

// Search executes req. Query syntax errors wrap domain.ErrInvalidQuery.
func (s *Service) Search(ctx context.Context, req request.Request) (result.Page, error) {
	req = req.WithLimitCap(s.maxLimit)
	ctx = logger.WithFields(ctx, zap.String("query", req.Query()))
	start := time.Now()

	page, err := s.index.Search(ctx, req.Query(), index.SearchOptions{
		Offset:    req.Offset(),
		Limit:     req.Limit(),
		Explain:   req.Explain(),
		Metadata:  req.Metadata(),
		Summaries: req.Summaries(),
	})
	if err != nil {
		return result.Page{}, fmt.Errorf("search: %w", err)
	}

	logger.FromContext(ctx).Debug("Search completed",
		zap.Int("hits", len(page.Hits)),
		zap.Uint64("total", page.Total),
		zap.Duration("duration", time.Since(start)),
	)
	return page, nil
}
