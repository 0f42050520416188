// Package reindex republishes stored-object events for objects already in storage.
package reindex

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/bus"
	"github.com/kailas-cloud/secindex/internal/domain/event"
	"github.com/kailas-cloud/secindex/internal/storage"
)

// Options select the keys to republish.
type Options struct {
	// Prefix limits the listing.
	Prefix string
	// Match is an optional doublestar pattern the whole key must match, e.g. "sbom/**/*.json".
	Match string
	// Progress is called after each published key with the running total.
	Progress func(published int)
}

// Stats summarizes a run.
type Stats struct {
	Listed    int
	Published int
	Skipped   int
}

// Service publishes key references for existing objects.
type Service struct {
	lister storage.Lister
	sender bus.Sender
	topic  string
	keys   storage.Keys
	log    *zap.Logger
}

// New creates a Service publishing to topic.
func New(lister storage.Lister, sender bus.Sender, topic string, keys storage.Keys, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{lister: lister, sender: sender, topic: topic, keys: keys, log: log}
}

// Count returns how many keys Run would publish.
func (s *Service) Count(ctx context.Context, opts Options) (int, error) {
	if err := validate(opts); err != nil {
		return 0, err
	}
	n := 0
	err := s.lister.List(ctx, opts.Prefix, func(key string) error {
		if s.selected(key, opts) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list %q: %w", opts.Prefix, err)
	}
	return n, nil
}

// Run publishes one put reference per selected key. The indexer treats them like fresh writes.
func (s *Service) Run(ctx context.Context, opts Options) (Stats, error) {
	var st Stats
	if err := validate(opts); err != nil {
		return st, err
	}
	err := s.lister.List(ctx, opts.Prefix, func(key string) error {
		st.Listed++
		if !s.selected(key, opts) {
			st.Skipped++
			return nil
		}
		ref, err := storage.EncodeKeyRef(key, event.OpPut)
		if err != nil {
			return err
		}
		if err := s.sender.Send(ctx, s.topic, ref); err != nil {
			return fmt.Errorf("publish %s: %w", key, err)
		}
		st.Published++
		if opts.Progress != nil {
			opts.Progress(st.Published)
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	s.log.Info("Reindex published",
		zap.String("prefix", opts.Prefix),
		zap.String("match", opts.Match),
		zap.Int("listed", st.Listed),
		zap.Int("published", st.Published),
	)
	return st, nil
}

func (s *Service) selected(key string, opts Options) bool {
	if s.keys.IsIndex(key) {
		return false
	}
	if opts.Match == "" {
		return true
	}
	ok, _ := doublestar.Match(opts.Match, key)
	return ok
}

func validate(opts Options) error {
	if opts.Match != "" && !doublestar.ValidatePattern(opts.Match) {
		return fmt.Errorf("invalid match pattern %q", opts.Match)
	}
	return nil
}
