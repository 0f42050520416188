// Package indexer consumes stored-object events, keeps the local search index in step with
// object storage and publishes index snapshots for read replicas.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/bus"
	"github.com/kailas-cloud/secindex/internal/domain"
	"github.com/kailas-cloud/secindex/internal/domain/document"
	"github.com/kailas-cloud/secindex/internal/domain/event"
	"github.com/kailas-cloud/secindex/internal/metrics"
	"github.com/kailas-cloud/secindex/internal/retry"
	"github.com/kailas-cloud/secindex/internal/storage"
)

// Pipeline defaults.
const (
	DefaultBatchSize   = 100
	DefaultBatchLinger = 250 * time.Millisecond
)

// Config configures a Pipeline.
type Config struct {
	Domain string
	// Group is the consumer group; defaults to "<domain>-indexer".
	Group       string
	Topics      bus.Topics
	BatchSize   int
	BatchLinger time.Duration
	Retry       retry.Config
}

func (c *Config) applyDefaults() {
	if c.Group == "" {
		c.Group = c.Domain + "-indexer"
	}
	if c.Topics == (bus.Topics{}) {
		c.Topics = bus.DefaultTopics(c.Domain)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchLinger <= 0 {
		c.BatchLinger = DefaultBatchLinger
	}
	if c.Retry == (retry.Config{}) {
		c.Retry = retry.DefaultConfig()
	}
}

// Pipeline turns stored-object events into index commits.
//
// Each batch is committed to the index before its events are published and before the bus
// offsets are committed, so a crash at any point leads to redelivery, never to loss.
type Pipeline struct {
	bus   bus.Bus
	store ObjectReader
	codec document.Codec
	index Index
	keys  storage.Keys
	cfg   Config
	log   *zap.Logger
}

// New creates a Pipeline.
func New(
	b bus.Bus, store ObjectReader, codec document.Codec, idx Index,
	keys storage.Keys, cfg Config, log *zap.Logger,
) *Pipeline {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		bus:   b,
		store: store,
		codec: codec,
		index: idx,
		keys:  keys,
		cfg:   cfg,
		log:   log.With(zap.String("domain", cfg.Domain)),
	}
}

// Run consumes until ctx is cancelled. Transport and storage errors restart the subscription
// after a backoff, which resumes from the last committed offset.
func (p *Pipeline) Run(ctx context.Context) error {
	backoff := retry.NewBackoff(p.cfg.Retry)
	for {
		err := p.consume(ctx, backoff.Reset)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, bus.ErrClosed) {
			return err
		}
		if p.cfg.Retry.MaxRetries >= 0 && backoff.Attempt() >= p.cfg.Retry.MaxRetries {
			return fmt.Errorf("indexer: giving up after %d retries: %w", backoff.Attempt(), err)
		}
		p.log.Warn("Indexer iteration failed, resubscribing",
			zap.Int("attempt", backoff.Attempt()+1),
			zap.Error(err),
		)
		if werr := backoff.Wait(ctx); werr != nil {
			return nil
		}
	}
}

// consume runs one subscription until it fails or ends.
func (p *Pipeline) consume(ctx context.Context, onBatch func()) error {
	c, err := p.bus.Subscribe(ctx, p.cfg.Group, []string{p.cfg.Topics.Stored})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = c.Close() }()

	for {
		batch, err := p.gather(ctx, c)
		if len(batch) > 0 {
			if perr := p.ProcessBatch(ctx, c, batch); perr != nil {
				return perr
			}
			onBatch()
		}
		if errors.Is(err, io.EOF) {
			return errors.New("subscription ended")
		}
		if err != nil {
			return err
		}
	}
}

// gather blocks for one message, then collects more until BatchSize or BatchLinger.
// On cancellation of ctx nothing is returned; uncommitted messages are redelivered.
func (p *Pipeline) gather(ctx context.Context, c bus.Consumer) ([]*bus.Message, error) {
	first, err := c.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("next: %w", err)
	}
	batch := []*bus.Message{first}

	lingerCtx, cancel := context.WithTimeout(ctx, p.cfg.BatchLinger)
	defer cancel()
	for len(batch) < p.cfg.BatchSize {
		m, err := c.Next(lingerCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if lingerCtx.Err() != nil {
				break
			}
			// The batch so far is still processed; the error surfaces on the next gather.
			p.log.Debug("Consumer error while lingering", zap.Error(err))
			break
		}
		batch = append(batch, m)
	}
	return batch, nil
}

// ProcessBatch indexes msgs, commits the index, publishes outcomes and commits the bus offsets.
// Any returned error leaves the offsets uncommitted and the staged writes discarded.
func (p *Pipeline) ProcessBatch(ctx context.Context, c bus.Consumer, msgs []*bus.Message) error {
	start := time.Now()
	var indexed []event.Indexed

	for _, m := range msgs {
		metrics.EventsConsumedTotal.WithLabelValues(p.cfg.Domain, m.Topic).Inc()

		events, err := storage.DecodeEvent(m.Payload)
		if err != nil {
			p.log.Warn("Skipping undecodable notification",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Int("decoded", len(events)),
				zap.Error(err),
			)
		}
		for _, ev := range events {
			done, err := p.handle(ctx, ev)
			if err != nil {
				p.index.Discard()
				return err
			}
			if done != nil {
				indexed = append(indexed, *done)
			}
		}
	}

	seq, err := p.index.Commit()
	if err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	metrics.CommitSequence.WithLabelValues(p.cfg.Domain, "writer").Set(float64(seq))

	for _, ev := range indexed {
		if err := p.publish(ctx, p.cfg.Topics.Indexed, ev); err != nil {
			return err
		}
	}
	if err := c.Commit(ctx, msgs); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}

	metrics.BatchDuration.WithLabelValues(p.cfg.Domain).Observe(time.Since(start).Seconds())
	p.log.Debug("Batch committed",
		zap.Int("messages", len(msgs)),
		zap.Int("indexed", len(indexed)),
		zap.Uint64("sequence", seq),
	)
	return nil
}

// handle stages one event. It returns the indexed outcome for puts that reached the index.
func (p *Pipeline) handle(ctx context.Context, ev event.StoredObject) (*event.Indexed, error) {
	if p.keys.IsIndex(ev.Key) {
		p.count(metrics.ResultSkipped)
		return nil, nil
	}

	switch ev.Operation {
	case event.OpDelete:
		if err := p.index.DeleteKey(ev.Key); err != nil {
			return nil, fmt.Errorf("stage delete %s: %w", ev.Key, err)
		}
		p.count(metrics.ResultDeleted)
		return nil, nil
	case event.OpPut:
	default:
		p.count(metrics.ResultSkipped)
		return nil, nil
	}

	doc, err := p.load(ctx, ev.Key)
	if err == nil {
		err = p.index.AddOrReplace(doc)
	}
	switch {
	case err == nil:
		p.count(metrics.ResultIndexed)
		return &event.Indexed{Key: ev.Key, ID: doc.ID()}, nil
	case terminal(err):
		p.count(metrics.ResultFailed)
		p.log.Info("Document rejected", zap.String("key", ev.Key), zap.Error(err))
		if perr := p.publish(ctx, p.cfg.Topics.Failed, event.Failed{Key: ev.Key, Error: err.Error()}); perr != nil {
			return nil, perr
		}
		return nil, nil
	default:
		return nil, err
	}
}

func (p *Pipeline) load(ctx context.Context, key string) (document.Indexable, error) {
	data, err := p.store.Get(ctx, key)
	if err != nil {
		return document.Indexable{}, fmt.Errorf("get %s: %w", key, err)
	}
	doc, err := p.codec.Decode(key, data)
	if err != nil {
		return document.Indexable{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

func (p *Pipeline) publish(ctx context.Context, topic string, v any) error {
	payload, err := event.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.bus.Send(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Pipeline) count(result string) {
	metrics.DocumentsTotal.WithLabelValues(p.cfg.Domain, result).Inc()
}

// terminal reports failures that redelivery cannot fix: rejected documents and objects
// that no longer exist.
func terminal(err error) bool {
	return document.IsInvalid(err) || errors.Is(err, domain.ErrNotFound)
}
