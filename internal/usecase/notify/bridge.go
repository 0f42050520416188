// Package notify forwards storage notifications to the stored-object topic.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/bus"
	"github.com/kailas-cloud/secindex/internal/domain/event"
	"github.com/kailas-cloud/secindex/internal/retry"
	"github.com/kailas-cloud/secindex/internal/storage"
)

// Bridge turns raw notification payloads into one key reference per object event.
// Index keys and operations other than put and delete never reach the topic.
type Bridge struct {
	sender bus.Sender
	topic  string
	keys   storage.Keys
	retry  retry.Config
	log    *zap.Logger
}

// New creates a Bridge publishing to topic.
func New(sender bus.Sender, topic string, keys storage.Keys, rc retry.Config, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{sender: sender, topic: topic, keys: keys, retry: rc, log: log}
}

// Forward publishes the events in payload. Sends are retried with backoff; an error means
// ctx ended or retries ran out.
func (b *Bridge) Forward(ctx context.Context, payload []byte) error {
	events, err := storage.DecodeEvent(payload)
	if err != nil {
		b.log.Warn("Dropping undecodable notification records",
			zap.Int("decoded", len(events)),
			zap.Error(err),
		)
	}
	for _, ev := range events {
		if b.keys.IsIndex(ev.Key) {
			continue
		}
		if ev.Operation != event.OpPut && ev.Operation != event.OpDelete {
			continue
		}
		ref, err := storage.EncodeKeyRef(ev.Key, ev.Operation)
		if err != nil {
			return err
		}
		err = retry.Do(ctx, b.retry, func() error {
			return b.sender.Send(ctx, b.topic, ref)
		})
		if err != nil {
			return fmt.Errorf("forward %s: %w", ev, err)
		}
	}
	return nil
}
