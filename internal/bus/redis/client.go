// Package redis implements bus.Bus on Redis Streams via rueidis.
//
// Topics map to streams, consumer groups to XGROUPs. Commit acknowledges the delivered entries;
// entries that were read but never acknowledged stay in the consumer's pending list and are
// read again first after a restart under the same consumer name. Entries left pending by other
// members of the group (a crashed pod with another hostname) are taken over with XAUTOCLAIM once
// they have been idle for ClaimIdle.
package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"

	"github.com/kailas-cloud/secindex/internal/bus"
)

// Compile-time check: Bus implements bus.Bus.
var _ bus.Bus = (*Bus)(nil)

// payloadField is the stream entry field holding the message body.
const payloadField = "payload"

// Defaults for reads.
const (
	DefaultBatchCount = 64
	DefaultBlock      = 2 * time.Second
	DefaultClaimIdle  = time.Minute
)

// Config holds connection parameters for a Redis bus.
type Config struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	// Consumer is the stable consumer name inside a group. Defaults to the hostname.
	Consumer string
	// MaxLen caps stream length (approximate trimming). 0 disables trimming.
	MaxLen int64
	// ClaimIdle is how long an entry stays unacknowledged before another consumer takes it over.
	// It is also the interval between claim passes. 0 means DefaultClaimIdle, negative disables claiming.
	ClaimIdle time.Duration
}

// Bus implements bus.Bus via rueidis for Redis 6.2+ / Valkey.
type Bus struct {
	client    rueidis.Client
	keyPrefix string
	consumer  string
	maxLen    int64
	count     int64
	block     time.Duration
	claimIdle time.Duration
}

// NewBus creates a Redis Streams bus.
func NewBus(cfg Config) (*Bus, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return newBus(client, cfg), nil
}

func newBus(client rueidis.Client, cfg Config) *Bus {
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = defaultConsumerName()
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle == 0 {
		claimIdle = DefaultClaimIdle
	}
	return &Bus{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		consumer:  consumer,
		maxLen:    cfg.MaxLen,
		count:     DefaultBatchCount,
		block:     DefaultBlock,
		claimIdle: claimIdle,
	}
}

// defaultConsumerName returns the hostname, or a random name when it is unavailable.
// Entries pending under an old name are reclaimed after ClaimIdle.
func defaultConsumerName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "consumer-" + uuid.NewString()
}

// Ping checks connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	cmd := b.client.B().Ping().Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (b *Bus) Close() error {
	b.client.Close()
	return nil
}

// WaitForReady polls Ping until Redis responds or timeout expires.
func (b *Bus) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for redis: %w", ctx.Err())
		case <-ticker.C:
			if err := b.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

func (b *Bus) stream(topic string) string {
	return b.keyPrefix + topic
}

// Send appends the payload to the topic stream.
func (b *Bus) Send(ctx context.Context, topic string, payload []byte) error {
	var cmd rueidis.Completed
	if b.maxLen > 0 {
		cmd = b.client.B().Xadd().Key(b.stream(topic)).Maxlen().Almost().Threshold(fmt.Sprint(b.maxLen)).
			Id("*").FieldValue().FieldValue(payloadField, string(payload)).Build()
	} else {
		cmd = b.client.B().Xadd().Key(b.stream(topic)).
			Id("*").FieldValue().FieldValue(payloadField, string(payload)).Build()
	}
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return &bus.Error{Op: bus.OpSend, Topic: topic, Err: err}
	}
	return nil
}

// Create makes sure every topic stream exists.
// Streams only exist once they have an entry or a group, so an internal group is created.
func (b *Bus) Create(ctx context.Context, topics []string) error {
	for _, t := range topics {
		if err := b.createGroup(ctx, t, "secindex-bootstrap"); err != nil {
			return &bus.Error{Op: bus.OpCreate, Topic: t, Err: err}
		}
	}
	return nil
}

func (b *Bus) createGroup(ctx context.Context, topic, group string) error {
	cmd := b.client.B().XgroupCreate().Key(b.stream(topic)).Group(group).Id("0").Mkstream().Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil && !isRedisErr(err, "BUSYGROUP") {
		return err
	}
	return nil
}

// Subscribe creates the group on every topic (if missing) and returns a consumer
// that first replays its own pending entries, then claims idle entries of other members.
func (b *Bus) Subscribe(ctx context.Context, group string, topics []string) (bus.Consumer, error) {
	if len(topics) == 0 {
		return nil, &bus.Error{Op: bus.OpSubscribe, Err: fmt.Errorf("no topics")}
	}
	streams := make([]string, len(topics))
	cursors := make(map[string]string, len(topics))
	byStream := make(map[string]string, len(topics))
	for i, t := range topics {
		if err := b.createGroup(ctx, t, group); err != nil {
			return nil, &bus.Error{Op: bus.OpSubscribe, Topic: t, Err: err}
		}
		streams[i] = b.stream(t)
		cursors[streams[i]] = "0"
		byStream[streams[i]] = t
	}
	return &Consumer{
		bus:      b,
		group:    group,
		streams:  streams,
		topics:   byStream,
		pending:  cursors,
		now:      time.Now,
		closedCh: make(chan struct{}),
	}, nil
}

// isRedisErr reports whether err is a Redis server error whose message contains prefix.
func isRedisErr(err error, prefix string) bool {
	re, ok := rueidis.IsRedisErr(err)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToUpper(re.Error()), prefix)
}
