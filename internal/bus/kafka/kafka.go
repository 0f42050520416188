// Package kafka implements bus.Bus on Apache Kafka (or Redpanda) via franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/kailas-cloud/secindex/internal/bus"
)

// Compile-time checks.
var (
	_ bus.Bus      = (*Bus)(nil)
	_ bus.Consumer = (*Consumer)(nil)
)

// SASL mechanisms accepted in Config.SASLMechanism.
const (
	MechanismPlain       = "plain"
	MechanismScramSHA256 = "scram-sha-256"
	MechanismScramSHA512 = "scram-sha-512"
)

// Config holds broker parameters.
type Config struct {
	Brokers           []string
	ClientID          string
	Partitions        int32
	ReplicationFactor int16

	// SASL authentication is enabled when Username is set.
	Username      string
	Password      string
	SASLMechanism string // default: plain
	TLS           bool
}

// Bus produces through one shared client and opens a dedicated group client per subscription.
type Bus struct {
	cfg      Config
	producer *kgo.Client
}

// NewBus creates a Kafka bus. Connections are established lazily.
func NewBus(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	opts, err := baseOpts(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return &Bus{cfg: cfg, producer: producer}, nil
}

func baseOpts(cfg Config) ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if cfg.Username != "" {
		mech, err := saslMechanism(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

func saslMechanism(cfg Config) (sasl.Mechanism, error) {
	switch cfg.SASLMechanism {
	case "", MechanismPlain:
		return plain.Auth{User: cfg.Username, Pass: cfg.Password}.AsMechanism(), nil
	case MechanismScramSHA256:
		return scram.Auth{User: cfg.Username, Pass: cfg.Password}.AsSha256Mechanism(), nil
	case MechanismScramSHA512:
		return scram.Auth{User: cfg.Username, Pass: cfg.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", cfg.SASLMechanism)
	}
}

// consumerOpts configures a group member that starts from the earliest offset
// when the group has no commits and never commits on its own.
func consumerOpts(cfg Config, group string, topics []string) ([]kgo.Opt, error) {
	opts, err := baseOpts(cfg)
	if err != nil {
		return nil, err
	}
	return append(opts,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	), nil
}

// Ping checks that at least one broker answers.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.producer.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Create creates the topics. Topics that already exist are left alone.
func (b *Bus) Create(ctx context.Context, topics []string) error {
	adm := kadm.NewClient(b.producer)
	resps, err := adm.CreateTopics(ctx, b.cfg.Partitions, b.cfg.ReplicationFactor, nil, topics...)
	if err != nil {
		return &bus.Error{Op: bus.OpCreate, Err: err}
	}
	return createErr(resps)
}

// createErr returns the first per-topic failure other than "already exists", in topic order.
func createErr(resps kadm.CreateTopicResponses) error {
	names := make([]string, 0, len(resps))
	for name := range resps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := resps[name]
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return &bus.Error{Op: bus.OpCreate, Topic: name, Err: r.Err}
		}
	}
	return nil
}

// Send produces one record and waits for the broker acknowledgement.
func (b *Bus) Send(ctx context.Context, topic string, payload []byte) error {
	rec := &kgo.Record{Topic: topic, Value: payload}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return &bus.Error{Op: bus.OpSend, Topic: topic, Err: err}
	}
	return nil
}

// Subscribe joins group on topics with a dedicated client.
func (b *Bus) Subscribe(_ context.Context, group string, topics []string) (bus.Consumer, error) {
	if len(topics) == 0 {
		return nil, &bus.Error{Op: bus.OpSubscribe, Err: fmt.Errorf("no topics")}
	}
	opts, err := consumerOpts(b.cfg, group, topics)
	if err != nil {
		return nil, &bus.Error{Op: bus.OpSubscribe, Err: err}
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, &bus.Error{Op: bus.OpSubscribe, Err: err}
	}
	return &Consumer{client: cl}, nil
}

// Close flushes and closes the producer.
func (b *Bus) Close() error {
	b.producer.Close()
	return nil
}

// Consumer is a consumer group member. Next and Commit must be called from one goroutine;
// Close may be called from any goroutine and unblocks Next.
type Consumer struct {
	client *kgo.Client
	buf    []*kgo.Record
}

// Next returns the next record, polling the brokers when the local buffer is empty.
func (c *Consumer) Next(ctx context.Context) (*bus.Message, error) {
	for len(c.buf) == 0 {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				return nil, fe.Err
			}
			return nil, &bus.Error{Op: bus.OpNext, Topic: fe.Topic, Err: fe.Err}
		}
		fetches.EachRecord(func(r *kgo.Record) {
			c.buf = append(c.buf, r)
		})
	}
	r := c.buf[0]
	c.buf = c.buf[1:]
	return toMessage(r), nil
}

func toMessage(r *kgo.Record) *bus.Message {
	return &bus.Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Payload:   r.Value,
		Handle:    r,
	}
}

// Commit commits, per partition, the offset after the highest record in msgs.
func (c *Consumer) Commit(ctx context.Context, msgs []*bus.Message) error {
	recs := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if r, ok := m.Handle.(*kgo.Record); ok {
			recs = append(recs, r)
		}
	}
	if len(recs) == 0 {
		return nil
	}
	if err := c.client.CommitRecords(ctx, recs...); err != nil {
		return &bus.Error{Op: bus.OpCommit, Err: err}
	}
	return nil
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}
