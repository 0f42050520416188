// Package memory is an in-process bus with Kafka-like semantics: retained per-topic logs,
// consumer groups and committed offsets. New subscriptions resume from the group's
// committed offset, which makes redelivery after a simulated crash observable.
package memory

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/kailas-cloud/secindex/internal/bus"
)

// Compile-time check: Bus implements bus.Bus.
var _ bus.Bus = (*Bus)(nil)

type groupTopic struct {
	group string
	topic string
}

// Bus is an in-memory bus. Topics are single-partition and created on first use.
type Bus struct {
	mu        sync.Mutex
	logs      map[string][][]byte
	committed map[groupTopic]int64
	notify    chan struct{}
	done      chan struct{}
	closed    bool
}

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{
		logs:      make(map[string][][]byte),
		committed: make(map[groupTopic]int64),
		notify:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Create ensures the topics exist.
func (b *Bus) Create(_ context.Context, topics []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &bus.Error{Op: bus.OpCreate, Err: bus.ErrClosed}
	}
	for _, t := range topics {
		if _, ok := b.logs[t]; !ok {
			b.logs[t] = nil
		}
	}
	return nil
}

// Send appends payload to the topic log and wakes blocked consumers.
func (b *Bus) Send(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &bus.Error{Op: bus.OpSend, Topic: topic, Err: bus.ErrClosed}
	}
	b.logs[topic] = append(b.logs[topic], slices.Clone(payload))
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Subscribe starts a consumer positioned at the group's committed offsets.
func (b *Bus) Subscribe(_ context.Context, group string, topics []string) (bus.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &bus.Error{Op: bus.OpSubscribe, Err: bus.ErrClosed}
	}
	pos := make(map[string]int64, len(topics))
	for _, t := range topics {
		if _, ok := b.logs[t]; !ok {
			b.logs[t] = nil
		}
		pos[t] = b.committed[groupTopic{group, t}]
	}
	return &Consumer{
		bus:    b,
		group:  group,
		topics: slices.Clone(topics),
		pos:    pos,
		closed: make(chan struct{}),
	}, nil
}

// Close ends all subscriptions; blocked Next calls return io.EOF.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// Messages returns a copy of every payload ever sent to topic.
func (b *Bus) Messages(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.logs[topic]))
	for i, p := range b.logs[topic] {
		out[i] = slices.Clone(p)
	}
	return out
}

// Committed returns the next offset the group will read from topic.
func (b *Bus) Committed(group, topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[groupTopic{group, topic}]
}

// Consumer reads from an in-memory Bus.
type Consumer struct {
	bus    *Bus
	group  string
	topics []string
	pos    map[string]int64
	next   int

	closeOnce sync.Once
	closed    chan struct{}
}

// Next returns the next message across the subscribed topics, round-robin.
func (c *Consumer) Next(ctx context.Context) (*bus.Message, error) {
	for {
		b := c.bus
		b.mu.Lock()
		for i := range c.topics {
			t := c.topics[(c.next+i)%len(c.topics)]
			off := c.pos[t]
			if off < int64(len(b.logs[t])) {
				msg := &bus.Message{
					Topic:   t,
					Offset:  off,
					Payload: slices.Clone(b.logs[t][off]),
				}
				c.pos[t] = off + 1
				c.next = (c.next + i + 1) % len(c.topics)
				b.mu.Unlock()
				return msg, nil
			}
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, io.EOF
		case <-b.done:
			return nil, io.EOF
		case <-wait:
		}
	}
}

// Commit stores offset+1 of the highest message per topic for the group.
func (c *Consumer) Commit(_ context.Context, msgs []*bus.Message) error {
	select {
	case <-c.closed:
		return &bus.Error{Op: bus.OpCommit, Err: bus.ErrClosed}
	default:
	}

	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, parts := range bus.HighestOffsets(msgs) {
		for _, off := range parts {
			k := groupTopic{c.group, topic}
			if off+1 > b.committed[k] {
				b.committed[k] = off + 1
			}
		}
	}
	return nil
}

// Close leaves the group. Uncommitted messages will be delivered to the next subscription.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
