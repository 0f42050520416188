// Package bus defines the topic-based event bus used between storage notifications and the indexer.
//
// Delivery is at-least-once and ordered per partition. A consumer must call Commit only after every
// side effect of the committed messages is durable; uncommitted messages are redelivered after a
// restart or rebalance.
package bus

import (
	"context"
	"errors"
)

// Message is a single delivered bus record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Payload   []byte

	// Handle is backend-private state needed to commit the message.
	Handle any
}

// Bus publishes messages and creates consumer-group subscriptions.
type Bus interface {
	// Create ensures the topics exist. Idempotent; used in bootstrap/dev mode.
	Create(ctx context.Context, topics []string) error
	// Subscribe joins the named consumer group on the given topics.
	Subscribe(ctx context.Context, group string, topics []string) (Consumer, error)
	// Send publishes payload to topic. Durability is the transport's responsibility.
	Send(ctx context.Context, topic string, payload []byte) error
	// Close releases transport resources.
	Close() error
}

// Consumer is one member of a consumer group.
type Consumer interface {
	// Next blocks until a message is available. It returns io.EOF when the subscription has ended.
	Next(ctx context.Context) (*Message, error)
	// Commit advances the group's offsets to the highest offsets implied by msgs.
	Commit(ctx context.Context, msgs []*Message) error
	// Close leaves the group without committing.
	Close() error
}

// Sender is the publishing half of a Bus.
type Sender interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// ErrClosed is returned when using a closed bus or consumer.
var ErrClosed = errors.New("bus: closed")

// Op names used for error context.
const (
	OpCreate    = "create"
	OpSubscribe = "subscribe"
	OpSend      = "send"
	OpNext      = "next"
	OpCommit    = "commit"
)

// Error wraps a transport error with the operation and topic for diagnostics.
type Error struct {
	Op    string
	Topic string
	Err   error
}

func (e *Error) Error() string {
	if e.Topic == "" {
		return "bus " + e.Op + ": " + e.Err.Error()
	}
	return "bus " + e.Op + " " + e.Topic + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// HighestOffsets returns, per topic and partition, the highest offset present in msgs.
func HighestOffsets(msgs []*Message) map[string]map[int32]int64 {
	out := make(map[string]map[int32]int64)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		parts, ok := out[m.Topic]
		if !ok {
			parts = make(map[int32]int64)
			out[m.Topic] = parts
		}
		if cur, seen := parts[m.Partition]; !seen || m.Offset > cur {
			parts[m.Partition] = m.Offset
		}
	}
	return out
}

// Topics holds the conventional per-domain topic names.
type Topics struct {
	Stored  string
	Indexed string
	Failed  string
}

// DefaultTopics returns "<domain>-stored", "<domain>-indexed" and "<domain>-failed".
func DefaultTopics(domain string) Topics {
	return Topics{
		Stored:  domain + "-stored",
		Indexed: domain + "-indexed",
		Failed:  domain + "-failed",
	}
}

// All returns the non-empty topic names.
func (t Topics) All() []string {
	out := make([]string, 0, 3)
	for _, name := range []string{t.Stored, t.Indexed, t.Failed} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
