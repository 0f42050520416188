package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/secindex/internal/bus"
)

// Compile-time check: Consumer implements bus.Consumer.
var _ bus.Consumer = (*Consumer)(nil)

// entryRef identifies a delivered stream entry for XACK.
type entryRef struct {
	stream string
	id     string
}

// Consumer reads a set of streams as one consumer inside a group.
type Consumer struct {
	bus     *Bus
	group   string
	streams []string
	topics  map[string]string

	// pending holds the replay cursor per stream while its pending list is being drained.
	pending map[string]string
	// claims holds the XAUTOCLAIM cursor per stream during a claim pass.
	claims    map[string]string
	nextClaim time.Time
	now       func() time.Time
	buf       []*bus.Message

	closeOnce sync.Once
	closedCh  chan struct{}
}

// Next returns the next entry. Pending entries owned by this consumer come first.
// Returns io.EOF once the consumer is closed.
func (c *Consumer) Next(ctx context.Context) (*bus.Message, error) {
	for {
		if c.isClosed() {
			return nil, io.EOF
		}
		if len(c.buf) > 0 {
			m := c.buf[0]
			c.buf = c.buf[1:]
			return m, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.fill(ctx); err != nil {
			if c.isClosed() || errors.Is(err, rueidis.ErrClosing) {
				return nil, io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &bus.Error{Op: bus.OpNext, Err: err}
		}
	}
}

// fill reads one batch into buf. It may leave buf empty when a blocking read times out.
// Order: own pending entries, then a due claim pass, then new entries.
func (c *Consumer) fill(ctx context.Context) error {
	switch {
	case len(c.pending) > 0:
		return c.readPending(ctx)
	case len(c.claims) > 0:
		return c.claimIdle(ctx)
	case c.bus.claimIdle > 0 && !c.now().Before(c.nextClaim):
		c.claims = make(map[string]string, len(c.streams))
		for _, s := range c.streams {
			c.claims[s] = "0-0"
		}
		c.nextClaim = c.now().Add(c.bus.claimIdle)
		return c.claimIdle(ctx)
	default:
		return c.readNew(ctx)
	}
}

// replayPending restarts the pending drain from the beginning of every stream.
func (c *Consumer) replayPending() {
	c.pending = make(map[string]string, len(c.streams))
	for _, s := range c.streams {
		c.pending[s] = "0"
	}
}

// claimIdle runs one XAUTOCLAIM step per stream of the current pass.
func (c *Consumer) claimIdle(ctx context.Context) error {
	minIdle := strconv.FormatInt(c.bus.claimIdle.Milliseconds(), 10)
	for _, s := range c.streams {
		cursor, ok := c.claims[s]
		if !ok {
			continue
		}
		cmd := c.bus.client.B().Xautoclaim().Key(s).Group(c.group).Consumer(c.bus.consumer).
			MinIdleTime(minIdle).Start(cursor).Count(c.bus.count).Build()
		next, entries, err := parseAutoclaim(c.bus.client.Do(ctx, cmd))
		if err != nil {
			return err
		}
		if next == "0-0" || next == "" {
			delete(c.claims, s)
		} else {
			c.claims[s] = next
		}
		c.appendEntries(s, entries)
	}
	return nil
}

// parseAutoclaim decodes an XAUTOCLAIM reply: next cursor, claimed entries and (Redis 7+) deleted ids.
// Entries that no longer exist come back as nil on older servers and are skipped.
func parseAutoclaim(res rueidis.RedisResult) (string, []rueidis.XRangeEntry, error) {
	arr, err := res.ToArray()
	if err != nil {
		return "", nil, err
	}
	if len(arr) < 2 {
		return "", nil, fmt.Errorf("xautoclaim: unexpected reply of %d elements", len(arr))
	}
	next, err := arr[0].ToString()
	if err != nil {
		return "", nil, fmt.Errorf("xautoclaim cursor: %w", err)
	}
	items, err := arr[1].ToArray()
	if err != nil {
		return "", nil, fmt.Errorf("xautoclaim entries: %w", err)
	}
	entries := make([]rueidis.XRangeEntry, 0, len(items))
	for i := range items {
		e, err := items[i].AsXRangeEntry()
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return next, entries, nil
}

func (c *Consumer) readPending(ctx context.Context) error {
	keys := make([]string, 0, len(c.pending))
	ids := make([]string, 0, len(c.pending))
	for _, s := range c.streams {
		if cur, ok := c.pending[s]; ok {
			keys = append(keys, s)
			ids = append(ids, cur)
		}
	}
	b := c.bus.client.B()
	cmd := b.Xreadgroup().Group(c.group, c.bus.consumer).Count(c.bus.count).
		Streams().Key(keys...).Id(ids...).Build()
	res, err := c.bus.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			c.pending = nil
			return nil
		}
		return err
	}
	for _, s := range keys {
		entries := res[s]
		if len(entries) == 0 {
			delete(c.pending, s)
			continue
		}
		c.pending[s] = entries[len(entries)-1].ID
		c.appendEntries(s, entries)
	}
	return nil
}

func (c *Consumer) readNew(ctx context.Context) error {
	ids := make([]string, len(c.streams))
	for i := range ids {
		ids[i] = ">"
	}
	// The server may hand out entries after the caller gave up waiting, so the block never
	// outlives ctx and an abandoned read replays the pending list.
	block := c.bus.block
	if dl, ok := ctx.Deadline(); ok {
		block = min(block, max(time.Until(dl), time.Millisecond))
	}
	b := c.bus.client.B()
	cmd := b.Xreadgroup().Group(c.group, c.bus.consumer).Count(c.bus.count).
		Block(block.Milliseconds()).Streams().Key(c.streams...).Id(ids...).Build()
	res, err := c.bus.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil
		}
		if ctx.Err() != nil {
			c.replayPending()
		}
		return err
	}
	for _, s := range c.streams {
		c.appendEntries(s, res[s])
	}
	return nil
}

func (c *Consumer) appendEntries(stream string, entries []rueidis.XRangeEntry) {
	for _, e := range entries {
		c.buf = append(c.buf, &bus.Message{
			Topic:   c.topics[stream],
			Offset:  entryOffset(e.ID),
			Payload: []byte(e.FieldValues[payloadField]),
			Handle:  entryRef{stream: stream, id: e.ID},
		})
	}
}

// entryOffset returns the millisecond part of a stream ID, or -1 when it does not parse.
func entryOffset(id string) int64 {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Commit acknowledges every message in msgs. Messages from other backends are ignored.
func (c *Consumer) Commit(ctx context.Context, msgs []*bus.Message) error {
	byStream := make(map[string][]string)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		ref, ok := m.Handle.(entryRef)
		if !ok {
			continue
		}
		byStream[ref.stream] = append(byStream[ref.stream], ref.id)
	}
	for stream, ids := range byStream {
		cmd := c.bus.client.B().Xack().Key(stream).Group(c.group).Id(ids...).Build()
		if err := c.bus.client.Do(ctx, cmd).Error(); err != nil {
			return &bus.Error{Op: bus.OpCommit, Topic: c.topics[stream], Err: err}
		}
	}
	return nil
}

// Close stops the consumer. The shared client stays open.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { close(c.closedCh) })
	return nil
}

func (c *Consumer) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}
