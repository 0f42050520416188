package memory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/kailas-cloud/secindex/internal/bus"
)

func TestSendAndNext(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.Send(ctx, "sbom-stored", []byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	c, err := b.Subscribe(ctx, "g", []string{"sbom-stored"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(msg.Payload) != "a" || msg.Offset != 0 || msg.Topic != "sbom-stored" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestNext_BlocksUntilSend(t *testing.T) {
	b := New()
	ctx := context.Background()
	c, _ := b.Subscribe(ctx, "g", []string{"t"})

	got := make(chan *bus.Message, 1)
	go func() {
		msg, err := c.Next(ctx)
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	_ = b.Send(ctx, "t", []byte("late"))

	select {
	case msg := <-got:
		if string(msg.Payload) != "late" {
			t.Errorf("payload = %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up after Send")
	}
}

func TestNext_ContextCancel(t *testing.T) {
	b := New()
	c, _ := b.Subscribe(context.Background(), "g", []string{"t"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestNext_EOFOnClose(t *testing.T) {
	b := New()
	c, _ := b.Subscribe(context.Background(), "g", []string{"t"})
	_ = b.Close()
	if _, err := c.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if err := b.Send(context.Background(), "t", nil); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRedelivery_WithoutCommit(t *testing.T) {
	b := New()
	ctx := context.Background()
	_ = b.Send(ctx, "t", []byte("m0"))
	_ = b.Send(ctx, "t", []byte("m1"))

	c1, _ := b.Subscribe(ctx, "g", []string{"t"})
	m0, _ := c1.Next(ctx)
	if err := c1.Commit(ctx, []*bus.Message{m0}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_, _ = c1.Next(ctx) // m1 consumed but never committed
	_ = c1.Close()

	c2, _ := b.Subscribe(ctx, "g", []string{"t"})
	again, err := c2.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(again.Payload) != "m1" {
		t.Errorf("expected redelivery of m1, got %q", again.Payload)
	}
	if b.Committed("g", "t") != 1 {
		t.Errorf("Committed = %d, want 1", b.Committed("g", "t"))
	}
}

func TestCommit_UsesHighestOffset(t *testing.T) {
	b := New()
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		_ = b.Send(ctx, "t", []byte(p))
	}
	c, _ := b.Subscribe(ctx, "g", []string{"t"})
	var msgs []*bus.Message
	for range 3 {
		m, _ := c.Next(ctx)
		msgs = append(msgs, m)
	}
	// commit out of order; the group must land after the last one
	_ = c.Commit(ctx, []*bus.Message{msgs[2], msgs[0]})
	if got := b.Committed("g", "t"); got != 3 {
		t.Errorf("Committed = %d, want 3", got)
	}
	// an older commit never moves the offset backwards
	_ = c.Commit(ctx, []*bus.Message{msgs[0]})
	if got := b.Committed("g", "t"); got != 3 {
		t.Errorf("Committed after stale commit = %d, want 3", got)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	b := New()
	ctx := context.Background()
	_ = b.Send(ctx, "t", []byte("x"))

	c1, _ := b.Subscribe(ctx, "g1", []string{"t"})
	m, _ := c1.Next(ctx)
	_ = c1.Commit(ctx, []*bus.Message{m})

	c2, _ := b.Subscribe(ctx, "g2", []string{"t"})
	m2, err := c2.Next(ctx)
	if err != nil || string(m2.Payload) != "x" {
		t.Fatalf("group g2 should see message from start: %v %v", m2, err)
	}
}

func TestMessages(t *testing.T) {
	b := New()
	_ = b.Create(context.Background(), []string{"empty"})
	if got := b.Messages("empty"); len(got) != 0 {
		t.Errorf("expected no messages, got %d", len(got))
	}
	_ = b.Send(context.Background(), "empty", []byte("1"))
	if got := b.Messages("empty"); len(got) != 1 || string(got[0]) != "1" {
		t.Errorf("unexpected messages %q", got)
	}
}
