package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector gathers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evts := c.snapshot(); len(evts) >= n {
			return evts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.snapshot()))
	return nil
}

func TestMemoryBusDeliversToAllGroupMembers(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus(testLogger())
	defer b.Close()

	var a, c collector
	if _, err := b.Subscribe("room:7", a.handle); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if _, err := b.Subscribe("room:7", c.handle); err != nil {
		t.Fatalf("subscribe c: %v", err)
	}

	evt := Event{Type: EventChatMessage, Room: "7", User: "B", Text: "hi"}
	if err := b.Publish(context.Background(), "room:7", evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, col := range []*collector{&a, &c} {
		got := col.waitFor(t, 1)
		if got[0] != evt {
			t.Fatalf("delivered %+v want %+v", got[0], evt)
		}
	}
}

func TestMemoryBusGroupIsolation(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus(testLogger())
	defer b.Close()

	var seven, eight collector
	if _, err := b.Subscribe("room:7", seven.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe("room:8", eight.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "room:7", Event{Type: EventUserJoined, User: "A"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	seven.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	if got := eight.snapshot(); len(got) != 0 {
		t.Fatalf("room:8 received %d events, want 0", len(got))
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus(testLogger())
	defer b.Close()

	var c collector
	sub, err := b.Subscribe("online", c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "online", Event{Type: EventPresenceChanged}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c.waitFor(t, 1)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	// Unsubscribe is idempotent.
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "online", Event{Type: EventPresenceChanged}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := c.snapshot(); len(got) != 1 {
		t.Fatalf("received %d events after unsubscribe, want 1", len(got))
	}
}

func TestMemoryBusPublishWithCancelledContext(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Publish(ctx, "room:1", Event{Type: EventUserLeft}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestGroupSubjectSanitizesTokens(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"room:7":    "relay.group.room:7",
		"a.b":       "relay.group.a_b",
		"wild*card": "relay.group.wild_card",
		"tail>":     "relay.group.tail_",
	}
	for in, want := range cases {
		if got := groupSubject(in); got != want {
			t.Fatalf("groupSubject(%q)=%q want %q", in, got, want)
		}
	}
}
