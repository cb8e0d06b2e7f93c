package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay/cmd/internal/identity"
	"relay/cmd/internal/presence"
	v1 "relay/shared/contracts/chat/v1"
)

func isOnlineUsersUpdate(fr any) bool {
	s, ok := fr.(v1.SignalFrame)
	return ok && s.Type == v1.TypeOnlineUsersUpdate
}

func hasPresence(t *testing.T, f *fixture, scope, user string) bool {
	t.Helper()
	users, err := f.store.Members(context.Background(), scope)
	if err != nil {
		t.Fatalf("members %s: %v", scope, err)
	}
	for _, u := range users {
		if u == user {
			return true
		}
	}
	return false
}

func TestGlobalSessionRejectsAnonymous(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := NewGlobalSession(f.deps, "g1", identity.Identity{}, &frameSink{})
	if err := s.Connect(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
}

func TestGlobalSessionFansOutToMemberRooms(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	r1 := f.mkRoom(t, "a", "b")
	r2 := f.mkRoom(t, "a", "c")
	f.mkRoom(t, "b", "c") // a is not a member here

	s := NewGlobalSession(f.deps, "g1", ident("a"), &frameSink{})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	if !hasPresence(t, f, presence.GlobalScope, "a") {
		t.Fatal("a must be globally present")
	}
	if !hasPresence(t, f, presence.RoomScope(r1.ID), "a") {
		t.Fatal("a must be marked present in room 1")
	}
	if !hasPresence(t, f, presence.RoomScope(r2.ID), "a") {
		t.Fatal("a must be marked present in room 2")
	}
}

func TestGlobalSessionDisconnectRemovesFanOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	r1 := f.mkRoom(t, "a", "b")

	s := NewGlobalSession(f.deps, "g1", ident("a"), &frameSink{})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.Disconnect(ctx)

	if hasPresence(t, f, presence.GlobalScope, "a") {
		t.Fatal("a must be globally gone")
	}
	if hasPresence(t, f, presence.RoomScope(r1.ID), "a") {
		t.Fatal("fan-out room presence must be gone")
	}
}

func TestGlobalSessionDisconnectKeepsLiveRoomSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	room := f.mkRoom(t, "a", "b")

	rs := NewRoomSession(f.deps, "s1", ident("a"), room.ID, &frameSink{})
	if err := rs.Connect(ctx); err != nil {
		t.Fatalf("room connect: %v", err)
	}
	defer rs.Disconnect(ctx)

	gs := NewGlobalSession(f.deps, "g1", ident("a"), &frameSink{})
	if err := gs.Connect(ctx); err != nil {
		t.Fatalf("global connect: %v", err)
	}
	gs.Disconnect(ctx)

	// The room session still owns the room-scoped entry.
	if !hasPresence(t, f, presence.RoomScope(room.ID), "a") {
		t.Fatal("room presence backed by a live room session must survive")
	}
}

func TestGlobalSessionReceivesUpdateSignals(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	room := f.mkRoom(t, "a", "b")

	sink := &frameSink{}
	gs := NewGlobalSession(f.deps, "g1", ident("a"), sink)
	if err := gs.Connect(ctx); err != nil {
		t.Fatalf("global connect: %v", err)
	}
	defer gs.Disconnect(ctx)

	// Both a room connect elsewhere and a second global connect touch the
	// global set and signal the online group.
	rs := NewRoomSession(f.deps, "s1", ident("b"), room.ID, &frameSink{})
	if err := rs.Connect(ctx); err != nil {
		t.Fatalf("room connect: %v", err)
	}
	defer rs.Disconnect(ctx)

	gs2 := NewGlobalSession(f.deps, "g2", ident("b"), &frameSink{})
	if err := gs2.Connect(ctx); err != nil {
		t.Fatalf("second global connect: %v", err)
	}
	defer gs2.Disconnect(ctx)

	sink.waitFor(t, "online users update", isOnlineUsersUpdate)
}

func TestGlobalSessionHeartbeatAdvancesGlobalBeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	gs := NewGlobalSession(f.deps, "g1", ident("a"), &frameSink{})
	if err := gs.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer gs.Disconnect(ctx)

	before, ok := f.beats.Last(presence.GlobalScope, "a")
	if !ok {
		t.Fatal("connect must record a global heartbeat")
	}

	time.Sleep(5 * time.Millisecond)
	gs.Receive(ctx, rawHeartbeat)

	after, ok := f.beats.Last(presence.GlobalScope, "a")
	if !ok {
		t.Fatal("heartbeat record must exist")
	}
	if !after.After(before) {
		t.Fatalf("heartbeat must advance: before=%v after=%v", before, after)
	}
}

func TestGlobalSessionReaperOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	g1 := NewGlobalSession(f.deps, "g1", ident("a"), &frameSink{})
	if err := g1.Connect(ctx); err != nil {
		t.Fatalf("connect g1: %v", err)
	}
	if !f.deps.Reaper.Running() {
		t.Fatal("first global session must schedule the reaper")
	}

	g2 := NewGlobalSession(f.deps, "g2", ident("b"), &frameSink{})
	if err := g2.Connect(ctx); err != nil {
		t.Fatalf("connect g2: %v", err)
	}

	// g2 did not win ownership; its disconnect leaves the reaper alone.
	g2.Disconnect(ctx)
	if !f.deps.Reaper.Running() {
		t.Fatal("non-owner disconnect must not stop the reaper")
	}

	g1.Disconnect(ctx)
	if f.deps.Reaper.Running() {
		t.Fatal("owner disconnect must stop the reaper")
	}

	// A later connect schedules a fresh one.
	g3 := NewGlobalSession(f.deps, "g3", ident("c"), &frameSink{})
	if err := g3.Connect(ctx); err != nil {
		t.Fatalf("connect g3: %v", err)
	}
	defer g3.Disconnect(ctx)
	if !f.deps.Reaper.Running() {
		t.Fatal("next global session must reschedule the reaper")
	}
}

func TestGlobalSessionIgnoresMessageFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	room := f.mkRoom(t, "a")

	gs := NewGlobalSession(f.deps, "g1", ident("a"), &frameSink{})
	if err := gs.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer gs.Disconnect(ctx)

	gs.Receive(ctx, rawMessage("not a room"))

	if n := f.queues.ForRoom(room.ID).Len(); n != 0 {
		t.Fatalf("global channel must never enqueue messages, found %d", n)
	}
}
