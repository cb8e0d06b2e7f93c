package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/cmd/internal/bus"
	"relay/cmd/internal/identity"
	"relay/cmd/internal/presence"
	"relay/cmd/internal/queue"
	v1 "relay/shared/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// frameSink collects frames a session pushed at its connection.
type frameSink struct {
	mu     sync.Mutex
	frames []any
}

func (f *frameSink) Send(frame any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

func (f *frameSink) snapshot() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.frames...)
}

// waitFor blocks until at least one frame satisfies match.
func (f *frameSink) waitFor(t *testing.T, what string, match func(any) bool) any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, fr := range f.snapshot() {
			if match(fr) {
				return fr
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; have %#v", what, f.snapshot())
	return nil
}

func isJoin(user string) func(any) bool {
	return func(fr any) bool {
		p, ok := fr.(v1.PresenceFrame)
		return ok && p.Type == v1.TypeJoin && p.User == user
	}
}

func isLeave(user string) func(any) bool {
	return func(fr any) bool {
		p, ok := fr.(v1.PresenceFrame)
		return ok && p.Type == v1.TypeLeave && p.User == user
	}
}

func isMessage(text string) func(any) bool {
	return func(fr any) bool {
		m, ok := fr.(v1.MessageFrame)
		return ok && m.Message == text
	}
}

// fixture wires the full in-memory collaborator set of the session layer.
type fixture struct {
	deps    *SessionDeps
	bus     *bus.MemoryBus
	members *MemoryMembershipStore
	msgs    *MemoryMessageStore
	store   *presence.MemoryStore
	beats   *presence.HeartbeatTable
	queues  *queue.Set
	cancel  context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := testLogger()
	b := bus.NewMemoryBus(log)
	store := presence.NewMemoryStore()
	beats := presence.NewHeartbeatTable()
	members := NewMemoryMembershipStore()
	msgs := NewMemoryMessageStore()
	queues := queue.NewSet()
	drainer := queue.NewDrainer(log, queues, msgs, queue.WithDrainInterval(20*time.Millisecond))
	// Long interval keeps the reaper inert here; its scan behavior has its
	// own tests in the presence package.
	reaper := presence.NewReaper(log, b, store, beats, members,
		presence.WithReapInterval(time.Hour),
		presence.WithHeartbeatTimeout(time.Hour),
	)

	taskCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	return &fixture{
		deps: &SessionDeps{
			Log:      log,
			Bus:      b,
			Presence: store,
			Beats:    beats,
			Members:  members,
			Queues:   queues,
			Drainer:  drainer,
			Reaper:   reaper,
			Tracker:  NewTracker(),
			TaskCtx:  taskCtx,
		},
		bus:     b,
		members: members,
		msgs:    msgs,
		store:   store,
		beats:   beats,
		queues:  queues,
		cancel:  cancel,
	}
}

// mkRoom creates a group room whose members are the given users.
func (f *fixture) mkRoom(t *testing.T, users ...string) Room {
	t.Helper()

	mm := make([]Member, 0, len(users))
	for _, u := range users {
		mm = append(mm, Member{UserID: u, Username: strings.ToUpper(u)})
	}
	room, err := f.members.CreateRoom(context.Background(), "test room", RoomGroup, mm...)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func ident(userID string) identity.Identity {
	return identity.Identity{UserID: userID, Username: strings.ToUpper(userID)}
}

func rawMessage(text string) []byte {
	b, _ := json.Marshal(map[string]string{"message": text})
	return b
}

var rawHeartbeat = []byte(`{"type":"heartbeat"}`)

func TestRoomSessionRejectsAnonymous(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")

	s := NewRoomSession(f.deps, "s1", identity.Identity{}, room.ID, &frameSink{})
	if err := s.Connect(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
}

func TestRoomSessionRejectsNonMember(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")

	s := NewRoomSession(f.deps, "s1", ident("stranger"), room.ID, &frameSink{})
	if err := s.Connect(context.Background()); !errors.Is(err, ErrNotMember) {
		t.Fatalf("want ErrNotMember, got %v", err)
	}
}

func TestRoomSessionObservesOwnJoin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a", "b")
	ctx := context.Background()

	sinkA := &frameSink{}
	sa := NewRoomSession(f.deps, "sa", ident("a"), room.ID, sinkA)
	if err := sa.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer sa.Disconnect(ctx)

	sinkA.waitFor(t, "own join frame", isJoin("A"))
}

func TestRoomSessionJoinAndBroadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a", "b")
	ctx := context.Background()

	sinkA := &frameSink{}
	sa := NewRoomSession(f.deps, "sa", ident("a"), room.ID, sinkA)
	if err := sa.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer sa.Disconnect(ctx)

	sinkB := &frameSink{}
	sb := NewRoomSession(f.deps, "sb", ident("b"), room.ID, sinkB)
	if err := sb.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer sb.Disconnect(ctx)

	// A observes B joining.
	sinkA.waitFor(t, "join frame for B", isJoin("B"))

	// B sends a message, both receive it.
	sb.Receive(ctx, rawMessage("hello"))
	sinkA.waitFor(t, "message at A", isMessage("hello"))
	sinkB.waitFor(t, "message echo at B", isMessage("hello"))

	fr := sinkA.waitFor(t, "message frame", isMessage("hello"))
	if m := fr.(v1.MessageFrame); m.User != "B" {
		t.Fatalf("message attributed to %q, want B", m.User)
	}
}

func TestRoomSessionDisconnectBroadcastsLeave(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a", "b")
	ctx := context.Background()

	sinkA := &frameSink{}
	sa := NewRoomSession(f.deps, "sa", ident("a"), room.ID, sinkA)
	if err := sa.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer sa.Disconnect(ctx)

	sb := NewRoomSession(f.deps, "sb", ident("b"), room.ID, &frameSink{})
	if err := sb.Connect(ctx); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	sb.Disconnect(ctx)

	sinkA.waitFor(t, "leave frame for B", isLeave("B"))

	users, err := f.store.Members(ctx, presence.RoomScope(room.ID))
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	for _, u := range users {
		if u == "b" {
			t.Fatal("b must be gone from room presence")
		}
	}
}

func TestRoomSessionSecondSessionKeepsPresence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")
	ctx := context.Background()

	s1 := NewRoomSession(f.deps, "s1", ident("a"), room.ID, &frameSink{})
	s2 := NewRoomSession(f.deps, "s2", ident("a"), room.ID, &frameSink{})
	if err := s1.Connect(ctx); err != nil {
		t.Fatalf("connect s1: %v", err)
	}
	if err := s2.Connect(ctx); err != nil {
		t.Fatalf("connect s2: %v", err)
	}

	s1.Disconnect(ctx)

	users, err := f.store.Members(ctx, presence.RoomScope(room.ID))
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	found := false
	for _, u := range users {
		if u == "a" {
			found = true
		}
	}
	if !found {
		t.Fatal("presence must survive while a second session is open")
	}
	if _, ok := f.beats.Last(presence.RoomScope(room.ID), "a"); !ok {
		t.Fatal("heartbeat record must survive while a second session is open")
	}

	s2.Disconnect(ctx)
	if _, ok := f.beats.Last(presence.RoomScope(room.ID), "a"); ok {
		t.Fatal("heartbeat record must go with the last session")
	}
}

func TestRoomSessionMessagePersistedByDrain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")
	ctx := context.Background()

	s := NewRoomSession(f.deps, "s1", ident("a"), room.ID, &frameSink{})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	s.Receive(ctx, rawMessage("persist me"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hist, err := f.msgs.History(ctx, room.ID, 10)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(hist) == 1 {
			if hist[0].Text != "persist me" || hist[0].SenderID != "a" {
				t.Fatalf("unexpected stored message: %+v", hist[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message never drained to the store")
}

func TestRoomSessionDropsOversizedAndEmptyMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")
	ctx := context.Background()

	s := NewRoomSession(f.deps, "s1", ident("a"), room.ID, &frameSink{})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	s.Receive(ctx, rawMessage("   "))
	s.Receive(ctx, rawMessage(strings.Repeat("x", maxMessageChars+1)))

	if n := f.queues.ForRoom(room.ID).Len(); n != 0 {
		t.Fatalf("queue must stay empty, has %d", n)
	}
}

func TestRoomSessionBoundaryLengthMessageAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")
	ctx := context.Background()

	s := NewRoomSession(f.deps, "s1", ident("a"), room.ID, &frameSink{})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	s.Receive(ctx, rawMessage(strings.Repeat("y", maxMessageChars)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hist, _ := f.msgs.History(ctx, room.ID, 10)
		if len(hist) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("boundary-length message must persist")
}

func TestRoomSessionHeartbeatRefreshesPresence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")
	ctx := context.Background()

	s := NewRoomSession(f.deps, "s1", ident("a"), room.ID, &frameSink{})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	before, ok := f.beats.Last(presence.RoomScope(room.ID), "a")
	if !ok {
		t.Fatal("connect must record a heartbeat")
	}

	time.Sleep(5 * time.Millisecond)
	s.Receive(ctx, rawHeartbeat)
	s.Receive(ctx, rawHeartbeat) // duplicates are harmless

	after, ok := f.beats.Last(presence.RoomScope(room.ID), "a")
	if !ok {
		t.Fatal("heartbeat record must exist")
	}
	if !after.After(before) {
		t.Fatalf("heartbeat must advance: before=%v after=%v", before, after)
	}
}

func TestRoomSessionMalformedFrameKeepsConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")
	ctx := context.Background()

	sink := &frameSink{}
	s := NewRoomSession(f.deps, "s1", ident("a"), room.ID, sink)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	s.Receive(ctx, []byte(`{invalid`))
	s.Receive(ctx, []byte(`{"type":"mystery"}`))

	// The session still relays after garbage.
	s.Receive(ctx, rawMessage("still alive"))
	sink.waitFor(t, "message after garbage", isMessage("still alive"))
}

func TestRoomSessionOnlineStatusListsAllMembers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a", "b", "c")
	ctx := context.Background()

	sink := &frameSink{}
	s := NewRoomSession(f.deps, "s1", ident("a"), room.ID, sink)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	fr := sink.waitFor(t, "online status", func(fr any) bool {
		_, ok := fr.(v1.OnlineStatusFrame)
		return ok
	})

	status := fr.(v1.OnlineStatusFrame)
	if len(status.Users) != 3 {
		t.Fatalf("status must list every member, got %d", len(status.Users))
	}
	byID := make(map[string]v1.OnlineUser, len(status.Users))
	for _, u := range status.Users {
		byID[u.ID] = u
	}
	if !byID["a"].IsOnline {
		t.Fatal("a just connected and must be online")
	}
	if byID["b"].IsOnline || byID["c"].IsOnline {
		t.Fatal("b and c never connected and must be offline")
	}
}

func TestRoomSessionDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")
	ctx := context.Background()

	s := NewRoomSession(f.deps, "s1", ident("a"), room.ID, &frameSink{})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	s.Disconnect(ctx)
	s.Disconnect(ctx)
}

func TestGroupRoomCapacityEnforced(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	room, err := f.members.CreateRoom(ctx, "big", RoomGroup, Member{UserID: "u0", Username: "U0"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i < groupRoomCapacity; i++ {
		uid := fmt.Sprintf("u%d", i)
		if err := f.members.JoinRoom(ctx, room.ID, Member{UserID: uid, Username: uid}); err != nil {
			t.Fatalf("join %s: %v", uid, err)
		}
	}
	err = f.members.JoinRoom(ctx, room.ID, Member{UserID: "overflow", Username: "overflow"})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("want ErrRoomFull, got %v", err)
	}
}

func TestRoomSessionFreshHeartbeatSurvivesScan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	room := f.mkRoom(t, "a")
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	f.deps.Now = func() time.Time { return now }

	s := NewRoomSession(f.deps, "s1", ident("a"), room.ID, &frameSink{})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	now = base.Add(18 * time.Second)
	s.Receive(ctx, rawHeartbeat)

	// A scan 20s in with a 15s staleness bound: the beat is 2s old and
	// must hold the user in the room set, the global set, and the durable
	// online flag alike. A room-only connection is the case to guard; it
	// must look as alive to the global pass as a global channel would.
	reaper := presence.NewReaper(testLogger(), f.bus, f.store, f.beats, f.members,
		presence.WithHeartbeatTimeout(15*time.Second),
		presence.WithReaperClock(func() time.Time { return base.Add(20 * time.Second) }),
	)
	reaper.RunOnce(ctx)

	for _, scope := range []string{presence.RoomScope(room.ID), presence.GlobalScope} {
		users, err := f.store.Members(ctx, scope)
		if err != nil {
			t.Fatalf("members %s: %v", scope, err)
		}
		if len(users) != 1 || users[0] != "a" {
			t.Fatalf("scope %s members=%v want [a]", scope, users)
		}
	}
	members, err := f.members.RoomMembers(ctx, room.ID)
	if err != nil {
		t.Fatalf("room members: %v", err)
	}
	if len(members) != 1 || !members[0].IsOnline {
		t.Fatalf("member rows=%+v want a single online row", members)
	}
}

func TestRoomSessionHeartbeatHealsPeerProcessRemoval(t *testing.T) {
	t.Parallel()

	// Two session layers sharing only the durable stores model two
	// processes behind one presence store and membership database.
	fa := newFixture(t)
	room := fa.mkRoom(t, "a")
	ctx := context.Background()

	logB := testLogger()
	busB := bus.NewMemoryBus(logB)
	queuesB := queue.NewSet()
	taskCtxB, cancelB := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancelB()
		busB.Close()
	})
	depsB := &SessionDeps{
		Log:      logB,
		Bus:      busB,
		Presence: fa.store,
		Beats:    presence.NewHeartbeatTable(),
		Members:  fa.members,
		Queues:   queuesB,
		Drainer:  queue.NewDrainer(logB, queuesB, fa.msgs, queue.WithDrainInterval(20*time.Millisecond)),
		Reaper:   fa.deps.Reaper,
		Tracker:  NewTracker(),
		TaskCtx:  taskCtxB,
	}

	sa := NewRoomSession(fa.deps, "node-a", ident("a"), room.ID, &frameSink{})
	if err := sa.Connect(ctx); err != nil {
		t.Fatalf("connect on a: %v", err)
	}
	sb := NewRoomSession(depsB, "node-b", ident("a"), room.ID, &frameSink{})
	if err := sb.Connect(ctx); err != nil {
		t.Fatalf("connect on b: %v", err)
	}
	defer sb.Disconnect(ctx)

	// The first process's tracker cannot see the other session, so its
	// disconnect clears the shared state even though the user is live.
	sa.Disconnect(ctx)
	if hasPresence(t, fa, presence.RoomScope(room.ID), "a") {
		t.Fatal("disconnect did not clear shared presence; setup is wrong")
	}

	// One heartbeat from the surviving session restores everything.
	sb.Receive(ctx, rawHeartbeat)

	if !hasPresence(t, fa, presence.RoomScope(room.ID), "a") {
		t.Fatal("room presence must be restored by the heartbeat")
	}
	if !hasPresence(t, fa, presence.GlobalScope, "a") {
		t.Fatal("global presence must be restored by the heartbeat")
	}
	members, err := fa.members.RoomMembers(ctx, room.ID)
	if err != nil {
		t.Fatalf("room members: %v", err)
	}
	if len(members) != 1 || !members[0].IsOnline {
		t.Fatalf("member rows=%+v want a single online row", members)
	}
}
