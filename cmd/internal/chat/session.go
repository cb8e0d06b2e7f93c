package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relay/cmd/internal/bus"
	"relay/cmd/internal/identity"
	"relay/cmd/internal/metrics"
	"relay/cmd/internal/presence"
	"relay/cmd/internal/queue"
	v1 "relay/shared/contracts/chat/v1"
)

// Sender is the outbound half of a connection: a non-blocking enqueue of a
// server frame. It reports false when the frame was dropped (backpressure
// or a connection shutting down).
type Sender interface {
	Send(frame any) bool
}

// SessionDeps bundles the shared collaborators every session works through.
// Sessions never hold references to each other; all coordination happens
// via the bus, the presence store, and the queues.
type SessionDeps struct {
	Log      *slog.Logger
	Bus      bus.Bus
	Presence presence.Store
	Beats    *presence.HeartbeatTable
	Members  MembershipStore
	Queues   *queue.Set
	Drainer  *queue.Drainer
	Reaper   *presence.Reaper
	Tracker  *Tracker
	Metrics  *metrics.Set

	// TaskCtx is the process-lifetime context that owns shared background
	// work (room drain loops, the reaper). It must outlive any session.
	TaskCtx context.Context

	Now func() time.Time
}

func (d *SessionDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RoomSession manages one connection's membership in one room: admission,
// join/leave broadcast, message relay, and heartbeat handling.
type RoomSession struct {
	deps *SessionDeps

	id     string
	user   identity.Identity
	roomID string
	out    Sender

	mu        sync.Mutex
	sub       bus.Subscription
	closeOnce sync.Once
}

// NewRoomSession constructs an unconnected session.
func NewRoomSession(deps *SessionDeps, sessionID string, user identity.Identity, roomID string, out Sender) *RoomSession {
	return &RoomSession{
		deps:   deps,
		id:     sessionID,
		user:   user,
		roomID: roomID,
		out:    out,
	}
}

// roomScope is the presence scope this session lives in.
func (s *RoomSession) roomScope() string { return presence.RoomScope(s.roomID) }

// Connect admits the session into the room.
//
// Order matters: the bus subscription comes first so the session observes
// its own join event, then presence and heartbeat state, then the join and
// presence-changed publishes other members react to. The room's drain loop
// is started last, owned by the room, not by this session.
func (s *RoomSession) Connect(ctx context.Context) error {
	if s.user.Anonymous() {
		return ErrUnauthenticated
	}

	ok, err := s.deps.Members.IsMember(ctx, s.user.UserID, s.roomID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return ErrNotMember
	}

	sub, err := s.deps.Bus.Subscribe(bus.RoomGroup(s.roomID), s.handleEvent)
	if err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	now := s.deps.now()

	if err := s.deps.Members.SetOnline(ctx, s.roomID, s.user.UserID, true); err != nil {
		s.teardownSub()
		return fmt.Errorf("set online: %w", err)
	}
	if err := s.deps.Presence.Add(ctx, s.roomScope(), s.user.UserID); err != nil {
		s.teardownSub()
		return fmt.Errorf("room presence: %w", err)
	}
	if err := s.deps.Presence.Add(ctx, presence.GlobalScope, s.user.UserID); err != nil {
		s.teardownSub()
		return fmt.Errorf("global presence: %w", err)
	}
	// The global entry needs a global beat: the reaper treats a member
	// without one as a dead session and would cascade the eviction into
	// this room.
	s.deps.Beats.Record(s.roomScope(), s.user.UserID, now)
	s.deps.Beats.Record(presence.GlobalScope, s.user.UserID, now)
	s.deps.Tracker.Add(s.roomScope(), s.user.UserID, s.id)
	s.deps.Tracker.Add(presence.GlobalScope, s.user.UserID, s.id)

	s.publish(ctx, bus.RoomGroup(s.roomID), bus.Event{Type: bus.EventUserJoined, Room: s.roomID, User: s.user.Username})
	s.publish(ctx, bus.RoomGroup(s.roomID), bus.Event{Type: bus.EventPresenceChanged, Room: s.roomID})
	s.publish(ctx, bus.OnlineGroup, bus.Event{Type: bus.EventPresenceChanged})

	s.deps.Drainer.StartIfAbsent(s.deps.TaskCtx, s.roomID)

	s.deps.Metrics.SessionUp("room")
	s.deps.Log.Info("session.connect", "session_id", s.id, "room", s.roomID, "user", s.user.UserID)
	return nil
}

// Disconnect tears the session down. Idempotent; safe on a session whose
// Connect failed. The room's drain loop is owned by the room and survives.
func (s *RoomSession) Disconnect(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.teardownSub()

		if s.user.Anonymous() {
			return
		}

		// Another connection of the same user into this room keeps the
		// user's presence and online flag alive.
		wasLast := s.deps.Tracker.Remove(s.roomScope(), s.user.UserID, s.id)
		if wasLast {
			if err := s.deps.Presence.Remove(ctx, s.roomScope(), s.user.UserID); err != nil {
				s.deps.Log.Warn("session.presence.remove.fail", "session_id", s.id, "err", err)
			}
			s.deps.Beats.Delete(s.roomScope(), s.user.UserID)
			if err := s.deps.Members.SetOnline(ctx, s.roomID, s.user.UserID, false); err != nil {
				s.deps.Log.Warn("session.offline.fail", "session_id", s.id, "err", err)
			}
		}

		// The global entry is refcounted across every session of the user,
		// room and global channel alike, so a live global session (or a
		// second room) keeps it.
		wasLastGlobal := s.deps.Tracker.Remove(presence.GlobalScope, s.user.UserID, s.id)
		if wasLastGlobal {
			if err := s.deps.Presence.Remove(ctx, presence.GlobalScope, s.user.UserID); err != nil {
				s.deps.Log.Warn("session.global.remove.fail", "session_id", s.id, "err", err)
			}
			s.deps.Beats.Delete(presence.GlobalScope, s.user.UserID)
		}

		s.publish(ctx, bus.RoomGroup(s.roomID), bus.Event{Type: bus.EventUserLeft, Room: s.roomID, User: s.user.Username})
		s.publish(ctx, bus.RoomGroup(s.roomID), bus.Event{Type: bus.EventPresenceChanged, Room: s.roomID})
		if wasLastGlobal {
			s.publish(ctx, bus.OnlineGroup, bus.Event{Type: bus.EventPresenceChanged})
		}

		s.deps.Metrics.SessionDown("room")
		s.deps.Log.Info("session.disconnect", "session_id", s.id, "room", s.roomID, "user", s.user.UserID, "last", wasLast)
	})
}

// Receive processes one inbound frame. Malformed payloads are logged and
// dropped; the connection stays open.
func (s *RoomSession) Receive(ctx context.Context, raw []byte) {
	frame, err := v1.DecodeClientFrame(raw)
	if err != nil {
		s.deps.Log.Info("session.frame.bad", "session_id", s.id, "err", err)
		return
	}

	switch frame.Kind {
	case v1.KindHeartbeat:
		s.onHeartbeat(ctx)
	case v1.KindMessage:
		s.onMessage(ctx, frame.Text)
	default:
		s.deps.Log.Info("session.frame.unknown", "session_id", s.id)
	}
}

func (s *RoomSession) onHeartbeat(ctx context.Context) {
	now := s.deps.now()
	s.deps.Beats.Record(s.roomScope(), s.user.UserID, now)
	s.deps.Beats.Record(presence.GlobalScope, s.user.UserID, now)
	if err := s.deps.Presence.Refresh(ctx, s.roomScope(), s.user.UserID); err != nil {
		s.deps.Log.Warn("session.heartbeat.refresh.fail", "session_id", s.id, "err", err)
		return
	}
	if err := s.deps.Presence.Refresh(ctx, presence.GlobalScope, s.user.UserID); err != nil {
		s.deps.Log.Warn("session.heartbeat.refresh.fail", "session_id", s.id, "err", err)
		return
	}
	// Re-assert the durable flag too: a remove issued by a peer process
	// that could not see this session heals within one beat.
	if err := s.deps.Members.SetOnline(ctx, s.roomID, s.user.UserID, true); err != nil {
		s.deps.Log.Warn("session.heartbeat.online.fail", "session_id", s.id, "err", err)
	}
	// Other members see a fresher last-seen.
	s.publish(ctx, bus.RoomGroup(s.roomID), bus.Event{Type: bus.EventPresenceChanged, Room: s.roomID})
}

func (s *RoomSession) onMessage(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		// Whitespace-only messages are dropped silently.
		return
	}
	if len([]rune(text)) > maxMessageChars {
		s.deps.Log.Info("session.message.too_long", "session_id", s.id, "chars", len([]rune(text)))
		return
	}

	s.deps.Queues.ForRoom(s.roomID).Enqueue(queue.Message{
		Room:       s.roomID,
		SenderID:   s.user.UserID,
		Sender:     s.user.Username,
		Text:       text,
		EnqueuedAt: s.deps.now(),
	})
	s.deps.Metrics.Enqueued()
	// The room's loop may have parked itself after an idle stretch; the
	// first message after that wakes it.
	s.deps.Drainer.StartIfAbsent(s.deps.TaskCtx, s.roomID)

	s.publish(ctx, bus.RoomGroup(s.roomID), bus.Event{
		Type: bus.EventChatMessage,
		Room: s.roomID,
		User: s.user.Username,
		Text: text,
	})
}

// handleEvent translates bus events of the room group into client frames.
func (s *RoomSession) handleEvent(evt bus.Event) {
	switch evt.Type {
	case bus.EventChatMessage:
		s.out.Send(v1.NewMessageFrame(evt.User, evt.Text))
	case bus.EventUserJoined:
		s.out.Send(v1.NewJoinFrame(evt.User))
	case bus.EventUserLeft:
		s.out.Send(v1.NewLeaveFrame(evt.User))
	case bus.EventPresenceChanged:
		s.sendOnlineStatus()
	}
}

// sendOnlineStatus recomputes the room's live member list and pushes it.
func (s *RoomSession) sendOnlineStatus() {
	ctx := s.deps.TaskCtx

	online, err := s.deps.Presence.Members(ctx, s.roomScope())
	if err != nil {
		s.deps.Log.Warn("session.status.presence.fail", "session_id", s.id, "err", err)
		return
	}
	onlineSet := make(map[string]bool, len(online))
	for _, uid := range online {
		onlineSet[uid] = true
	}

	members, err := s.deps.Members.RoomMembers(ctx, s.roomID)
	if err != nil {
		s.deps.Log.Warn("session.status.members.fail", "session_id", s.id, "err", err)
		return
	}

	users := make([]v1.OnlineUser, 0, len(members))
	for _, m := range members {
		users = append(users, v1.OnlineUser{
			ID:       m.UserID,
			Username: m.Username,
			IsOnline: onlineSet[m.UserID],
		})
	}
	s.out.Send(v1.NewOnlineStatusFrame(users))
}

func (s *RoomSession) publish(ctx context.Context, group string, evt bus.Event) {
	if err := s.deps.Bus.Publish(ctx, group, evt); err != nil {
		s.deps.Log.Warn("session.publish.fail", "session_id", s.id, "event", string(evt.Type), "err", err)
		return
	}
	s.deps.Metrics.EventPublished(string(evt.Type))
}

func (s *RoomSession) teardownSub() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
}
