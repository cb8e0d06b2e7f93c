package chat

import (
	"context"
	"fmt"
	"sync"

	"relay/cmd/internal/bus"
	"relay/cmd/internal/identity"
	"relay/cmd/internal/presence"
	v1 "relay/shared/contracts/chat/v1"
)

// GlobalSession manages one connection's membership in the global presence
// channel, independent of any single room. It aggregates the user's online
// status across every room they belong to and is responsible for keeping
// exactly one reaper scheduled process-wide.
type GlobalSession struct {
	deps *SessionDeps

	id   string
	user identity.Identity
	out  Sender

	mu         sync.Mutex
	sub        bus.Subscription
	rooms      []Room
	ownsReaper bool
	closeOnce  sync.Once
}

// NewGlobalSession constructs an unconnected global session.
func NewGlobalSession(deps *SessionDeps, sessionID string, user identity.Identity, out Sender) *GlobalSession {
	return &GlobalSession{
		deps: deps,
		id:   sessionID,
		user: user,
		out:  out,
	}
}

// Connect admits the session into the online group and fans the user's
// presence out to every room they belong to.
func (s *GlobalSession) Connect(ctx context.Context) error {
	if s.user.Anonymous() {
		return ErrUnauthenticated
	}

	sub, err := s.deps.Bus.Subscribe(bus.OnlineGroup, s.handleEvent)
	if err != nil {
		return fmt.Errorf("join online group: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	now := s.deps.now()

	// Global state first, per-room fan-out after. A reader racing this
	// window can observe the user globally online before the room sets
	// catch up; the window is narrow and closes on the next write.
	if err := s.deps.Presence.Add(ctx, presence.GlobalScope, s.user.UserID); err != nil {
		s.teardownSub()
		return fmt.Errorf("global presence: %w", err)
	}
	s.deps.Beats.Record(presence.GlobalScope, s.user.UserID, now)
	s.deps.Tracker.Add(presence.GlobalScope, s.user.UserID, s.id)

	rooms, err := s.deps.Members.Rooms(ctx, s.user.UserID)
	if err != nil {
		s.deps.Log.Warn("global.rooms.fail", "session_id", s.id, "err", err)
		rooms = nil
	}
	s.mu.Lock()
	s.rooms = rooms
	s.mu.Unlock()

	for _, r := range rooms {
		if err := s.deps.Presence.Add(ctx, presence.RoomScope(r.ID), s.user.UserID); err != nil {
			s.deps.Log.Warn("global.fanout.fail", "session_id", s.id, "room", r.ID, "err", err)
			continue
		}
		s.publish(ctx, bus.RoomGroup(r.ID), bus.Event{Type: bus.EventPresenceChanged, Room: r.ID})
	}
	s.publish(ctx, bus.OnlineGroup, bus.Event{Type: bus.EventPresenceChanged})

	// Single-flight: starting a second reaper while one is in flight is a
	// no-op. The starter owns it and hands off on disconnect.
	if s.deps.Reaper.Start(s.deps.TaskCtx) {
		s.mu.Lock()
		s.ownsReaper = true
		s.mu.Unlock()
		s.deps.Log.Info("global.reaper.scheduled", "session_id", s.id)
	}

	s.deps.Metrics.SessionUp("global")
	s.deps.Log.Info("global.connect", "session_id", s.id, "user", s.user.UserID, "rooms", len(rooms))
	return nil
}

// Disconnect mirrors Connect's writes in reverse. If this session owns the
// in-flight reaper it stops it, clearing the single-flight flag so the next
// global connect reschedules one.
func (s *GlobalSession) Disconnect(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.teardownSub()

		if s.user.Anonymous() {
			return
		}

		wasLast := s.deps.Tracker.Remove(presence.GlobalScope, s.user.UserID, s.id)
		if wasLast {
			if err := s.deps.Presence.Remove(ctx, presence.GlobalScope, s.user.UserID); err != nil {
				s.deps.Log.Warn("global.presence.remove.fail", "session_id", s.id, "err", err)
			}
			s.deps.Beats.Delete(presence.GlobalScope, s.user.UserID)

			s.mu.Lock()
			rooms := s.rooms
			s.mu.Unlock()

			for _, r := range rooms {
				// A live room session for this (user, room) keeps the
				// room-scoped entry; only unbacked fan-out entries go.
				if s.deps.Tracker.Active(presence.RoomScope(r.ID), s.user.UserID) {
					continue
				}
				if err := s.deps.Presence.Remove(ctx, presence.RoomScope(r.ID), s.user.UserID); err != nil {
					s.deps.Log.Warn("global.fanout.remove.fail", "session_id", s.id, "room", r.ID, "err", err)
					continue
				}
				s.publish(ctx, bus.RoomGroup(r.ID), bus.Event{Type: bus.EventPresenceChanged, Room: r.ID})
			}
			s.publish(ctx, bus.OnlineGroup, bus.Event{Type: bus.EventPresenceChanged})
		}

		s.mu.Lock()
		owns := s.ownsReaper
		s.ownsReaper = false
		s.mu.Unlock()
		if owns {
			s.deps.Reaper.Stop()
			s.deps.Log.Info("global.reaper.released", "session_id", s.id)
		}

		s.deps.Metrics.SessionDown("global")
		s.deps.Log.Info("global.disconnect", "session_id", s.id, "user", s.user.UserID, "last", wasLast)
	})
}

// Receive processes one inbound frame. Only heartbeats are meaningful on
// the global channel; everything else is logged and dropped.
func (s *GlobalSession) Receive(ctx context.Context, raw []byte) {
	frame, err := v1.DecodeClientFrame(raw)
	if err != nil {
		s.deps.Log.Info("global.frame.bad", "session_id", s.id, "err", err)
		return
	}
	if frame.Kind != v1.KindHeartbeat {
		s.deps.Log.Info("global.frame.ignored", "session_id", s.id)
		return
	}

	s.deps.Beats.Record(presence.GlobalScope, s.user.UserID, s.deps.now())
	if err := s.deps.Presence.Refresh(ctx, presence.GlobalScope, s.user.UserID); err != nil {
		s.deps.Log.Warn("global.heartbeat.refresh.fail", "session_id", s.id, "err", err)
		return
	}
	s.publish(ctx, bus.OnlineGroup, bus.Event{Type: bus.EventPresenceChanged})
}

// handleEvent translates online-group events into the payload-free
// re-fetch signal.
func (s *GlobalSession) handleEvent(evt bus.Event) {
	if evt.Type == bus.EventPresenceChanged {
		s.out.Send(v1.NewOnlineUsersUpdateFrame())
	}
}

func (s *GlobalSession) publish(ctx context.Context, group string, evt bus.Event) {
	if err := s.deps.Bus.Publish(ctx, group, evt); err != nil {
		s.deps.Log.Warn("global.publish.fail", "session_id", s.id, "event", string(evt.Type), "err", err)
		return
	}
	s.deps.Metrics.EventPublished(string(evt.Type))
}

func (s *GlobalSession) teardownSub() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
}
