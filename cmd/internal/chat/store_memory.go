package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"relay/cmd/internal/queue"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// MemoryMembershipStore is a dev-only fallback when DB is not configured.
type MemoryMembershipStore struct {
	mu      sync.Mutex
	rooms   map[string]Room
	members map[string]map[string]Member // roomID -> userID -> member
}

// NewMemoryMembershipStore constructs an in-memory MembershipStore implementation.
func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{
		rooms:   make(map[string]Room),
		members: make(map[string]map[string]Member),
	}
}

func (s *MemoryMembershipStore) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return false, ErrRoomNotFound
	}
	_, ok := s.members[roomID][userID]
	return ok, nil
}

func (s *MemoryMembershipStore) RoomMembers(ctx context.Context, roomID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}

	out := make([]Member, 0, len(s.members[roomID]))
	for _, m := range s.members[roomID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryMembershipStore) Rooms(ctx context.Context, userID string) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Room
	for roomID, mm := range s.members {
		if _, ok := mm[userID]; ok {
			out = append(out, s.rooms[roomID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryMembershipStore) SetOnline(ctx context.Context, roomID, userID string, online bool) error {
	return s.SetOnlineBulk(ctx, roomID, []string{userID}, online)
}

func (s *MemoryMembershipStore) SetOnlineBulk(ctx context.Context, roomID string, userIDs []string, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mm, ok := s.members[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	now := time.Now().UTC()
	for _, uid := range userIDs {
		m, ok := mm[uid]
		if !ok {
			// Not a member anymore; the flag write is moot, skip silently.
			continue
		}
		m.IsOnline = online
		m.LastSeen = now
		mm[uid] = m
	}
	return nil
}

func (s *MemoryMembershipStore) CreateRoom(ctx context.Context, name string, kind RoomKind, members ...Member) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	switch kind {
	case RoomDirect:
		if len(members) != directRoomSize {
			return Room{}, ErrBadRoomKind
		}
	case RoomGroup:
		if len(members) < 1 {
			return Room{}, ErrBadRoomKind
		}
		if len(members) > groupRoomCapacity {
			return Room{}, ErrRoomFull
		}
	default:
		return Room{}, ErrBadRoomKind
	}

	room := Room{
		ID:        NewRandomHex(8),
		Name:      name,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[room.ID] = room
	mm := make(map[string]Member, len(members))
	for _, m := range members {
		mm[m.UserID] = m
	}
	s.members[room.ID] = mm
	return room, nil
}

func (s *MemoryMembershipStore) JoinRoom(ctx context.Context, roomID string, m Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Kind == RoomDirect {
		return ErrDirectRoomClosed
	}

	mm := s.members[roomID]
	if _, ok := mm[m.UserID]; ok {
		return nil
	}
	if len(mm) >= groupRoomCapacity {
		return ErrRoomFull
	}
	mm[m.UserID] = m
	return nil
}

func (s *MemoryMembershipStore) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	if _, ok := s.members[roomID][userID]; !ok {
		return ErrNotMember
	}
	delete(s.members[roomID], userID)
	return nil
}

// MemoryMessageStore is a dev-only MessageStore fallback.
//
// Batch re-delivery tolerance matches the durable store: a batch whose rows
// were already written is absorbed without duplicating them.
type MemoryMessageStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoomLog
}

type memRoomLog struct {
	seen map[memMsgKey]bool
	msgs []queue.Message // append order
}

type memMsgKey struct {
	sender string
	text   string
	ts     int64
}

// NewMemoryMessageStore constructs an in-memory MessageStore implementation.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		rooms: make(map[string]*memRoomLog),
	}
}

func (s *MemoryMessageStore) SaveBatch(ctx context.Context, msgs []queue.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		log := s.rooms[m.Room]
		if log == nil {
			log = &memRoomLog{
				seen: make(map[memMsgKey]bool),
				msgs: make([]queue.Message, 0, 256),
			}
			s.rooms[m.Room] = log
		}

		key := memMsgKey{sender: m.SenderID, text: m.Text, ts: m.EnqueuedAt.UnixNano()}
		if log.seen[key] {
			continue
		}
		log.seen[key] = true
		log.msgs = append(log.msgs, m)

		// Bound memory to avoid unbounded growth in dev.
		if len(log.msgs) > memMaxMessagesPerRoom {
			log.msgs = log.msgs[len(log.msgs)-memMaxMessagesPerRoom:]
		}
	}
	return nil
}

func (s *MemoryMessageStore) History(ctx context.Context, roomID string, limit int) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	log := s.rooms[roomID]
	var snap []queue.Message
	if log != nil {
		snap = append([]queue.Message(nil), log.msgs...)
	}
	s.mu.Unlock()

	if len(snap) > limit {
		snap = snap[len(snap)-limit:]
	}
	return snap, nil
}
