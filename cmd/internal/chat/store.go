// Package chat implements the realtime session layer: per-connection room
// sessions, the global presence session, and the storage boundaries they
// depend on.
package chat

import (
	"context"
	"errors"
	"time"

	"relay/cmd/internal/queue"
)

// RoomKind distinguishes the two room types.
type RoomKind string

const (
	// RoomDirect is a closed two-party room: exactly two members, no open join.
	RoomDirect RoomKind = "direct"
	// RoomGroup is an open-join room capped at groupRoomCapacity members.
	RoomGroup RoomKind = "group"
)

// Room is the identity slice of a room the session layer reads.
type Room struct {
	ID        string
	Name      string
	Kind      RoomKind
	CreatedAt time.Time
}

// Member is one (user, room) membership row.
type Member struct {
	UserID   string
	Username string
	IsOnline bool
	LastSeen time.Time
}

// Sentinel errors of the membership boundary.
var (
	ErrRoomNotFound     = errors.New("chat: room not found")
	ErrNotMember        = errors.New("chat: not a member")
	ErrUnauthenticated  = errors.New("chat: unauthenticated")
	ErrRoomFull         = errors.New("chat: room is full")
	ErrDirectRoomClosed = errors.New("chat: direct rooms cannot be joined")
	ErrBadRoomKind      = errors.New("chat: invalid room kind")
)

// MembershipStore is the durable membership collaborator. Membership
// creation and deletion belong to the management surface; the session layer
// is the primary writer of the online flag.
type MembershipStore interface {
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
	RoomMembers(ctx context.Context, roomID string) ([]Member, error)
	Rooms(ctx context.Context, userID string) ([]Room, error)

	SetOnline(ctx context.Context, roomID, userID string, online bool) error
	SetOnlineBulk(ctx context.Context, roomID string, userIDs []string, online bool) error

	// CreateRoom creates a room with its initial members. Direct rooms
	// require exactly two; group rooms at least one (the creator).
	CreateRoom(ctx context.Context, name string, kind RoomKind, members ...Member) (Room, error)
	// JoinRoom adds a member. Direct rooms reject joins; group rooms
	// enforce capacity. Joining a room twice is a no-op.
	JoinRoom(ctx context.Context, roomID string, m Member) error
	LeaveRoom(ctx context.Context, roomID, userID string) error
}

// MessageStore is the durable message collaborator. SaveBatch is a single
// bulk write that must tolerate re-delivery of a previously written batch.
type MessageStore interface {
	SaveBatch(ctx context.Context, msgs []queue.Message) error
	History(ctx context.Context, roomID string, limit int) ([]queue.Message, error)
}
