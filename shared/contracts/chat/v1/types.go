// Package v1 defines the Relay chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"strings"
)

// Server -> client frame types (wire-stable).
const (
	// TypeMessage carries a chat message broadcast to room members.
	TypeMessage = "message"
	// TypeJoin announces a member joining the room.
	TypeJoin = "join"
	// TypeLeave announces a member leaving the room.
	TypeLeave = "leave"
	// TypeOnlineStatus carries the recomputed live member list of a room.
	TypeOnlineStatus = "online_status"
	// TypeOnlineUsersUpdate signals global-presence subscribers to re-fetch
	// online status. It carries no payload.
	TypeOnlineUsersUpdate = "online_users_update"
)

// FrameKind is the decoded variant of an inbound client frame.
type FrameKind uint8

const (
	// KindUnknown is an unrecognized or structurally invalid frame.
	KindUnknown FrameKind = iota
	// KindMessage is a chat message frame: {"message": "<text>"}.
	KindMessage
	// KindHeartbeat is a liveness frame: {"type": "heartbeat"}.
	KindHeartbeat
)

// ClientFrame is an inbound frame decoded once at the connection boundary.
type ClientFrame struct {
	Kind FrameKind
	Text string
}

// clientWire mirrors the raw client JSON shape.
type clientWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DecodeClientFrame parses a raw text frame into its closed variant.
// Unrecognized shapes decode to KindUnknown rather than failing hard;
// the session layer logs and drops those.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var w clientWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ClientFrame{}, err
	}

	if strings.EqualFold(strings.TrimSpace(w.Type), "heartbeat") {
		return ClientFrame{Kind: KindHeartbeat}, nil
	}
	if w.Type == "" {
		return ClientFrame{Kind: KindMessage, Text: w.Message}, nil
	}
	return ClientFrame{Kind: KindUnknown}, nil
}

// MessageFrame is the broadcast chat message sent to room members.
type MessageFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	User    string `json:"user"`
}

// NewMessageFrame builds a TypeMessage server frame.
func NewMessageFrame(user, text string) MessageFrame {
	return MessageFrame{Type: TypeMessage, Message: text, User: user}
}

// PresenceFrame announces a member joining or leaving a room.
type PresenceFrame struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// NewJoinFrame builds a TypeJoin server frame.
func NewJoinFrame(user string) PresenceFrame {
	return PresenceFrame{Type: TypeJoin, User: user}
}

// NewLeaveFrame builds a TypeLeave server frame.
func NewLeaveFrame(user string) PresenceFrame {
	return PresenceFrame{Type: TypeLeave, User: user}
}

// OnlineUser is one entry of an online_status member list.
type OnlineUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

// OnlineStatusFrame carries the full recomputed member list of a room.
type OnlineStatusFrame struct {
	Type  string       `json:"type"`
	Users []OnlineUser `json:"users"`
}

// NewOnlineStatusFrame builds a TypeOnlineStatus server frame.
func NewOnlineStatusFrame(users []OnlineUser) OnlineStatusFrame {
	if users == nil {
		users = []OnlineUser{}
	}
	return OnlineStatusFrame{Type: TypeOnlineStatus, Users: users}
}

// SignalFrame is a payload-free server frame (online_users_update).
type SignalFrame struct {
	Type string `json:"type"`
}

// NewOnlineUsersUpdateFrame builds a TypeOnlineUsersUpdate server frame.
func NewOnlineUsersUpdateFrame() SignalFrame {
	return SignalFrame{Type: TypeOnlineUsersUpdate}
}
