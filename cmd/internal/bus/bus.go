// Package bus provides the broadcast fabric used by realtime sessions:
// named groups with publish/subscribe semantics. Every current subscriber
// of a group receives every event published to it.
package bus

import "context"

// EventType is the closed set of events carried on the bus.
type EventType string

const (
	// EventChatMessage is a chat message relayed to a room group.
	EventChatMessage EventType = "chat-message"
	// EventUserJoined announces a session joining a room group.
	EventUserJoined EventType = "user-joined"
	// EventUserLeft announces a session leaving a room group.
	EventUserLeft EventType = "user-left"
	// EventPresenceChanged signals that a scope's online set changed
	// and member lists should be recomputed.
	EventPresenceChanged EventType = "presence-changed"
)

// Event is the payload delivered to group subscribers.
type Event struct {
	Type EventType `json:"type"`
	Room string    `json:"room,omitempty"`
	User string    `json:"user,omitempty"`
	Text string    `json:"text,omitempty"`
}

// Handler consumes one delivered event. Handlers must be quick and must not
// block: implementations are free to drop events for slow consumers.
type Handler func(Event)

// Subscription is a live group membership handle.
type Subscription interface {
	// Unsubscribe removes the subscriber from the group. Idempotent.
	Unsubscribe() error
}

// Bus is the named-group publish/subscribe fabric.
//
// Delivery contract: at-least-once per current subscriber within a group;
// no ordering guarantee across groups.
type Bus interface {
	Publish(ctx context.Context, group string, evt Event) error
	Subscribe(group string, fn Handler) (Subscription, error)
}

// RoomGroup returns the bus group name for a room.
func RoomGroup(roomID string) string { return "room:" + roomID }

// OnlineGroup is the bus group for global presence subscribers.
const OnlineGroup = "online"
