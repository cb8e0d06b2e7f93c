// Package presence tracks which users are currently connected, per room and
// globally, with expiry-based liveness. It is a fast-path cache of "currently
// connected", never the system of record for membership.
package presence

import (
	"context"
	"strings"
)

// GlobalScope is the scope key for the process-global online set.
const GlobalScope = "global"

const roomScopePrefix = "room:"

// RoomScope returns the presence scope key for a room.
func RoomScope(roomID string) string { return roomScopePrefix + roomID }

// RoomFromScope extracts the room ID from a room scope key.
// Returns "" and false for non-room scopes.
func RoomFromScope(scope string) (string, bool) {
	if !strings.HasPrefix(scope, roomScopePrefix) {
		return "", false
	}
	return scope[len(roomScopePrefix):], true
}

// Store is the shared online-set state with per-entry expiry.
//
// Requirements:
//   - Concurrent Add/Remove on the same scope must merge, never overwrite:
//     a concurrent add and remove of different users both take effect.
//   - Refresh is last-writer-wins on the expiry alone.
//   - Members never returns expired entries.
type Store interface {
	Add(ctx context.Context, scope, userID string) error
	Remove(ctx context.Context, scope, userID string) error
	Refresh(ctx context.Context, scope, userID string) error
	Members(ctx context.Context, scope string) ([]string, error)
	// Scopes lists every scope that currently has at least one entry,
	// expired or not. The reaper uses it for its full scan.
	Scopes(ctx context.Context) ([]string, error)
}
