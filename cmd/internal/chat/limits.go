package chat

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes). Longer messages are logged and dropped.
	maxMessageChars = 1000

	// Bounded per-connection send queue.
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute

	// Per-connection inbound rate limits (frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Room membership rules.
const (
	// directRoomSize is the fixed participant count of a direct room.
	directRoomSize = 2

	// groupRoomCapacity caps open-join group rooms.
	groupRoomCapacity = 100
)

// Application close codes used when refusing admission.
const (
	closeUnauthenticated = 4001
	closeNotMember       = 4003
)
