package chat

import (
	"sync"
)

// client represents one connected websocket session's outbound side.
//
// Design notes:
// - send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - close is idempotent.
type client struct {
	sessionID string
	send      chan any

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(sessionID string, sendQueueSize int) *client {
	if sendQueueSize <= 0 {
		sendQueueSize = minSendQueueSize
	}
	return &client{
		sessionID: sessionID,
		send:      make(chan any, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Send enqueues a frame for the writer goroutine. It never blocks; frames
// enqueued after the queue fills or the client shuts down are dropped and
// Send reports false.
func (c *client) Send(frame any) bool {
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close send to keep broadcast safe under concurrency.
func (c *client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
