// Package queue buffers not-yet-persisted chat messages per room and drains
// them into durable storage in bounded batches, so the receive/broadcast hot
// path never blocks on storage.
package queue

import (
	"sync"
	"time"
)

// Message is one queued chat message. EnqueuedAt is the receive timestamp
// and travels with the record into storage.
type Message struct {
	Room       string
	SenderID   string
	Sender     string
	Text       string
	EnqueuedAt time.Time
}

// Queue is one room's FIFO buffer of not-yet-persisted messages.
//
// Batch reads a prefix without removing it; Discard removes exactly the
// persisted prefix afterwards, so arrivals during persistence are never lost.
type Queue struct {
	mu    sync.Mutex
	items []Message
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{items: make([]Message, 0, 64)}
}

// Enqueue appends m at the tail.
func (q *Queue) Enqueue(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
}

// Batch returns a copy of up to max messages from the head, in FIFO order.
func (q *Queue) Batch(max int) []Message {
	if max <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	out := make([]Message, n)
	copy(out, q.items[:n])
	return out
}

// Discard removes exactly n messages from the head. It never removes more
// than present.
func (q *Queue) Discard(n int) {
	if n <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if n >= len(q.items) {
		q.items = q.items[:0]
		return
	}
	remaining := len(q.items) - n
	copy(q.items, q.items[n:])
	q.items = q.items[:remaining]
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Set is the process-wide registry of room queues.
type Set struct {
	mu    sync.Mutex
	rooms map[string]*Queue
}

// NewSet constructs an empty registry.
func NewSet() *Set {
	return &Set{rooms: make(map[string]*Queue)}
}

// ForRoom returns the stable queue for roomID, creating it on first use.
func (s *Set) ForRoom(roomID string) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.rooms[roomID]
	if !ok {
		q = NewQueue()
		s.rooms[roomID] = q
	}
	return q
}
