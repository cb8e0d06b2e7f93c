package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

const memSubscriberQueueSize = 64

// MemoryBus is an in-process Bus used by tests and single-node deployments.
//
// Concurrency guarantees:
// - Publish never blocks (drops per-subscriber under backpressure).
// - Subscribe/Unsubscribe are safe under concurrent Publish.
// - Handlers run on a dedicated goroutine per subscriber, so a slow handler
//   only affects its own queue.
type MemoryBus struct {
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]map[uint64]*memorySub
	nextID uint64
	closed bool
}

type memorySub struct {
	bus   *MemoryBus
	group string
	id    uint64

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewMemoryBus constructs an in-process bus.
func NewMemoryBus(log *slog.Logger) *MemoryBus {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBus{
		log:    log,
		groups: make(map[string]map[uint64]*memorySub),
	}
}

// Publish delivers evt to every current subscriber of group.
func (b *MemoryBus) Publish(ctx context.Context, group string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.groups[group]))
	for _, s := range b.groups[group] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case <-s.done:
			continue
		default:
		}

		select {
		case s.events <- evt:
		default:
			// Drop rather than block the whole group.
			b.log.Warn("bus.drop", "group", group, "event", string(evt.Type))
		}
	}
	return nil
}

// Subscribe adds fn as a group subscriber and starts its delivery pump.
func (b *MemoryBus) Subscribe(group string, fn Handler) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("bus: nil handler")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus: closed")
	}
	b.nextID++
	s := &memorySub{
		bus:    b,
		group:  group,
		id:     b.nextID,
		events: make(chan Event, memSubscriberQueueSize),
		done:   make(chan struct{}),
	}
	if b.groups[group] == nil {
		b.groups[group] = make(map[uint64]*memorySub)
	}
	b.groups[group][s.id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case evt := <-s.events:
				fn(evt)
			}
		}
	}()

	return s, nil
}

// Close tears the bus down and unsubscribes everyone.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*memorySub
	for _, subs := range b.groups {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.groups = make(map[string]map[uint64]*memorySub)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

// Unsubscribe removes the subscriber from its group. Idempotent.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if subs, ok := s.bus.groups[s.group]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.groups, s.group)
		}
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}
