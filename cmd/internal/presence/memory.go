package presence

import (
	"context"
	"sync"
	"time"
)

const defaultEntryTTL = 30 * time.Second

// MemoryStore is an in-process Store used by tests and single-node
// deployments. One mutex serializes all read-modify-write sequences, so
// concurrent adds and removes merge instead of overwriting each other.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	scopes map[string]map[string]time.Time // scope -> user -> expiry deadline
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTTL overrides the entry TTL (default 30s).
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Tests use it to force expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an in-process presence store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		ttl:    defaultEntryTTL,
		now:    time.Now,
		scopes: make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add inserts userID into scope's online set with a fresh TTL.
func (s *MemoryStore) Add(ctx context.Context, scope, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.scopes[scope]
	if set == nil {
		set = make(map[string]time.Time)
		s.scopes[scope] = set
	}
	set[userID] = s.now().Add(s.ttl)
	return nil
}

// Remove deletes userID from scope's online set. Removing an absent entry
// is a no-op.
func (s *MemoryStore) Remove(ctx context.Context, scope, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.scopes[scope]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.scopes, scope)
		}
	}
	return nil
}

// Refresh extends the TTL of an existing entry. A refresh for an absent
// entry re-adds it: a heartbeat proves the session is live.
func (s *MemoryStore) Refresh(ctx context.Context, scope, userID string) error {
	return s.Add(ctx, scope, userID)
}

// Members returns the unexpired user IDs in scope. Expired entries are
// dropped on read.
func (s *MemoryStore) Members(ctx context.Context, scope string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.scopes[scope]
	if len(set) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(set))
	for uid, deadline := range set {
		if deadline.Before(now) {
			delete(set, uid)
			continue
		}
		out = append(out, uid)
	}
	if len(set) == 0 {
		delete(s.scopes, scope)
	}
	return out, nil
}

// Scopes lists every scope with at least one entry.
func (s *MemoryStore) Scopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.scopes))
	for scope := range s.scopes {
		out = append(out, scope)
	}
	return out, nil
}
