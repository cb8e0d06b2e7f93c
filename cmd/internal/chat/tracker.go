package chat

import "sync"

type trackerKey struct {
	scope string
	user  string
}

// Tracker counts live sessions per (scope, user). A user may hold several
// connections into the same scope (multiple tabs); presence writes and
// heartbeat deletes are only mirrored in reverse once the last one goes.
type Tracker struct {
	mu       sync.Mutex
	sessions map[trackerKey]map[string]bool // (scope,user) -> set of session IDs
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[trackerKey]map[string]bool)}
}

// Add registers a live session for (scope, user).
func (t *Tracker) Add(scope, user, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := trackerKey{scope: scope, user: user}
	if t.sessions[k] == nil {
		t.sessions[k] = make(map[string]bool)
	}
	t.sessions[k][sessionID] = true
}

// Remove drops a session and reports whether it was the last one for
// (scope, user). Removing an unknown session reports false.
func (t *Tracker) Remove(scope, user, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := trackerKey{scope: scope, user: user}
	set, ok := t.sessions[k]
	if !ok || !set[sessionID] {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(t.sessions, k)
		return true
	}
	return false
}

// Active reports whether any live session exists for (scope, user).
func (t *Tracker) Active(scope, user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions[trackerKey{scope: scope, user: user}]) > 0
}
