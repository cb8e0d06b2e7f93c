package presence

import (
	"sync"
	"time"
)

// BeatKey identifies one heartbeat record.
type BeatKey struct {
	Scope string
	User  string
}

// HeartbeatTable holds the last-heartbeat timestamp per (scope, user).
//
// Entries have no automatic expiry; the reaper is the only deleter of stale
// records. The table is shared by every session and the reaper, so it is
// always injected, never ambient, and tests construct one per run.
//
// Snapshot gives the reaper a consistent view without holding the lock for
// the whole scan.
type HeartbeatTable struct {
	mu    sync.RWMutex
	beats map[BeatKey]time.Time
}

// NewHeartbeatTable constructs an empty table.
func NewHeartbeatTable() *HeartbeatTable {
	return &HeartbeatTable{beats: make(map[BeatKey]time.Time)}
}

// Record stamps the last heartbeat for (scope, user).
func (t *HeartbeatTable) Record(scope, user string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beats[BeatKey{Scope: scope, User: user}] = at
}

// Delete removes the record for (scope, user). Idempotent.
func (t *HeartbeatTable) Delete(scope, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.beats, BeatKey{Scope: scope, User: user})
}

// Last returns the last heartbeat for (scope, user).
func (t *HeartbeatTable) Last(scope, user string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.beats[BeatKey{Scope: scope, User: user}]
	return at, ok
}

// Snapshot returns a point-in-time copy of all records.
func (t *HeartbeatTable) Snapshot() map[BeatKey]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[BeatKey]time.Time, len(t.beats))
	for k, v := range t.beats {
		out[k] = v
	}
	return out
}

// Len reports the number of live records.
func (t *HeartbeatTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.beats)
}
