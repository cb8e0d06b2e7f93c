package presence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"relay/cmd/internal/bus"
	"relay/cmd/internal/metrics"
)

const (
	defaultReapInterval     = 20 * time.Second
	defaultHeartbeatTimeout = 15 * time.Second
)

// MembershipWriter is the slice of the membership collaborator the reaper
// needs: flipping the durable online flag for evicted users.
type MembershipWriter interface {
	SetOnlineBulk(ctx context.Context, roomID string, userIDs []string, online bool) error
}

// Reaper is the single process-wide presence janitor. On each scan it
// expires users whose heartbeat lapsed and reconciles room-scoped state
// with global state:
//
//  1. Users with a stale global heartbeat leave the global set and every
//     room set unconditionally; a dead connection cannot be more alive in
//     a sub-scope.
//  2. Users with a fresh global heartbeat are evicted from an individual
//     room only when that room's own heartbeat lapsed.
//
// Exactly one reaper runs at a time: Start is guarded by a single-flight
// flag and returns false when a scan loop is already in flight.
type Reaper struct {
	log     *slog.Logger
	bus     bus.Bus
	store   Store
	beats   *HeartbeatTable
	members MembershipWriter
	metrics *metrics.Set

	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReapInterval overrides the scan interval (default 20s).
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithHeartbeatTimeout overrides the staleness threshold (default 15s).
func WithHeartbeatTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithReaperClock overrides the time source for tests.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReaperMetrics attaches instrumentation.
func WithReaperMetrics(m *metrics.Set) ReaperOption {
	return func(r *Reaper) { r.metrics = m }
}

// NewReaper constructs a stopped Reaper.
func NewReaper(log *slog.Logger, b bus.Bus, store Store, beats *HeartbeatTable, members MembershipWriter, opts ...ReaperOption) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	r := &Reaper{
		log:      log,
		bus:      b,
		store:    store,
		beats:    beats,
		members:  members,
		interval: defaultReapInterval,
		timeout:  defaultHeartbeatTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the supervised scan loop. It reports whether this call
// started the loop: false means one is already in flight and the call was
// a no-op.
func (r *Reaper) Start(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer r.running.Store(false)

		t := time.NewTicker(r.interval)
		defer t.Stop()

		r.log.Info("reaper.start", "interval", r.interval, "timeout", r.timeout)
		for {
			select {
			case <-loopCtx.Done():
				r.log.Info("reaper.stop")
				return
			case <-t.C:
				r.RunOnce(loopCtx)
			}
		}
	}()
	return true
}

// Stop cancels the scan loop and clears the single-flight flag. Idempotent.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Running reports whether a scan loop is in flight.
func (r *Reaper) Running() bool { return r.running.Load() }

// RunOnce performs a single scan. A failure for one room or user is logged
// and never aborts processing of the rest.
func (r *Reaper) RunOnce(ctx context.Context) {
	now := r.now()
	// One snapshot of the heartbeat table serves both passes, so a beat
	// landing mid-scan cannot make the global and room verdicts disagree.
	beats := r.beats.Snapshot()

	globallyExpired := r.reapGlobal(ctx, now, beats)
	roomRemovals := r.reapRooms(ctx, now, beats, globallyExpired)

	for roomID, removed := range roomRemovals {
		if err := r.members.SetOnlineBulk(ctx, roomID, removed, false); err != nil {
			r.log.Warn("reaper.membership.fail", "room", roomID, "err", err)
		}
		if err := r.bus.Publish(ctx, bus.RoomGroup(roomID), bus.Event{Type: bus.EventPresenceChanged, Room: roomID}); err != nil {
			r.log.Warn("reaper.publish.fail", "room", roomID, "err", err)
		}
	}
	if len(globallyExpired) > 0 {
		if err := r.bus.Publish(ctx, bus.OnlineGroup, bus.Event{Type: bus.EventPresenceChanged}); err != nil {
			r.log.Warn("reaper.publish.fail", "group", bus.OnlineGroup, "err", err)
		}
	}

	r.metrics.Evicted("global", len(globallyExpired))
	r.metrics.ReaperRan()

	if len(globallyExpired) > 0 || len(roomRemovals) > 0 {
		r.log.Info("reaper.swept", "global_evicted", len(globallyExpired), "rooms_touched", len(roomRemovals))
	}
}

// reapGlobal expires stale users from the global set and returns them.
// A presence entry without a heartbeat record is treated as stale: the
// record exists iff a live session is believed open.
func (r *Reaper) reapGlobal(ctx context.Context, now time.Time, beats map[BeatKey]time.Time) map[string]bool {
	expired := make(map[string]bool)

	members, err := r.store.Members(ctx, GlobalScope)
	if err != nil {
		r.log.Warn("reaper.scan.global.fail", "err", err)
		return expired
	}

	for _, uid := range members {
		last, ok := beats[BeatKey{Scope: GlobalScope, User: uid}]
		if ok && now.Sub(last) <= r.timeout {
			continue
		}
		if err := r.store.Remove(ctx, GlobalScope, uid); err != nil {
			r.log.Warn("reaper.evict.global.fail", "user", uid, "err", err)
			continue
		}
		r.beats.Delete(GlobalScope, uid)
		expired[uid] = true
		r.log.Debug("reaper.evict", "scope", GlobalScope, "user", uid)
	}
	return expired
}

// reapRooms scans every room scope: globally expired users are removed
// immediately, the rest fall to the room-local heartbeat check.
func (r *Reaper) reapRooms(ctx context.Context, now time.Time, beats map[BeatKey]time.Time, globallyExpired map[string]bool) map[string][]string {
	removals := make(map[string][]string)

	scopes, err := r.store.Scopes(ctx)
	if err != nil {
		r.log.Warn("reaper.scan.scopes.fail", "err", err)
		return removals
	}

	for _, scope := range scopes {
		roomID, ok := RoomFromScope(scope)
		if !ok {
			continue
		}

		members, err := r.store.Members(ctx, scope)
		if err != nil {
			r.log.Warn("reaper.scan.room.fail", "room", roomID, "err", err)
			continue
		}

		for _, uid := range members {
			evict := globallyExpired[uid]
			if !evict {
				last, ok := beats[BeatKey{Scope: scope, User: uid}]
				evict = !ok || now.Sub(last) > r.timeout
			}
			if !evict {
				continue
			}
			if err := r.store.Remove(ctx, scope, uid); err != nil {
				r.log.Warn("reaper.evict.room.fail", "room", roomID, "user", uid, "err", err)
				continue
			}
			r.beats.Delete(scope, uid)
			removals[roomID] = append(removals[roomID], uid)
			r.metrics.Evicted("room", 1)
			r.log.Debug("reaper.evict", "scope", scope, "user", uid)
		}
	}
	return removals
}
