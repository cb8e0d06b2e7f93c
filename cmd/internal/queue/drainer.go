package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relay/cmd/internal/metrics"
)

const (
	defaultDrainInterval = 500 * time.Millisecond
	defaultBatchSize     = 100
	defaultIdleTicks     = 120
)

// Writer is the storage collaborator consumed by the drainer: one bulk
// write per batch. Writes must tolerate re-delivery (the drainer retries a
// failed batch on the next tick without discarding it).
type Writer interface {
	SaveBatch(ctx context.Context, msgs []Message) error
}

// Drainer owns one drain loop per room. Loops are started lazily by the
// first session to join a room and are tied to room activity, not to any
// single connection: individual disconnects never stop them, but a loop
// parks itself after a long run of empty ticks and the next enqueued
// message restarts it.
type Drainer struct {
	log     *slog.Logger
	queues  *Set
	writer  Writer
	metrics *metrics.Set

	interval  time.Duration
	batchSize int
	idleTicks int

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// DrainerOption configures a Drainer.
type DrainerOption func(*Drainer)

// WithDrainInterval overrides the tick interval (default 500ms).
func WithDrainInterval(d time.Duration) DrainerOption {
	return func(dr *Drainer) {
		if d > 0 {
			dr.interval = d
		}
	}
}

// WithBatchSize overrides the per-tick batch bound (default 100).
func WithBatchSize(n int) DrainerOption {
	return func(dr *Drainer) {
		if n > 0 {
			dr.batchSize = n
		}
	}
}

// WithIdleStop overrides how many consecutive empty ticks a room's loop
// rides out before parking itself (default 120).
func WithIdleStop(ticks int) DrainerOption {
	return func(dr *Drainer) {
		if ticks > 0 {
			dr.idleTicks = ticks
		}
	}
}

// WithDrainerMetrics attaches instrumentation.
func WithDrainerMetrics(m *metrics.Set) DrainerOption {
	return func(dr *Drainer) { dr.metrics = m }
}

// NewDrainer constructs a Drainer over the shared queue registry.
func NewDrainer(log *slog.Logger, queues *Set, writer Writer, opts ...DrainerOption) *Drainer {
	if log == nil {
		log = slog.Default()
	}
	d := &Drainer{
		log:       log,
		queues:    queues,
		writer:    writer,
		interval:  defaultDrainInterval,
		batchSize: defaultBatchSize,
		idleTicks: defaultIdleTicks,
		loops:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StartIfAbsent launches the drain loop for roomID unless one is already
// running. It reports whether this call started the loop.
func (d *Drainer) StartIfAbsent(ctx context.Context, roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.loops[roomID]; ok {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.loops[roomID] = cancel
	d.wg.Add(1)

	go d.drainLoop(loopCtx, roomID)

	d.log.Info("drain.start", "room", roomID, "interval", d.interval, "batch", d.batchSize)
	return true
}

// stop cancels roomID's drain loop. Idempotent.
func (d *Drainer) stop(roomID string) {
	d.mu.Lock()
	cancel, ok := d.loops[roomID]
	delete(d.loops, roomID)
	d.mu.Unlock()

	if ok {
		cancel()
	}
}

// StopAll cancels every loop and waits for them to exit.
func (d *Drainer) StopAll() {
	d.mu.Lock()
	for room, cancel := range d.loops {
		cancel()
		delete(d.loops, room)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Running reports whether a loop exists for roomID.
func (d *Drainer) Running(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.loops[roomID]
	return ok
}

func (d *Drainer) drainLoop(ctx context.Context, roomID string) {
	defer d.wg.Done()

	t := time.NewTicker(d.interval)
	defer t.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			// Final sweep so a graceful teardown does not strand messages.
			d.DrainOnce(context.WithoutCancel(ctx), roomID)
			d.log.Info("drain.stop", "room", roomID)
			return
		case <-t.C:
			d.DrainOnce(ctx, roomID)
			if d.queues.ForRoom(roomID).Len() > 0 {
				idle = 0
				continue
			}
			idle++
			if idle >= d.idleTicks {
				if d.stopIfIdle(roomID) {
					d.log.Info("drain.idle_stop", "room", roomID, "ticks", idle)
					return
				}
				idle = 0
			}
		}
	}
}

// stopIfIdle deregisters roomID's loop when its queue is still empty under
// the lock. Re-checking emptiness there closes the race with a concurrent
// enqueue: the sender's StartIfAbsent takes the same lock after the
// enqueue, so it either finds the loop alive or restarts it.
func (d *Drainer) stopIfIdle(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queues.ForRoom(roomID).Len() > 0 {
		return false
	}
	if cancel, ok := d.loops[roomID]; ok {
		delete(d.loops, roomID)
		cancel()
	}
	return true
}

// DrainOnce persists one bounded batch from the head of roomID's queue.
// On write failure the batch stays queued and is retried on the next tick;
// storage must tolerate the re-delivery.
func (d *Drainer) DrainOnce(ctx context.Context, roomID string) {
	q := d.queues.ForRoom(roomID)

	batch := q.Batch(d.batchSize)
	if len(batch) == 0 {
		d.metrics.SetQueueDepth(roomID, 0)
		return
	}

	if err := d.writer.SaveBatch(ctx, batch); err != nil {
		d.metrics.PersistFailed()
		d.log.Warn("drain.persist.fail", "room", roomID, "batch", len(batch), "err", err)
		return
	}

	// Remove exactly the persisted prefix; arrivals during the write stay.
	q.Discard(len(batch))
	d.metrics.Persisted(len(batch))
	d.metrics.SetQueueDepth(roomID, q.Len())
	d.log.Debug("drain.persisted", "room", roomID, "batch", len(batch), "depth", q.Len())
}
