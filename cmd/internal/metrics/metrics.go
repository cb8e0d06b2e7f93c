// Package metrics defines the Prometheus instrumentation used across the
// session layer. A Set is constructed against an explicit registry and
// injected; tests build one per run to avoid cross-test leakage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the session layer emits.
// A nil *Set is valid and records nothing.
type Set struct {
	SessionsConnected *prometheus.GaugeVec
	EventsPublished   *prometheus.CounterVec
	MessagesEnqueued  prometheus.Counter
	MessagesPersisted prometheus.Counter
	PersistFailures   prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
	ReaperEvictions   *prometheus.CounterVec
	ReaperRuns        prometheus.Counter
}

// New constructs and registers all collectors on reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		SessionsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_sessions_connected",
			Help: "Currently connected websocket sessions.",
		}, []string{"kind"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_events_published_total",
			Help: "Events published to the broadcast bus.",
		}, []string{"event"}),
		MessagesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_enqueued_total",
			Help: "Chat messages appended to room queues.",
		}),
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_persisted_total",
			Help: "Chat messages written to durable storage.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_persist_failures_total",
			Help: "Failed batch persistence attempts (retried next tick).",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Not-yet-persisted messages per room queue.",
		}, []string{"room"}),
		ReaperEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_reaper_evictions_total",
			Help: "Presence entries expired by the reaper.",
		}, []string{"scope"}),
		ReaperRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_reaper_runs_total",
			Help: "Completed reaper scans.",
		}),
	}

	reg.MustRegister(
		s.SessionsConnected,
		s.EventsPublished,
		s.MessagesEnqueued,
		s.MessagesPersisted,
		s.PersistFailures,
		s.QueueDepth,
		s.ReaperEvictions,
		s.ReaperRuns,
	)
	return s
}

// SessionUp bumps the connected-session gauge for kind ("room" or "global").
func (s *Set) SessionUp(kind string) {
	if s == nil {
		return
	}
	s.SessionsConnected.WithLabelValues(kind).Inc()
}

// SessionDown decrements the connected-session gauge.
func (s *Set) SessionDown(kind string) {
	if s == nil {
		return
	}
	s.SessionsConnected.WithLabelValues(kind).Dec()
}

// EventPublished counts one bus publish.
func (s *Set) EventPublished(event string) {
	if s == nil {
		return
	}
	s.EventsPublished.WithLabelValues(event).Inc()
}

// Enqueued counts one queued message.
func (s *Set) Enqueued() {
	if s == nil {
		return
	}
	s.MessagesEnqueued.Inc()
}

// Persisted counts n durably written messages.
func (s *Set) Persisted(n int) {
	if s == nil {
		return
	}
	s.MessagesPersisted.Add(float64(n))
}

// PersistFailed counts one failed batch write.
func (s *Set) PersistFailed() {
	if s == nil {
		return
	}
	s.PersistFailures.Inc()
}

// SetQueueDepth records the current depth of a room queue.
func (s *Set) SetQueueDepth(room string, depth int) {
	if s == nil {
		return
	}
	s.QueueDepth.WithLabelValues(room).Set(float64(depth))
}

// Evicted counts n reaper evictions in scope ("room" or "global").
func (s *Set) Evicted(scope string, n int) {
	if s == nil || n == 0 {
		return
	}
	s.ReaperEvictions.WithLabelValues(scope).Add(float64(n))
}

// ReaperRan counts one completed reaper scan.
func (s *Set) ReaperRan() {
	if s == nil {
		return
	}
	s.ReaperRuns.Inc()
}
