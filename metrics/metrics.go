// Package metrics provides optional Prometheus instrumentation for the
// session engine. A nil *SessionMetrics is always safe to pass around
// and costs nothing: instrumentation is opt-in via NewSessionMetrics,
// never mandatory.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics groups the counters/gauges the engine and sessions
// report against, when enabled.
type SessionMetrics struct {
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	SequenceGaps     prometheus.Counter
	Rejects          prometheus.Counter
	ActiveSessions   prometheus.Gauge
}

// NewSessionMetrics registers a SessionMetrics on reg and returns it.
// Pass a nil *SessionMetrics receiver (the zero value of this type is
// not meaningful; use (*SessionMetrics)(nil)) to every call site that
// accepts one when metrics are disabled — every method below is a
// nil-safe no-op.
func NewSessionMetrics(reg prometheus.Registerer, namespace string) *SessionMetrics {
	m := &SessionMetrics{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total",
			Help: "Total number of FIX sessions opened.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Total number of FIX sessions closed.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Total number of messages sent across all sessions.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Total number of messages received across all sessions.",
		}),
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sequence_gaps_total",
			Help: "Total number of inbound sequence gaps detected.",
		}),
		Rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejects_total",
			Help: "Total number of session-level Reject(3) messages emitted.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions",
			Help: "Current number of live FIX sessions.",
		}),
	}
	reg.MustRegister(
		m.SessionsOpened, m.SessionsClosed, m.MessagesSent,
		m.MessagesReceived, m.SequenceGaps, m.Rejects, m.ActiveSessions,
	)
	return m
}

func (m *SessionMetrics) sessionOpened() {
	if m != nil {
		m.SessionsOpened.Inc()
		m.ActiveSessions.Inc()
	}
}

func (m *SessionMetrics) sessionClosed() {
	if m != nil {
		m.SessionsClosed.Inc()
		m.ActiveSessions.Dec()
	}
}

func (m *SessionMetrics) sent()        { if m != nil { m.MessagesSent.Inc() } }
func (m *SessionMetrics) received()    { if m != nil { m.MessagesReceived.Inc() } }
func (m *SessionMetrics) sequenceGap() { if m != nil { m.SequenceGaps.Inc() } }
func (m *SessionMetrics) reject()      { if m != nil { m.Rejects.Inc() } }

// SessionOpened, SessionClosed, Sent, Received, SequenceGap, and Reject
// are the exported, nil-safe hooks the session package calls.
func (m *SessionMetrics) SessionOpened() { m.sessionOpened() }
func (m *SessionMetrics) SessionClosed() { m.sessionClosed() }
func (m *SessionMetrics) Sent()          { m.sent() }
func (m *SessionMetrics) Received()      { m.received() }
func (m *SessionMetrics) SequenceGap()   { m.sequenceGap() }
func (m *SessionMetrics) Reject()        { m.reject() }
