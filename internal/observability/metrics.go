package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/opsync/internal/protocol"
)

// Connection phase label values for the state gauge.
var connectionPhases = []string{"disconnected", "connecting", "connected", "reconnecting"}

// otherKind is the kind label for frames outside the client's own protocol.
const otherKind = "other"

// kindLabel bounds the kind label to the known frame kinds.
func kindLabel(kind string) string {
	switch kind {
	case protocol.KindPresenceUpdate, protocol.KindPresence, protocol.KindChatTyping, protocol.KindTyping:
		return kind
	}
	return otherKind
}

// Metrics collects sync client metrics.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// run without instrumentation.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.FrameSent("presence_update")
type Metrics struct {
	// FramesSent counts frames written to the socket.
	// Labels: kind (known kinds, or "other")
	FramesSent *prometheus.CounterVec

	// FramesReceived counts well-formed inbound frames.
	// Labels: kind (known kinds, or "other")
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts outbound frames that never reached the socket.
	// Labels: kind, reason (not_connected|encode_error|write_error)
	FramesDropped *prometheus.CounterVec

	// FramesMalformed counts inbound frames rejected by decoding or validation.
	FramesMalformed prometheus.Counter

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts prometheus.Counter

	// ReconnectExhausted counts times the reconnect budget ran out.
	ReconnectExhausted prometheus.Counter

	// ConnectionState is 1 for the current phase and 0 for the others.
	// Labels: phase
	ConnectionState *prometheus.GaugeVec

	// PresenceOnline is the number of peers currently reported online.
	PresenceOnline prometheus.Gauge

	// TypingAnnouncements counts local typing start/stop announcements.
	// Labels: is_typing (true|false)
	TypingAnnouncements *prometheus.CounterVec

	// TypingRemoteUsers is the number of peers typing per thread. A thread's
	// series is removed when its coordinator closes.
	// Labels: thread
	TypingRemoteUsers *prometheus.GaugeVec
}

// NewMetrics creates the sync client metrics and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsync_frames_sent_total",
				Help: "Total number of frames written to the sync socket by kind",
			},
			[]string{"kind"},
		),
		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsync_frames_received_total",
				Help: "Total number of inbound frames dispatched by kind",
			},
			[]string{"kind"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsync_frames_dropped_total",
				Help: "Total number of outbound frames dropped by kind and reason",
			},
			[]string{"kind", "reason"},
		),
		FramesMalformed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "opsync_frames_malformed_total",
				Help: "Total number of inbound frames rejected as malformed",
			},
		),
		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "opsync_reconnect_attempts_total",
				Help: "Total number of scheduled reconnect attempts",
			},
		),
		ReconnectExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "opsync_reconnect_exhausted_total",
				Help: "Total number of times reconnection gave up after the attempt limit",
			},
		),
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "opsync_connection_state",
				Help: "Current connection phase (1 for the active phase)",
			},
			[]string{"phase"},
		),
		PresenceOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "opsync_presence_online_peers",
				Help: "Number of peers currently reported online",
			},
		),
		TypingAnnouncements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsync_typing_announcements_total",
				Help: "Total number of local typing announcements by state",
			},
			[]string{"is_typing"},
		),
		TypingRemoteUsers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "opsync_typing_remote_users",
				Help: "Number of peers typing in a thread",
			},
			[]string{"thread"},
		),
	}
}

// FrameSent records an outbound frame.
func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kindLabel(kind)).Inc()
}

// FrameReceived records a dispatched inbound frame.
func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kindLabel(kind)).Inc()
}

// FrameDropped records an outbound frame that was not written.
func (m *Metrics) FrameDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(kindLabel(kind), reason).Inc()
}

// FrameMalformed records a rejected inbound frame.
func (m *Metrics) FrameMalformed() {
	if m == nil {
		return
	}
	m.FramesMalformed.Inc()
}

// ReconnectScheduled records a scheduled reconnect attempt.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// ReconnectGaveUp records an exhausted reconnect budget.
func (m *Metrics) ReconnectGaveUp() {
	if m == nil {
		return
	}
	m.ReconnectExhausted.Inc()
}

// SetConnectionPhase marks phase as the active connection phase.
func (m *Metrics) SetConnectionPhase(phase string) {
	if m == nil {
		return
	}
	for _, p := range connectionPhases {
		value := 0.0
		if p == phase {
			value = 1
		}
		m.ConnectionState.WithLabelValues(p).Set(value)
	}
}

// SetPresenceOnline records the number of online peers.
func (m *Metrics) SetPresenceOnline(n int) {
	if m == nil {
		return
	}
	m.PresenceOnline.Set(float64(n))
}

// TypingAnnounced records a local typing announcement.
func (m *Metrics) TypingAnnounced(isTyping bool) {
	if m == nil {
		return
	}
	label := "false"
	if isTyping {
		label = "true"
	}
	m.TypingAnnouncements.WithLabelValues(label).Inc()
}

// SetTypingRemoteUsers records how many peers are typing in thread.
func (m *Metrics) SetTypingRemoteUsers(thread string, n int) {
	if m == nil {
		return
	}
	m.TypingRemoteUsers.WithLabelValues(thread).Set(float64(n))
}

// DeleteTypingThread removes the remote typing series for thread.
func (m *Metrics) DeleteTypingThread(thread string) {
	if m == nil {
		return
	}
	m.TypingRemoteUsers.DeleteLabelValues(thread)
}
