// Package metrics exports the Prometheus instrumentation for the chat
// fabric and the dispute pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentchat/server/internal/hooks"
)

// Metrics holds every Prometheus collector the server updates.
type Metrics struct {
	// Connection metrics
	SessionsActive   prometheus.Gauge
	ConnectionsTotal *prometheus.CounterVec

	// Frame metrics
	FramesTotal *prometheus.CounterVec
	FrameBytes  *prometheus.HistogramVec

	// Throttling and protocol errors
	RateLimited *prometheus.CounterVec
	ErrorsTotal *prometheus.CounterVec

	// Economy metrics
	ProposalsTotal *prometheus.CounterVec
	DisputesTotal  *prometheus.CounterVec
	PhaseSeconds   *prometheus.HistogramVec
	AgentRating    *prometheus.GaugeVec

	// Hook fan-out
	EventsTotal *prometheus.CounterVec
}

// NewMetrics registers all collectors on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on an explicit registry, which tests use to
// avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentchat_sessions_active",
				Help: "Currently connected WebSocket sessions",
			},
		),

		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_connections_total",
				Help: "Connection lifecycle outcomes",
			},
			[]string{"outcome"}, // outcome: accepted, displaced, dead, closed
		),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_frames_total",
				Help: "Protocol frames by type and direction",
			},
			[]string{"type", "direction"}, // direction: in, out
		),

		FrameBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentchat_frame_bytes",
				Help:    "Frame payload sizes",
				Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 524288},
			},
			[]string{"direction"},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_rate_limited_total",
				Help: "Frames rejected by throttles",
			},
			[]string{"scope"}, // scope: op, global, duplicate
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_protocol_errors_total",
				Help: "ERROR frames sent, by code",
			},
			[]string{"code"},
		),

		ProposalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_proposals_total",
				Help: "Proposal state transitions",
			},
			[]string{"status"}, // status: pending, accepted, rejected, completed, disputed, expired
		),

		DisputesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_disputes_total",
				Help: "Dispute terminal outcomes",
			},
			[]string{"outcome"}, // outcome: disputant, respondent, split, fallback
		),

		PhaseSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentchat_dispute_phase_seconds",
				Help:    "Time spent in each dispute phase",
				Buckets: []float64{1, 5, 15, 60, 300, 600, 1800, 3600},
			},
			[]string{"phase"},
		),

		AgentRating: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentchat_agent_rating",
				Help: "Current reputation rating per agent",
			},
			[]string{"agent_id"},
		),

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_hook_events_total",
				Help: "Lifecycle events emitted to hook sinks",
			},
			[]string{"event"},
		),
	}
}

// RecordConnection records a lifecycle outcome and keeps the active gauge
// in step for accepted and closed outcomes.
func (m *Metrics) RecordConnection(outcome string) {
	m.ConnectionsTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case "accepted":
		m.SessionsActive.Inc()
	case "closed", "displaced", "dead":
		m.SessionsActive.Dec()
	}
}

// RecordInbound counts a parsed client frame.
func (m *Metrics) RecordInbound(frameType string, bytes int) {
	m.FramesTotal.WithLabelValues(frameType, "in").Inc()
	m.FrameBytes.WithLabelValues("in").Observe(float64(bytes))
}

// RecordOutbound counts a delivered server frame.
func (m *Metrics) RecordOutbound(frameType string, bytes int) {
	m.FramesTotal.WithLabelValues(frameType, "out").Inc()
	m.FrameBytes.WithLabelValues("out").Observe(float64(bytes))
}

// RecordFanOut counts one frame delivered to count recipients.
func (m *Metrics) RecordFanOut(frameType string, bytes, count int) {
	if count <= 0 {
		return
	}
	m.FramesTotal.WithLabelValues(frameType, "out").Add(float64(count))
	for i := 0; i < count; i++ {
		m.FrameBytes.WithLabelValues("out").Observe(float64(bytes))
	}
}

// RecordRateLimited counts a throttle rejection.
func (m *Metrics) RecordRateLimited(scope string) {
	m.RateLimited.WithLabelValues(scope).Inc()
}

// RecordProtocolError counts an ERROR frame by its code.
func (m *Metrics) RecordProtocolError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordProposal counts a proposal entering the given status.
func (m *Metrics) RecordProposal(status string) {
	m.ProposalsTotal.WithLabelValues(status).Inc()
}

// RecordDisputeOutcome counts a terminal dispute.
func (m *Metrics) RecordDisputeOutcome(outcome string) {
	m.DisputesTotal.WithLabelValues(outcome).Inc()
}

// RecordPhaseDuration observes how long a dispute sat in a phase.
func (m *Metrics) RecordPhaseDuration(phase string, seconds float64) {
	m.PhaseSeconds.WithLabelValues(phase).Observe(seconds)
}

// SetAgentRating mirrors the ledger into a gauge.
func (m *Metrics) SetAgentRating(agentID string, rating int) {
	m.AgentRating.WithLabelValues(agentID).Set(float64(rating))
}

// EventSink adapts the metrics into a hook emitter so every lifecycle
// event is counted alongside the real sinks.
func (m *Metrics) EventSink() hooks.Emitter {
	return &eventSink{m: m}
}

type eventSink struct {
	m *Metrics
}

func (s *eventSink) Emit(event hooks.Event, _ map[string]interface{}) {
	s.m.EventsTotal.WithLabelValues(string(event)).Inc()
}

func (s *eventSink) Shutdown() {}
