package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the backend and the client.
type Metrics struct {
	CredentialRequests      *prometheus.CounterVec
	ProviderLatency         *prometheus.HistogramVec
	NegotiationAttempts     *prometheus.CounterVec
	ConversationTransitions *prometheus.CounterVec
	ActiveSessions          prometheus.Gauge
	TransportLosses         prometheus.Counter

	stages   *stageWindow
	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a private registry,
// which keeps tests and multiple instances in one process from colliding.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}
	f := promauto.With(reg)

	return &Metrics{
		CredentialRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Ephemeral credential requests by outcome.",
		}, []string{"outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Latency of calls to the speech provider in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}, []string{"call"}),
		NegotiationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_attempts_total",
			Help:      "Session negotiation attempts by outcome.",
		}, []string{"outcome"}),
		ConversationTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_transitions_total",
			Help:      "Conversation state transitions by target state.",
		}, []string{"state"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live realtime voice sessions.",
		}),
		TransportLosses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_losses_total",
			Help:      "Unexpected losses of an established session transport.",
		}),
		stages:   newStageWindow(256),
		gatherer: gatherer,
	}
}

func (m *Metrics) ObserveProviderLatency(call string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderLatency.WithLabelValues(call).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveCredentialRequest(outcome string) {
	if m == nil {
		return
	}
	m.CredentialRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveNegotiation(outcome string) {
	if m == nil {
		return
	}
	m.NegotiationAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.ConversationTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveTransportLoss() {
	if m == nil {
		return
	}
	m.TransportLosses.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ObserveStage records one negotiation step duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// ObserveIndicator counts a named negotiation event (superseded, rejected answer, ...).
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
