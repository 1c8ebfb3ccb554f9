package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks engine activity. All record helpers tolerate a nil
// receiver so components can be wired without observability.
type Metrics struct {
	eventsTotal   *prometheus.CounterVec
	statusTotal   *prometheus.CounterVec
	eventFailures *prometheus.CounterVec
	outboundTotal *prometheus.CounterVec
	dropped       prometheus.Counter
	relationships *prometheus.GaugeVec
	sessions      *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
}

// NewMetrics registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privitty_events_total",
			Help: "Events pulled through the ingest loop, by kind.",
		}, []string{"kind"}),
		statusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privitty_statuses_total",
			Help: "Vault status reports processed, by status.",
		}, []string{"status"}),
		eventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privitty_event_failures_total",
			Help: "Events abandoned without a state transition, by reason.",
		}, []string{"reason"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privitty_outbound_messages_total",
			Help: "Control messages composed for the transport, by action.",
		}, []string{"action"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privitty_events_dropped_total",
			Help: "Events rejected because the ingest queue was full.",
		}),
		relationships: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "privitty_relationships",
			Help: "Peer relationships by trust state.",
		}, []string{"state"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "privitty_sessions",
			Help: "File access sessions by state.",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "privitty_ingest_queue_depth",
			Help: "Events waiting in the ingest queue.",
		}),
	}

	reg.MustRegister(
		m.eventsTotal,
		m.statusTotal,
		m.eventFailures,
		m.outboundTotal,
		m.dropped,
		m.relationships,
		m.sessions,
		m.queueDepth,
	)
	return m
}

func (m *Metrics) recordEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordStatus(status string) {
	if m == nil {
		return
	}
	m.statusTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) recordFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.eventFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordOutbound(action string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) recordDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) setRelationships(byState map[string]int) {
	if m == nil {
		return
	}
	m.relationships.Reset()
	for state, n := range byState {
		m.relationships.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) setSessions(byState map[string]int) {
	if m == nil {
		return
	}
	m.sessions.Reset()
	for state, n := range byState {
		m.sessions.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
