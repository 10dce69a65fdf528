package reqsync

import "github.com/prometheus/client_golang/prometheus"

const (
	inboundAppended  = "appended"
	inboundDuplicate = "duplicate"
	inboundDropped   = "dropped"

	sendCommitted      = "committed"
	sendRolledBack     = "rolled_back"
	sendUnauthorized   = "unauthorized"
	sendAttachmentFail = "attachment_failed"
)

// Metrics holds the SDK's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	reconnects    prometheus.Counter
	inboundEvents *prometheus.CounterVec
	sends         *prometheus.CounterVec
	unread        prometheus.Gauge
	conversations prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqsync",
			Subsystem: "client",
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reqsync",
			Subsystem: "client",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnection attempts scheduled after a subscription failure.",
		}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqsync",
			Subsystem: "client",
			Name:      "inbound_events_total",
			Help:      "Live events by outcome (appended, duplicate, dropped).",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqsync",
			Subsystem: "client",
			Name:      "sends_total",
			Help:      "Send attempts by outcome.",
		}, []string{"outcome"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reqsync",
			Subsystem: "client",
			Name:      "unread_messages",
			Help:      "Sum of the unread ledger.",
		}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reqsync",
			Subsystem: "client",
			Name:      "open_conversations",
			Help:      "Conversations currently held by the hub.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.reconnects, m.inboundEvents, m.sends, m.unread, m.conversations)
	}
	return m
}

func (m *Metrics) transition(s ConnState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) inbound(result string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setUnread(total int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(total))
}

func (m *Metrics) setConversations(n int) {
	if m == nil {
		return
	}
	m.conversations.Set(float64(n))
}
