package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type serverMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	streams  *prometheus.GaugeVec
	webhooks *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqsync",
			Subsystem: "gateway",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reqsync",
			Subsystem: "gateway",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reqsync",
			Subsystem: "gateway",
			Name:      "open_streams",
			Help:      "Live streams by transport.",
		}, []string{"transport"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqsync",
			Subsystem: "gateway",
			Name:      "webhook_deliveries_total",
			Help:      "Outbound webhook deliveries by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.latency, m.streams, m.webhooks,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *serverMetrics) request(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (m *serverMetrics) streamOpened(transport string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(transport).Inc()
}

func (m *serverMetrics) streamClosed(transport string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(transport).Dec()
}

func (m *serverMetrics) webhook(result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}
