package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive         prometheus.Gauge
	SessionsTotal          prometheus.Counter
	SessionsDestroyedTotal prometheus.Counter

	// Channel metrics
	ChannelsActive  prometheus.Gauge
	ChannelsTotal   prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Binding metrics
	InjectionsTotal  *prometheus.CounterVec
	MatchesTotal     *prometheus.CounterVec
	AttachmentsTotal *prometheus.CounterVec

	// Context-side metrics
	ProbesTotal    *prometheus.CounterVec
	TeardownsTotal prometheus.Counter

	// Gateway metrics
	ConnectionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "frameloader_sessions_active",
				Help: "Number of sessions currently held by the registry",
			},
		),
		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frameloader_sessions_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsDestroyedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frameloader_sessions_destroyed_total",
				Help: "Total number of sessions destroyed",
			},
		),

		ChannelsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "frameloader_channels_active",
				Help: "Number of live session channels",
			},
		),
		ChannelsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frameloader_channels_total",
				Help: "Total number of session channels established",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frameloader_requests_total",
				Help: "Total number of requests sent to sessions",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frameloader_request_duration_seconds",
				Help:    "Round trip time of requests sent to sessions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		InjectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frameloader_injections_total",
				Help: "Total number of resource injections by result",
			},
			[]string{"status"},
		),
		MatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frameloader_binding_matches_total",
				Help: "Total number of binding matches",
			},
			[]string{"binding"},
		),
		AttachmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frameloader_attachments_total",
				Help: "Total number of completed binding attachments by result",
			},
			[]string{"binding", "status"},
		),

		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frameloader_unload_probes_total",
				Help: "Total number of unload probes by result",
			},
			[]string{"result"},
		),
		TeardownsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "frameloader_context_teardowns_total",
				Help: "Total number of context-side teardowns",
			},
		),

		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frameloader_gateway_connections_total",
				Help: "Total number of gateway connection attempts by result",
			},
			[]string{"status"},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionsDestroyedTotal,
		m.ChannelsActive,
		m.ChannelsTotal,
		m.RequestsTotal,
		m.RequestDuration,
		m.InjectionsTotal,
		m.MatchesTotal,
		m.AttachmentsTotal,
		m.ProbesTotal,
		m.TeardownsTotal,
		m.ConnectionsTotal,
	)
}

// Status returns the status label for an operation result.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
