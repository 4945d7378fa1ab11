package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway exposes on /metrics.
// A fresh instance carries its own registry so tests can construct
// and dispose of independent sets.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	UpstreamLatency     prometheus.Histogram
	QueueSize           prometheus.Gauge
	ToolCalls           *prometheus.CounterVec
	InvalidContinuation prometheus.Counter
	SyncPushes          *prometheus.CounterVec
	DecryptionFailures  prometheus.Counter
	ConversationsLoaded prometheus.Gauge
	Evictions           *prometheus.CounterVec
}

// New creates and registers all gateway collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumo_requests_total",
			Help: "Requests processed, by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lumo_upstream_latency_seconds",
			Help:    "Time from upstream submit to terminal event.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lumo_request_queue_size",
			Help: "Tasks waiting in or running through the single-flight queue.",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumo_tool_calls_total",
			Help: "Tool calls detected in model output, by validity.",
		}, []string{"status"}),
		InvalidContinuation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lumo_invalid_continuation_total",
			Help: "Inbound histories whose prefix did not match the stored conversation.",
		}),
		SyncPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumo_sync_push_total",
			Help: "Sync push passes, by outcome.",
		}, []string{"status"}),
		DecryptionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lumo_decryption_failures_total",
			Help: "Entities that failed AEAD decryption during sync.",
		}),
		ConversationsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lumo_conversations_resident",
			Help: "Conversations currently resident in the store.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumo_store_evictions_total",
			Help: "Conversations evicted from the store, by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.UpstreamLatency,
		m.QueueSize,
		m.ToolCalls,
		m.InvalidContinuation,
		m.SyncPushes,
		m.DecryptionFailures,
		m.ConversationsLoaded,
		m.Evictions,
	)

	return m
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
