// Package metrics holds the Prometheus collectors for the bridge.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatbridge"

// Metrics exposes Prometheus collectors that report bridge activity.
type Metrics struct {
	gatherer prometheus.Gatherer

	messages      *prometheus.CounterVec
	handleSeconds *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	toolSeconds   *prometheus.HistogramVec
	providers     prometheus.Gauge
	inFlight      prometheus.Gauge
	segments      prometheus.Counter
}

// New builds collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return MustNewMetrics(reg, reg)
}

// MustNewMetrics registers the collectors with reg and panics on conflict.
// gatherer backs Handler; pass nil to serve the default gatherer.
func MustNewMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	m := &Metrics{
		gatherer: gatherer,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "messages_total",
			Help:      "Inbound posts by outcome (ignored, command, agent, error).",
		}, []string{"outcome"}),
		handleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one inbound post.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"branch"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by provider and status.",
		}, []string{"provider", "status"}),
		toolSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		providers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "providers_connected",
			Help:      "Number of connected MCP servers.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "threads_in_flight",
			Help:      "Threads currently being handled.",
		}),
		segments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "segments_sent_total",
			Help:      "Chat messages posted by the bridge.",
		}),
	}

	reg.MustRegister(m.messages, m.handleSeconds, m.toolCalls, m.toolSeconds, m.providers, m.inFlight, m.segments)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncMessage(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHandle(branch string, d time.Duration) {
	if m == nil {
		return
	}
	m.handleSeconds.WithLabelValues(branch).Observe(d.Seconds())
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(provider string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.toolCalls.WithLabelValues(provider, status).Inc()
	m.toolSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) SetProviders(n int) {
	if m == nil {
		return
	}
	m.providers.Set(float64(n))
}

func (m *Metrics) AddInFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}

func (m *Metrics) IncSegments(n int) {
	if m == nil {
		return
	}
	m.segments.Add(float64(n))
}
