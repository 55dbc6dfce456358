// Package metrics exposes agent counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one agent. Each agent owns its registry
// so several agents can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	Peers           prometheus.Gauge
	Jitter          prometheus.Gauge
}

// New creates and registers the agent collectors. Process and Go runtime
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "frames_received_total",
			Help:      "Frames admitted from the discovery channel, by message type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "frames_dropped_total",
			Help:      "Frames discarded by the message loop, by reason.",
		}, []string{"reason"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "frames_sent_total",
			Help:      "Frames published, by message type.",
		}, []string{"type"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "requests_total",
			Help:      "Requests served, by result.",
		}, []string{"result"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agent",
			Name:      "request_duration_seconds",
			Help:      "Time spent in request handlers.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent",
			Name:      "peers",
			Help:      "Agents currently in the peer registry.",
		}),
		Jitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent",
			Name:      "heartbeat_jitter_seconds",
			Help:      "Deviation of the last heartbeat cycle from its period.",
		}),
	}

	reg.MustRegister(
		m.FramesReceived,
		m.FramesDropped,
		m.FramesSent,
		m.Requests,
		m.RequestDuration,
		m.Peers,
		m.Jitter,
	)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
