// Package metrics holds the Prometheus collectors of the chat client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatclient"

// Metrics is a set of collectors registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connected       prometheus.Gauge
	dials           prometheus.Counter
	dialFailures    prometheus.Counter
	disconnects     prometheus.Counter
	reconnects      prometheus.Counter
	framesIn        *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	sendsDropped    *prometheus.CounterVec
	framesDiscarded prometheus.Counter
	historyFetches  *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the chat connection is open.",
		}),
		dials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Connection attempts started.",
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Connection attempts that failed before opening.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Open connections that were lost.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect timers that fired.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames dispatched, by type.",
		}, []string{"type"}),
		framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames written, by type.",
		}, []string{"type"}),
		sendsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_dropped_total",
			Help:      "Outbound frames dropped while disconnected, by type.",
		}, []string{"type"}),
		framesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		historyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetches_total",
			Help:      "REST history page fetches, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.connected,
		m.dials,
		m.dialFailures,
		m.disconnects,
		m.reconnects,
		m.framesIn,
		m.framesOut,
		m.sendsDropped,
		m.framesDiscarded,
		m.historyFetches,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DialStarted() {
	if m != nil {
		m.dials.Inc()
	}
}

func (m *Metrics) DialFailed() {
	if m != nil {
		m.dialFailures.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connected.Set(1)
	}
}

func (m *Metrics) ConnectionLost() {
	if m != nil {
		m.connected.Set(0)
		m.disconnects.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connected.Set(0)
	}
}

func (m *Metrics) ReconnectFired() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) FrameReceived(frameType string) {
	if m != nil {
		m.framesIn.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) FrameSent(frameType string) {
	if m != nil {
		m.framesOut.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) SendDropped(frameType string) {
	if m != nil {
		m.sendsDropped.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) FrameDiscarded() {
	if m != nil {
		m.framesDiscarded.Inc()
	}
}

func (m *Metrics) HistoryFetched(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.historyFetches.WithLabelValues(result).Inc()
}
