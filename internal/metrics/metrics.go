// Package metrics provides Prometheus metrics for meshwire.
//
// All recording methods are safe on a nil *Metrics, which disables them;
// callers never need to guard.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "meshwire"

// Metrics holds all Prometheus metrics for the protocol engine.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	pendingRequests prometheus.Gauge
	eventsTotal     prometheus.Counter
	sessionUp       prometheus.Gauge
	tunnelsTotal    *prometheus.CounterVec
	liveTunnels     prometheus.Gauge
	transferBytes   *prometheus.CounterVec
	transfersTotal  *prometheus.CounterVec
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total correlated and unnamespaced requests, by outcome.",
		}, []string{"outcome"}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Correlated requests currently awaiting a server reply.",
		}),

		eventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_events_total",
			Help:      "Total unsolicited server pushes broadcast on the event bus.",
		}),

		sessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_up",
			Help:      "Whether the primary connection is live (1) or not (0).",
		}),

		tunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_total",
			Help:      "Total relay tunnel handshakes, by protocol selector and outcome.",
		}, []string{"protocol", "outcome"}),

		liveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_tunnels",
			Help:      "Relay tunnels currently open.",
		}),

		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total file-transfer payload bytes, by direction.",
		}, []string{"direction"}),

		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total file sub-protocol requests, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.pendingRequests,
		m.eventsTotal,
		m.sessionUp,
		m.tunnelsTotal,
		m.liveTunnels,
		m.transferBytes,
		m.transfersTotal,
	)

	return m
}

// Request records the outcome of a correlated or unnamespaced request:
// ok, error, timeout, cancelled, or write_error.
func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
}

// SetPendingRequests sets the pending-request gauge.
func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// ServerEvent counts an unsolicited push broadcast on the event bus.
func (m *Metrics) ServerEvent() {
	if m == nil {
		return
	}
	m.eventsTotal.Inc()
}

// SessionUp sets the primary connection gauge.
func (m *Metrics) SessionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.sessionUp.Set(1)
	} else {
		m.sessionUp.Set(0)
	}
}

// Tunnel records a tunnel handshake outcome: open, cookie_failed,
// prepare_failed, or dial_failed.
func (m *Metrics) Tunnel(protocol int, outcome string) {
	if m == nil {
		return
	}
	m.tunnelsTotal.WithLabelValues(strconv.Itoa(protocol), outcome).Inc()
}

// LiveTunnels adjusts the open-tunnel gauge by delta.
func (m *Metrics) LiveTunnels(delta int) {
	if m == nil {
		return
	}
	m.liveTunnels.Add(float64(delta))
}

// TransferBytes counts file-transfer payload bytes in the given
// direction ("up" or "down").
func (m *Metrics) TransferBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// Transfer records a file sub-protocol request outcome.
func (m *Metrics) Transfer(kind, outcome string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(kind, outcome).Inc()
}
