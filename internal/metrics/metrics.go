// Package metrics exposes the relay's Prometheus instrumentation: a
// connected-agent gauge, a pending-correlation gauge, and a slot-claim
// counter, registered on a dedicated registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics holds every collector the relay updates directly (as opposed to
// ones client_golang derives automatically, like process/go collectors).
type Metrics struct {
	registry *prometheus.Registry

	ConnectedAgents     prometheus.Gauge
	PendingCorrelations prometheus.Gauge
	ConnectedListeners  prometheus.Gauge
	SlotClaimsTotal     *prometheus.CounterVec
	RoutedRequestsTotal *prometheus.CounterVec
}

// New registers every collector on a fresh registry and returns the handle.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connected_agents",
			Help:      "Number of agent duplex sockets currently held open by this process.",
		}),
		PendingCorrelations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pending_correlations",
			Help:      "Number of in-flight request/response correlations awaiting a reply.",
		}),
		ConnectedListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connected_listeners",
			Help:      "Number of web listener sockets currently held open by this process.",
		}),
		SlotClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "slot_claims_total",
			Help:      "Slot claim attempts by outcome.",
		}, []string{"outcome"}),
		RoutedRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "routed_requests_total",
			Help:      "Routed agent requests by locality and outcome.",
		}, []string{"locality", "outcome"}),
	}

	reg.MustRegister(
		m.ConnectedAgents,
		m.PendingCorrelations,
		m.ConnectedListeners,
		m.SlotClaimsTotal,
		m.RoutedRequestsTotal,
	)
	return m
}

// Handler returns the http.Handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
