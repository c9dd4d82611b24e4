// Package metrics exposes Prometheus counters for protocol-engine events,
// mirroring DiameterPrometheusMetrics (core/prometheus_counters.go),
// narrowed from per-message AVP-labeled counters to a single event-name
// CounterVec since this engine's Recorder.Inc(event) interface carries no
// message context by design (see DESIGN.md).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is a Prometheus-backed peer.Recorder: every HandleMessage-side
// effect (CER accepted, election lost, loop detected, ...) increments one
// label of a single CounterVec, plus a connection-state gauge the
// controller updates directly.
type Registry struct {
	Events      *prometheus.CounterVec
	Connections *prometheus.GaugeVec
}

// New builds a Registry and registers its collectors against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diameternode_events_total",
				Help: "Count of protocol engine events by kind",
			},
			[]string{"event"}),

		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "diameternode_connections",
				Help: "Current connection count by state",
			},
			[]string{"state"}),
	}

	reg.MustRegister(m.Events)
	reg.MustRegister(m.Connections)

	return m
}

// Inc implements peer.Recorder.
func (m *Registry) Inc(event string) {
	m.Events.With(prometheus.Labels{"event": event}).Inc()
}

// SetConnectionCount reports the current number of connections in state,
// called by the controller's watchdog sweep.
func (m *Registry) SetConnectionCount(state string, n int) {
	m.Connections.With(prometheus.Labels{"state": state}).Set(float64(n))
}
