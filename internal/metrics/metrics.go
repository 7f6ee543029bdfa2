// Package metrics exposes the Prometheus collectors for the tunnel
// data plane: active bridges, port-pool utilization, and per-protocol
// byte/frame counters. Handlers register these against an
// http.ServeMux the way the rest of the ecosystem expects a
// /metrics endpoint to work.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the tunnel package reports against.
// A nil *Metrics is valid and every method becomes a no-op, so
// callers that don't want instrumentation can simply omit it.
type Metrics struct {
	activeBridges *prometheus.GaugeVec
	portsInUse    prometheus.Gauge
	framesTotal   *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
}

// New builds a Metrics instance and registers its collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeBridges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tunneld",
			Subsystem: "tunnel",
			Name:      "active_bridges",
			Help:      "Number of currently open user-connection bridges, by protocol kind.",
		}, []string{"kind"}),
		portsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunneld",
			Subsystem: "tunnel",
			Name:      "ports_in_use",
			Help:      "Number of ports currently allocated out of the configured range.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunneld",
			Subsystem: "tunnel",
			Name:      "frames_total",
			Help:      "Control-channel frames processed, by protocol kind and direction.",
		}, []string{"kind", "direction"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunneld",
			Subsystem: "tunnel",
			Name:      "bytes_total",
			Help:      "Bytes relayed through tunnel bridges, by protocol kind and direction.",
		}, []string{"kind", "direction"}),
	}
	reg.MustRegister(m.activeBridges, m.portsInUse, m.framesTotal, m.bytesTotal)
	return m
}

func (m *Metrics) BridgeOpened(kind string) {
	if m == nil {
		return
	}
	m.activeBridges.WithLabelValues(kind).Inc()
}

func (m *Metrics) BridgeClosed(kind string) {
	if m == nil {
		return
	}
	m.activeBridges.WithLabelValues(kind).Dec()
}

func (m *Metrics) SetPortsInUse(n int) {
	if m == nil {
		return
	}
	m.portsInUse.Set(float64(n))
}

func (m *Metrics) Frame(kind, direction string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind, direction).Inc()
}

func (m *Metrics) Bytes(kind, direction string, n int) {
	if m == nil {
		return
	}
	m.bytesTotal.WithLabelValues(kind, direction).Add(float64(n))
}
