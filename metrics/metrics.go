// Package metrics wraps a Prometheus registry with the counters and
// gauges the engine records into. It never starts an HTTP server itself
// — the process embedding the engine decides whether and how to expose
// /metrics, matching the engine's small, explicit surface principle.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the engine's Prometheus collectors.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	PeersKnown       prometheus.Gauge
	TransfersActive  *prometheus.GaugeVec
	TransferBytes    *prometheus.CounterVec
	TransferFailures prometheus.Counter
}

// NewRegistry constructs a fresh, isolated Prometheus registry (not the
// global default registerer) so multiple Engines in the same process, or
// in tests, never collide on metric names.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "etherlink_peers_known",
			Help: "Number of peers currently in the discovery peer table.",
		}),
		TransfersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etherlink_transfers_active",
			Help: "Number of transfers currently connecting, transferring, or paused.",
		}, []string{"direction"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etherlink_transfer_bytes_total",
			Help: "Total bytes transferred, by direction.",
		}, []string{"direction"}),
		TransferFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etherlink_transfer_failures_total",
			Help: "Total number of transfers that ended in failed status.",
		}),
	}

	reg.MustRegister(r.PeersKnown, r.TransfersActive, r.TransferBytes, r.TransferFailures)
	return r
}
