// Package metrics exposes prometheus instrumentation for the supervisor:
// respawn counts by reason, RPC traffic by method, and the current worker
// generation. All methods are nil-receiver safe so instrumentation stays
// optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor metric set behind its own registry.
type Metrics struct {
	registry *prometheus.Registry

	respawns    *prometheus.CounterVec
	rpcCalls    *prometheus.CounterVec
	rpcFailures *prometheus.CounterVec
	generation  prometheus.Gauge
	workerUp    prometheus.Gauge
}

// New creates the metric set and registers it together with the standard
// process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		respawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewhost_respawns_total",
			Help: "Worker respawns by reason (crash or explicit).",
		}, []string{"reason"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewhost_rpc_requests_total",
			Help: "RPC requests sent to the worker by method.",
		}, []string{"method"}),
		rpcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewhost_rpc_failures_total",
			Help: "RPC requests that failed with a disconnect by method.",
		}, []string{"method"}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewhost_worker_generation",
			Help: "Current worker generation number.",
		}),
		workerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewhost_worker_up",
			Help: "1 while the worker is connected, 0 otherwise.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.respawns,
		m.rpcCalls,
		m.rpcFailures,
		m.generation,
		m.workerUp,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Respawn records one respawn with its reason.
func (m *Metrics) Respawn(reason string) {
	if m == nil {
		return
	}
	m.respawns.WithLabelValues(reason).Inc()
}

// RPCCall records one request sent.
func (m *Metrics) RPCCall(method string) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(method).Inc()
}

// RPCFailure records one request lost to a disconnect.
func (m *Metrics) RPCFailure(method string) {
	if m == nil {
		return
	}
	m.rpcFailures.WithLabelValues(method).Inc()
}

// SetGeneration records the current generation.
func (m *Metrics) SetGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.generation.Set(float64(gen))
}

// SetWorkerUp records whether the worker is currently connected.
func (m *Metrics) SetWorkerUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.workerUp.Set(1)
	} else {
		m.workerUp.Set(0)
	}
}
