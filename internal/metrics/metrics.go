// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server collectors around one registry.
type Metrics struct {
	registry *prometheus.Registry

	FiresTotal        *prometheus.CounterVec
	RunsDispatched    *prometheus.CounterVec
	RunsFinished      *prometheus.CounterVec
	LeaseDenied       prometheus.Counter
	WorkerCallErrors  prometheus.Counter
	SweepRunsImported prometheus.Counter
	AnomaliesOpened   prometheus.Counter
	HeartbeatsTotal   prometheus.Counter
}

// New builds the metric set on a fresh registry, including the standard Go
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		FiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glare_policy_fires_total",
			Help: "Policy fires by final status.",
		}, []string{"status"}),
		RunsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glare_runs_dispatched_total",
			Help: "Per-worker runs dispatched, by mode.",
		}, []string{"mode"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glare_runs_finished_total",
			Help: "Per-worker runs reaching a terminal state, by status.",
		}, []string{"status"}),
		LeaseDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glare_lease_denied_total",
			Help: "Fires skipped because the run lease was held elsewhere.",
		}),
		WorkerCallErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glare_worker_call_errors_total",
			Help: "Worker HTTP calls that failed at the transport level.",
		}),
		SweepRunsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glare_sweep_runs_imported_total",
			Help: "Runs synthesized by the reconciliation sweeper.",
		}),
		AnomaliesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glare_size_anomalies_opened_total",
			Help: "Backup size anomalies opened.",
		}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glare_worker_heartbeats_total",
			Help: "Worker sync heartbeats received.",
		}),
	}

	registry.MustRegister(
		m.FiresTotal,
		m.RunsDispatched,
		m.RunsFinished,
		m.LeaseDenied,
		m.WorkerCallErrors,
		m.SweepRunsImported,
		m.AnomaliesOpened,
		m.HeartbeatsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
