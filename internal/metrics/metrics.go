// Package metrics holds the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors the engine updates.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	Running        prometheus.Gauge
	RestartsTotal  *prometheus.CounterVec
	ScheduleErrors prometheus.Gauge
	Commands       prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg creates a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickrun_runs_total",
				Help: "Total number of finished command runs.",
			},
			[]string{"command", "status", "trigger"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickrun_run_duration_seconds",
				Help:    "Wall time of finished command runs.",
				Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
			},
			[]string{"command"},
		),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickrun_running_commands",
			Help: "Number of commands currently executing.",
		}),
		RestartsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickrun_restarts_total",
				Help: "Total number of restarts queued by the restart policy.",
			},
			[]string{"command"},
		),
		ScheduleErrors: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickrun_schedule_errors",
			Help: "Number of commands held disabled by an invalid schedule or definition.",
		}),
		Commands: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickrun_commands",
			Help: "Number of configured commands.",
		}),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickrun_http_requests_total",
				Help: "Total number of API requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickrun_http_request_duration_seconds",
				Help:    "API request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Forget drops the per-command series of a deleted command.
func (m *Metrics) Forget(name string) {
	m.RunsTotal.DeletePartialMatch(prometheus.Labels{"command": name})
	m.RunDuration.DeletePartialMatch(prometheus.Labels{"command": name})
	m.RestartsTotal.DeletePartialMatch(prometheus.Labels{"command": name})
}
