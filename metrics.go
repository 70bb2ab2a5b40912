package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ensureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_supervisor_ensure_total",
			Help: "Total EnsureGateway outcomes by result (reused, launched, failed).",
		},
		[]string{"outcome"},
	)
	ensureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_supervisor_ensure_duration_seconds",
			Help:    "Time spent in EnsureGateway.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
	probeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_supervisor_probe_total",
			Help: "Liveness probe verdicts by phase.",
		},
		[]string{"phase", "reachable"},
	)
	zombieCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_supervisor_zombie_reclaims_total",
			Help: "Total number of unreachable gateway candidates that were killed.",
		},
	)
	killCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_supervisor_process_kills_total",
			Help: "Process kill attempts by result.",
		},
		[]string{"result"},
	)
	secretWriteCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_supervisor_secret_writes_total",
			Help: "Secret materialization writes by target and result.",
		},
		[]string{"target", "result"},
	)
	mountCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_supervisor_mount_total",
			Help: "Storage mount checks by result.",
		},
		[]string{"result"},
	)
	uptimeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_supervisor_uptime_seconds",
			Help: "Supervisor uptime in seconds.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ensureCounter,
		ensureDuration,
		probeCounter,
		zombieCounter,
		killCounter,
		secretWriteCounter,
		mountCounter,
		uptimeGauge,
	)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
