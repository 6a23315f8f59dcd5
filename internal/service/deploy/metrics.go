package deploy

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/bothost/internal/metrics"
)

type orchestratorMetrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	stepSeconds *prometheus.HistogramVec
	running     prometheus.Gauge
}

func newMetrics() orchestratorMetrics {
	return orchestratorMetrics{
		transitions: metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "deployment_transitions_total",
			Help:      "Deployment stage transitions by target stage.",
		}, []string{"stage"})),
		failures: metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "deployment_failures_total",
			Help:      "Deployments that ended in the error stage, by failing step.",
		}, []string{"step"})),
		stepSeconds: metrics.Register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "pipeline_step_duration_seconds",
			Help:      "Duration of deployment pipeline steps.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"step"})),
		running: metrics.Register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "deployments_running",
			Help:      "Hosted programs currently running.",
		})),
	}
}
