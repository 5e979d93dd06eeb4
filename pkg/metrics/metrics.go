package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Health metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_health_checks_total",
			Help: "Total number of health probes by service and result",
		},
		[]string{"service", "result"},
	)

	ServiceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagehand_service_healthy",
			Help: "Whether a service is currently healthy (1) or not (0)",
		},
		[]string{"service"},
	)

	// Orchestration metrics
	ServiceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_service_transitions_total",
			Help: "Total number of plan node state transitions by service and state",
		},
		[]string{"service", "state"},
	)

	StartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stagehand_startup_duration_seconds",
			Help:    "Time taken for the whole plan to reach Ready in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Ingress metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_ingress_requests_total",
			Help: "Total number of ingress requests by target and status",
		},
		[]string{"target", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagehand_ingress_request_duration_seconds",
			Help:    "Ingress request duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"target"},
	)

	TraversalRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_ingress_traversal_rejected_total",
			Help: "Total number of file requests rejected by the traversal guard",
		},
	)

	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_ingress_upstream_retries_total",
			Help: "Total number of proxy requests retried after connection refused",
		},
	)

	// Supervisor metrics
	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_worker_restarts_total",
			Help: "Total number of worker process restarts",
		},
	)
)

func init() {
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(ServiceHealthy)
	prometheus.MustRegister(ServiceTransitionsTotal)
	prometheus.MustRegister(StartupDuration)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(TraversalRejectedTotal)
	prometheus.MustRegister(UpstreamRetriesTotal)
	prometheus.MustRegister(WorkerRestartsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
