// Package telemetry exposes Prometheus metrics for the coordination layer.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandbar",
		Name:      "protocol_requests_total",
		Help:      "Protocol requests by kind and terminal status.",
	}, []string{"kind", "status"})

	metricPendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sandbar",
		Name:      "pending_requests",
		Help:      "Requests currently pending in the shared document.",
	})

	metricRunningApps = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sandbar",
		Name:      "apps_running",
		Help:      "App instances with a live rendering process.",
	})

	metricInferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sandbar",
		Name:      "inference_duration_seconds",
		Help:      "Wall time of external model calls.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	metricAgentTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandbar",
		Name:      "agent_turns_total",
		Help:      "Agent turns by outcome.",
	}, []string{"outcome"})
)

// ObserveRequest records a protocol request reaching a terminal status.
func ObserveRequest(kind, status string) {
	metricRequests.WithLabelValues(kind, status).Inc()
}

// SetPendingRequests updates the pending-request gauge.
func SetPendingRequests(n int) {
	metricPendingRequests.Set(float64(n))
}

// SetRunningApps updates the running-app gauge.
func SetRunningApps(n int) {
	metricRunningApps.Set(float64(n))
}

// ObserveInference records the duration of one external model call.
func ObserveInference(d time.Duration) {
	metricInferenceDuration.Observe(d.Seconds())
}

// ObserveAgentTurn records an agent turn outcome (answer, launch, error).
func ObserveAgentTurn(outcome string) {
	metricAgentTurns.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
