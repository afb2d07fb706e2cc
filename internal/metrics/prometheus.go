// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeAcquired = "acquired"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
	OutcomeReleased = "released"
	OutcomeNoop     = "noop"
	OutcomeLost     = "lost"
)

var (
	// LockAcquisitions tracks acquisition attempts by outcome.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquisitions_total",
			Help: "Total lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LockAcquireDuration tracks how long acquisitions block.
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_acquire_duration_seconds",
			Help:    "Lock acquisition duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// LocksHeld tracks handles currently in the acquired state.
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locks_held",
			Help: "Current number of acquired lock handles",
		},
	)

	// LockReleases tracks release calls by outcome.
	LockReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_releases_total",
			Help: "Total lock release calls by outcome",
		},
		[]string{"outcome"},
	)

	// LocksLost tracks handles invalidated by a connection-state change.
	LocksLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "locks_lost_total",
			Help: "Total lock handles lost to session suspension or loss",
		},
	)

	// ConnectionStateChanges tracks published connection states.
	ConnectionStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordination_connection_state_changes_total",
			Help: "Total coordination session state changes by state",
		},
		[]string{"state"},
	)

	// LeadershipTransitions tracks leader election transitions.
	LeadershipTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadership_transitions_total",
			Help: "Total leadership transitions by direction",
		},
		[]string{"direction"},
	)
)

// DefaultPath is where the status server exposes metrics unless configured otherwise.
const DefaultPath = "/metrics"

// RegisterMetricsEndpointWithPath registers the metrics endpoint at a custom path.
func RegisterMetricsEndpointWithPath(router *gin.Engine, path string) {
	router.GET(path, MetricsHandler())
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordAcquisition records an acquisition outcome and its duration.
func RecordAcquisition(outcome string, seconds float64) {
	LockAcquisitions.WithLabelValues(outcome).Inc()
	LockAcquireDuration.WithLabelValues(outcome).Observe(seconds)
	if outcome == OutcomeAcquired {
		LocksHeld.Inc()
	}
}

// RecordRelease records a release outcome.
// Released and error outcomes both leave the acquired state.
func RecordRelease(outcome string) {
	LockReleases.WithLabelValues(outcome).Inc()
	if outcome == OutcomeReleased || outcome == OutcomeError {
		LocksHeld.Dec()
	}
}

// RecordLockLost records a handle lost to a connection-state change.
func RecordLockLost() {
	LocksLost.Inc()
	LocksHeld.Dec()
}

// RecordConnectionState records a published connection state.
func RecordConnectionState(state string) {
	ConnectionStateChanges.WithLabelValues(state).Inc()
}

// RecordLeadership records a leadership transition ("acquired" or "lost").
func RecordLeadership(direction string) {
	LeadershipTransitions.WithLabelValues(direction).Inc()
}
