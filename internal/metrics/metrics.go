// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the sweeparr control plane.
// Labels stay low-cardinality: connector ids are fine, content ids are not.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRunsTotal counts sync runs by mode and terminal result.
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeparr_sync_runs_total",
		Help: "Total number of sync runs, by mode (incremental/reconcile) and result.",
	}, []string{"mode", "result"})

	// SyncDuration observes wall-clock duration of sync runs.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweeparr_sync_duration_seconds",
		Help:    "Duration of sync runs, by mode.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2.0, 12),
	}, []string{"mode"})

	// UpstreamRequestDuration observes upstream HTTP request latency per attempt.
	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweeparr_upstream_request_duration_seconds",
		Help:    "Duration of upstream HTTP requests per attempt.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2.0, 8),
	}, []string{"dialect", "operation", "status"})

	// UpstreamFailuresTotal counts failed upstream requests by error class.
	UpstreamFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeparr_upstream_failures_total",
		Help: "Number of failed upstream requests, by dialect and error class.",
	}, []string{"dialect", "operation", "error_class"})

	// DiscoveryEntriesTotal counts search-registry rows created by discovery.
	DiscoveryEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeparr_discovery_entries_total",
		Help: "Search registry rows created by discovery, by search type.",
	}, []string{"search_type"})

	// DiscoveryResolvedTotal counts registry rows reaped as resolved.
	DiscoveryResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeparr_discovery_resolved_total",
		Help: "Search registry rows removed because the gap/upgrade resolved itself.",
	}, []string{"search_type"})

	// DispatchTotal counts dispatch decisions.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeparr_dispatch_total",
		Help: "Dispatch pipeline outcomes (dispatched/denied/cooldown/exhausted).",
	}, []string{"outcome"})

	// ThrottleDeniedTotal counts throttle denials by reason.
	ThrottleDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeparr_throttle_denied_total",
		Help: "Throttle denials, by reason.",
	}, []string{"reason"})

	// RegistryState tracks current registry rows per state.
	RegistryState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sweeparr_registry_state",
		Help: "Current number of search registry rows, by state.",
	}, []string{"state"})

	// OutcomeSuccessTotal counts searches closed as successful by the reconciler.
	OutcomeSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeparr_outcome_success_total",
		Help: "Searches closed as successful via observed file acquisition.",
	})

	// OutcomeTimeoutTotal counts pending commands swept as not-found.
	OutcomeTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeparr_outcome_timeout_total",
		Help: "Pending commands swept to not-found after the command timeout.",
	})

	// ConnectorHealth reports connector health as a numeric gauge per connector.
	ConnectorHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sweeparr_connector_health",
		Help: "Connector health (0=unknown 1=healthy 2=degraded 3=unhealthy 4=offline).",
	}, []string{"connector"})
)

// CircuitBreakerState reports each breaker's current state.
var CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sweeparr_circuit_breaker_state",
	Help: "Circuit breaker state (0=closed 1=open 2=half-open), by breaker.",
}, []string{"breaker"})

// CircuitBreakerTrips counts open transitions.
var CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sweeparr_circuit_breaker_trips_total",
	Help: "Circuit breaker trips to open, by breaker.",
}, []string{"breaker"})

// SetCircuitBreakerState publishes a breaker state value.
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerTrip counts one trip to open.
func RecordCircuitBreakerTrip(name string) {
	CircuitBreakerTrips.WithLabelValues(name).Inc()
}

// RecordSync records one terminal sync run.
func RecordSync(mode, result string, seconds float64) {
	SyncRunsTotal.WithLabelValues(mode, result).Inc()
	SyncDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordUpstreamFailure increments the upstream failure counter.
func RecordUpstreamFailure(dialect, operation, errorClass string) {
	UpstreamFailuresTotal.WithLabelValues(dialect, operation, errorClass).Inc()
}

// RecordDispatch increments the dispatch outcome counter.
func RecordDispatch(outcome string) {
	DispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordThrottleDenied increments the throttle denial counter.
func RecordThrottleDenied(reason string) {
	ThrottleDeniedTotal.WithLabelValues(reason).Inc()
}

// SetConnectorHealth publishes a connector's health as a gauge value.
func SetConnectorHealth(connector string, value int) {
	ConnectorHealth.WithLabelValues(connector).Set(float64(value))
}
