// Package metrics exposes prometheus collectors for settlement and venue
// health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersSettled counts orders reaching a terminal state, by status.
	OrdersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "settlement",
		Name:      "orders_settled_total",
		Help:      "Orders that reached a terminal state",
	}, []string{"status"})

	// VenueRequests counts gateway calls by venue, operation and outcome.
	VenueRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "gateway",
		Name:      "venue_requests_total",
		Help:      "Venue API calls by outcome",
	}, []string{"venue", "op", "outcome"})

	// VenueLatency observes venue call latency in seconds.
	VenueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broker",
		Subsystem: "gateway",
		Name:      "venue_request_seconds",
		Help:      "Venue API call latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"venue", "op"})

	// BreakerState tracks circuit breaker state per venue
	// (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "broker",
		Subsystem: "gateway",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per venue (0 closed, 1 open, 2 half-open)",
	}, []string{"venue"})

	// ReconciliationRepairs counts drift repairs made by the worker.
	ReconciliationRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "reconciler",
		Name:      "repairs_total",
		Help:      "Orders repaired after local and venue state diverged",
	}, []string{"resolution"})
)
