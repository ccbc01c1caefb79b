// Package metrics holds the Prometheus collectors shared by both services
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SagaOutcomes counts finished top-ups and transfers by terminal outcome
	SagaOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "payment",
			Name:      "saga_outcomes_total",
			Help:      "Finished top-up and transfer sagas by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Compensations counts compensating mutations by result
	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "payment",
			Name:      "compensations_total",
			Help:      "Compensating balance mutations by result",
		},
		[]string{"result"},
	)

	// ReconciliationTasks counts tasks queued for the reconciliation worker by kind
	ReconciliationTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "payment",
			Name:      "reconciliation_tasks_total",
			Help:      "Reconciliation tasks queued by kind",
		},
		[]string{"kind"},
	)

	// ReconciliationResults counts reconciliation task runs by result
	ReconciliationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "payment",
			Name:      "reconciliation_runs_total",
			Help:      "Reconciliation task runs by result",
		},
		[]string{"result"},
	)

	// BalanceMutations counts balance mutation requests served by the User service
	BalanceMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "user",
			Name:      "balance_mutations_total",
			Help:      "Balance mutation requests by operation and result",
		},
		[]string{"operation", "result"},
	)

	// HTTPRequests counts served requests by route template and status
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by service, method, route and status",
		},
		[]string{"service", "method", "route", "status"},
	)

	// HTTPDuration observes request latency by route template
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by service, method and route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "route"},
	)
)
