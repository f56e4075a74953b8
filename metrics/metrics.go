// Package metrics holds the Prometheus collectors of the routing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kitchen_routing_attempts_total",
		Help: "Order routing attempts by result (routed, rejected, error).",
	}, []string{"result"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kitchen_routing_transitions_total",
		Help: "Routing record transitions by action and result.",
	}, []string{"action", "result"})

	Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kitchen_prep_anomalies_total",
		Help: "Completed routings flagged as anomalous, by reason.",
	}, []string{"reason"})

	TableCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kitchen_table_completions_total",
		Help: "Bulk table completions by result.",
	}, []string{"result"})

	ConnectedViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kitchen_connected_viewers",
		Help: "Viewers currently subscribed to the change stream.",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kitchen_change_events_delivered_total",
		Help: "Change events written to subscriber queues.",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kitchen_change_events_dropped_total",
		Help: "Change events not delivered, by reason.",
	}, []string{"reason"})

	MaintenanceRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kitchen_maintenance_rows_total",
		Help: "Rows touched by the maintenance job, by task.",
	}, []string{"task"})
)

// Result labels shared by the counters above.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// NotifierBreakerState is 0 closed, 1 half-open, 2 open.
var NotifierBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "kitchen_notifier_breaker_state",
	Help: "Circuit breaker state of alert publishers.",
}, []string{"name"})

var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "kitchen_http_request_duration_seconds",
	Help:    "HTTP request latency by method and route.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route"})
