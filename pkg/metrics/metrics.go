package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsProcessed counts dispatch outcomes.
	// status: completed, retrying, failed
	OperationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_operations_processed_total",
		Help: "Total number of sync operations dispatched, by outcome",
	}, []string{"status", "entity_type", "operation"})

	// DispatchDuration measures a single dispatch, remote round trips included
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_dispatch_duration_seconds",
		Help:    "Time taken to dispatch one operation to the remote store",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"status", "entity_type"})

	// DrainDuration measures a whole processPending pass
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_drain_duration_seconds",
		Help:    "Duration of a queue drain pass in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PendingOperations mirrors SyncStatus.pendingOperations
	PendingOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_pending_operations",
		Help: "Operations waiting to reach the remote store",
	})

	// FailedOperations mirrors SyncStatus.failedOperations
	// If this number grows, operations need manual retry or cancel
	FailedOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_failed_operations",
		Help: "Operations that exhausted their attempts or failed permanently",
	})

	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_conflicts_total",
		Help: "Conflicts detected during update dispatch, by type and applied strategy",
	}, []string{"type", "strategy"})

	// NetworkOnline is 1 while the last connectivity sample was online
	NetworkOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_network_online",
		Help: "Current connectivity as seen by the network trigger (1 online, 0 offline)",
	})

	NetworkTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_network_transitions_total",
		Help: "Connectivity transitions observed by the network trigger",
	}, []string{"to"})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_cache_requests_total",
		Help: "Cache lookups by backend and result (hit, miss)",
	}, []string{"backend", "result"})

	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_events_delivered_total",
		Help: "Event bus deliveries by event type",
	}, []string{"type"})

	// ListenerFailures counts listener errors and panics caught by the event bus
	ListenerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_event_listener_failures_total",
		Help: "Event bus listener failures by listener id",
	}, []string{"listener"})

	// BrokerReconnections counts how many times the event bridge had to restore the link
	BrokerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_broker_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})

	// BrokerHealthy provides a binary 0/1 signal for the event bridge
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_broker_healthy",
		Help: "Current health of the RabbitMQ event bridge (1 healthy, 0 unhealthy)",
	})

	// OperationsPurged counts completed operations removed by the janitor
	OperationsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_operations_purged_total",
		Help: "Completed operations removed after the retention window",
	})
)
