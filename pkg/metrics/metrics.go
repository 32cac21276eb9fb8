package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics
	CoordinatorCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_coordinator_cycles_total",
			Help: "Total number of coordinator work batch cycles",
		},
	)

	CoordinatorConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_coordinator_conflicts_total",
			Help: "Total number of coordinator transaction conflicts retried",
		},
	)

	CoordinatorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_coordinator_cycle_duration_seconds",
			Help:    "Work batch transaction duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_work_claimed_total",
			Help: "Total work items claimed by table",
		},
		[]string{"table"},
	)

	// Outbox metrics
	MessagesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_published_total",
			Help: "Total number of outbox messages published",
		},
	)

	PublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_publish_failures_total",
			Help: "Total number of outbox publish failures by reason",
		},
		[]string{"reason"},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_publish_duration_seconds",
			Help:    "Transport publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Inbox metrics
	MessagesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_processed_total",
			Help: "Total number of inbox messages processed",
		},
	)

	ProcessFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_process_failures_total",
			Help: "Total number of inbox processing failures by reason",
		},
		[]string{"reason"},
	)

	DedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_dedup_hits_total",
			Help: "Total number of duplicate message deliveries suppressed",
		},
	)

	// Event store metrics
	EventsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_events_appended_total",
			Help: "Total number of events appended to the event store",
		},
	)

	VersionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		},
	)

	// Perspective metrics
	PerspectiveEventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_perspective_events_applied_total",
			Help: "Total events applied per perspective",
		},
		[]string{"perspective"},
	)

	PerspectiveLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_perspective_lag_events",
			Help: "Events between the store head and the perspective checkpoint",
		},
		[]string{"perspective"},
	)

	PerspectivesSuspended = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_perspectives_suspended",
			Help: "Number of perspectives suspended after a projection failure",
		},
	)

	// Partition metrics
	PartitionsOwned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_partitions_owned",
			Help: "Number of partitions currently owned by this instance",
		},
	)

	InstancesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_instances_live",
			Help: "Number of live service instances seen at the last rebalance",
		},
	)

	// Node metrics
	WorkInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_work_in_flight",
			Help: "Work items currently being processed by table",
		},
		[]string{"table"},
	)

	// Backlog gauges sampled by the collector
	OutboxRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_outbox_rows",
			Help: "Outbox rows by status",
		},
		[]string{"status"},
	)

	InboxRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_inbox_rows",
			Help: "Inbox rows by status",
		},
		[]string{"status"},
	)

	PartitionsAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_partitions_assigned",
			Help: "Partition assignments currently held fleet-wide",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CoordinatorCycles)
	prometheus.MustRegister(CoordinatorConflicts)
	prometheus.MustRegister(CoordinatorCycleDuration)
	prometheus.MustRegister(WorkClaimed)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(PublishFailures)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(ProcessFailures)
	prometheus.MustRegister(DedupHits)
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(VersionConflicts)
	prometheus.MustRegister(PerspectiveEventsApplied)
	prometheus.MustRegister(PerspectiveLag)
	prometheus.MustRegister(PerspectivesSuspended)
	prometheus.MustRegister(PartitionsOwned)
	prometheus.MustRegister(InstancesLive)
	prometheus.MustRegister(WorkInFlight)
	prometheus.MustRegister(OutboxRows)
	prometheus.MustRegister(InboxRows)
	prometheus.MustRegister(PartitionsAssigned)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
