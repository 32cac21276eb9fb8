/*
Package metrics provides Prometheus metrics collection and exposition for
Courier, plus the node's health and readiness checks.

All metrics are registered on the default registry at package init and
exposed through Handler() on the node's /metrics endpoint.

# Metric Categories

	Coordinator:  cycle count, conflicts retried, cycle duration, work claimed
	Outbox:       messages published, publish failures by reason, publish duration
	Inbox:        messages processed, processing failures by reason, dedup hits
	Event store:  events appended, optimistic concurrency conflicts
	Perspectives: events applied, replay lag, suspended count
	Partitions:   owned by this instance, assigned fleet-wide, live instances
	Backlog:      outbox/inbox rows by status (sampled by the Collector)

# Usage

Counters and gauges are package-level vars, updated directly at the point
where the thing they measure happens:

	metrics.MessagesPublished.Inc()
	metrics.PublishFailures.WithLabelValues(reason.String()).Inc()
	metrics.PartitionsOwned.Set(float64(len(owned)))

Durations go through the Timer helper:

	timer := metrics.NewTimer()
	res, err := store.ProcessWorkBatch(ctx, req)
	timer.ObserveDuration(metrics.CoordinatorCycleDuration)

The Collector samples backlog gauges from the store on a fixed interval;
the node starts one alongside its workers.

# Health Checks

Components report their health with RegisterComponent/UpdateComponent.
HealthHandler, ReadyHandler and LivenessHandler serve /health, /ready and
/live; readiness requires every critical component (store, coordinator)
to be registered and healthy.
*/
package metrics
