// Package node composes the runtime into one running service instance.
//
// A node owns the coordinator cycle: on every poll tick it reports the
// outcomes of the previous batch (completions, failures, messages to
// store) and claims the next batch in a single store transaction, then
// hands the claimed work to the publisher and consumer workers. Reports
// that could not be delivered because the cycle conflicted stay pending
// and ride along on the next tick, so no outcome is ever dropped.
//
// Alongside the cycle loop the node runs the partition manager, the
// perspective worker, the backlog metrics collector and an HTTP server
// for /metrics, /health, /ready and /live.
//
// Shutdown is graceful: stop claiming, drain async hooks, send a final
// report-only batch, release partitions, deregister the instance.
package node
