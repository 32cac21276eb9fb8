// Package partition balances stream ownership across a fleet of instances.
//
// Every stream hashes to one of P partition numbers (P is fixed at
// migration time and identical across the fleet). The coordinator only
// hands an instance work for partitions it owns, which keeps each stream's
// messages on a single instance at a time.
//
// The Manager ticks on a fixed interval: heartbeat owned assignments,
// count live instances, then converge on the fair share ceil(P/live) by
// claiming unassigned or stale partitions and releasing excess ones.
// Takeovers are conditional updates keyed on the stale owner, so two
// instances never both win the same partition. On graceful shutdown the
// manager releases everything instead of letting the staleness window
// run out.
package partition
