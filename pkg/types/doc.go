/*
Package types defines the shared domain types for Courier's messaging and
event-sourcing runtime.

The types package is the dependency root of the module: every other package
imports it and it imports nothing but the standard library. It defines the
durable row shapes (outbox, inbox, event store, service instances, partition
assignments, perspective checkpoints), the status and flag enumerations, the
work-batch protocol request/result shapes, and the error taxonomy of the
runtime.

# Architecture

	┌─────────────────── DURABLE STATE ────────────────────┐
	│                                                        │
	│  OutboxMessage      outbound rows awaiting publish     │
	│  InboxMessage       received rows awaiting dispatch    │
	│  EventRecord        append-only, per-stream versions   │
	│  ServiceInstance    heartbeat registry of the fleet    │
	│  PartitionAssignment one owner per partition number    │
	│  PerspectiveCheckpoint replay cursor per read model    │
	│                                                        │
	├─────────────────── BATCH PROTOCOL ───────────────────┤
	│                                                        │
	│  WorkBatchRequest   completions + failures + new rows  │
	│  WorkBatchResult    leased outbox/inbox work items     │
	│  Completion/Failure reports fed into the NEXT cycle    │
	│                                                        │
	├─────────────────── CLASSIFICATION ───────────────────┤
	│                                                        │
	│  OutboxStatus / InboxStatus   coarse row state         │
	│  StatusFlags                  OR-merged progress bits  │
	│  FailureReason                small-int failure enum   │
	│  Err* sentinels + ClassifyFailure                      │
	└────────────────────────────────────────────────────────┘

# Status Model

A row carries both a coarse Status (Pending → Publishing/Processing →
Published/Completed or Failed) and a StatusFlags bitset. The status is what
claim queries filter on; the flags record which boundaries the message has
crossed (Stored, EventStored, Published, ReceptorProcessed, Failed) and are
OR-merged by the coordinator, never cleared. The split lets a failure report
say "we got as far as storage" (CompletedStatus = FlagStored) while the row
itself flips to Failed.

# Error Taxonomy

The Err* sentinels are the failure kinds the runtime distinguishes, not
concrete types. Code wraps them with fmt.Errorf("...: %w", ErrX) and matches with
errors.Is. ClassifyFailure folds any error into the FailureReason recorded
on the row; unrecognized errors map to FailureUnknown (99).

# Usage

	msg := types.NewOutboxMessage{
		MessageID:   ids.New().String(),
		Destination: "orders",
		Type:        "OrderPlaced",
		Payload:     body,
		StreamID:    "order-1234",
		IsEvent:     true,
	}
	req := types.WorkBatchRequest{
		InstanceID:        node.ID(),
		NewOutboxMessages: []types.NewOutboxMessage{msg},
		LeaseSeconds:      types.DefaultLeaseSeconds,
	}

# Integration Points

  - pkg/store: persists and claims these rows inside ProcessWorkBatch
  - pkg/publisher, pkg/consumer: produce Completion/Failure reports
  - pkg/eventstore: reads and appends EventRecord
  - pkg/partition: maintains PartitionAssignment rows
  - pkg/perspective: advances PerspectiveCheckpoint
*/
package types
