package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/courier/pkg/metrics"
	"github.com/harborline/courier/pkg/store"
	"github.com/harborline/courier/pkg/store/sqlite"
	"github.com/harborline/courier/pkg/types"
)

const testPartitions = 16

func newStore(t *testing.T) *store.SQLStore {
	t.Helper()
	opts := store.Options{
		PartitionCount: testPartitions,
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BackoffCap:     time.Minute,
	}
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "courier.db"), opts)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func baseRequest(instanceID string) types.WorkBatchRequest {
	return types.WorkBatchRequest{
		InstanceID:  instanceID,
		ServiceName: "orders",
		HostName:    "test-host",
		ProcessID:   4242,
	}
}

// claimAll makes the calling instance own every partition so claims are
// not filtered by affinity.
func claimAll(t *testing.T, s *store.SQLStore, instanceID string) {
	t.Helper()
	_, err := s.ClaimPartitions(context.Background(), instanceID, testPartitions, time.Minute)
	require.NoError(t, err)
}

func TestProcessWorkBatchEmptyCycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	res, err := s.ProcessWorkBatch(ctx, baseRequest("inst-a"))
	require.NoError(t, err)
	assert.Empty(t, res.OutboxWork)
	assert.Empty(t, res.InboxWork)

	instances, err := s.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "inst-a", instances[0].InstanceID)
	assert.Equal(t, "orders", instances[0].ServiceName)
}

func TestProcessWorkBatchStoreAndClaim(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{
		MessageID:   "msg-1",
		Destination: "orders.events",
		Type:        "OrderPlaced",
		Payload:     []byte(`{"order":"o-1"}`),
	}}
	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 1)

	item := res.OutboxWork[0]
	assert.Equal(t, "msg-1", item.Message.MessageID)
	assert.Equal(t, types.OutboxPublishing, item.Message.Status)
	assert.Equal(t, "inst-a", item.Message.InstanceID)
	require.NotNil(t, item.Message.LeaseExpiry)
	assert.True(t, item.Message.LeaseExpiry.After(time.Now()))
	assert.NotZero(t, item.Flags&types.WorkNewlyStored)
	assert.Zero(t, item.Flags&types.WorkOrphaned)

	// Leased work is not handed out again while the lease holds.
	res2, err := s.ProcessWorkBatch(ctx, baseRequest("inst-b"))
	require.NoError(t, err)
	assert.Empty(t, res2.OutboxWork)
}

func TestProcessWorkBatchPublishAndComplete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{
		MessageID:   "msg-1",
		Destination: "orders.events",
		Type:        "OrderPlaced",
		Payload:     []byte(`{}`),
		StreamID:    "order/o-1",
		IsEvent:     true,
	}}
	claimAll(t, s, "inst-a")
	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 1)
	assert.NotZero(t, res.OutboxWork[0].Flags&types.WorkFromEventStore)

	done := baseRequest("inst-a")
	done.OutboxCompletions = []types.Completion{{
		MessageID: "msg-1",
		Status:    types.FlagPublished,
	}}
	_, err = s.ProcessWorkBatch(ctx, done)
	require.NoError(t, err)

	msgs, err := s.ListOutbox(ctx, types.OutboxPublished, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].StatusFlags.Has(types.FlagPublished))
	assert.True(t, msgs[0].StatusFlags.Has(types.FlagEventStored))
	assert.True(t, msgs[0].StatusFlags.Has(types.FlagStored))
	assert.NotNil(t, msgs[0].PublishedAt)
	assert.Empty(t, msgs[0].InstanceID)

	events, err := s.ReadStream(ctx, "order/o-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, "msg-1", events[0].EventID)
	assert.Equal(t, "OrderPlaced", events[0].Type)

	// Re-reporting the completion must not append a second event.
	_, err = s.ProcessWorkBatch(ctx, done)
	require.NoError(t, err)
	events, err = s.ReadStream(ctx, "order/o-1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestProcessWorkBatchDeduplicatesByMessageID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{
		{MessageID: "dup-1", Destination: "d", Type: "T", Payload: []byte(`1`)},
		{MessageID: "dup-1", Destination: "d", Type: "T", Payload: []byte(`2`)},
	}
	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	assert.Len(t, res.OutboxWork, 1)

	// A later batch redelivering the same ID is also a no-op.
	again := baseRequest("inst-a")
	again.NewOutboxMessages = []types.NewOutboxMessage{
		{MessageID: "dup-1", Destination: "d", Type: "T", Payload: []byte(`3`)},
	}
	res, err = s.ProcessWorkBatch(ctx, again)
	require.NoError(t, err)
	assert.Empty(t, res.OutboxWork) // still leased by the first claim

	msgs, err := s.ListOutbox(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte(`1`), msgs[0].Payload)
}

func TestProcessWorkBatchOrphanRecovery(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{
		MessageID: "msg-1", Destination: "d", Type: "T",
	}}
	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 1)

	// Simulate inst-a dying: age its lease out.
	_, err = s.DB().ExecContext(ctx,
		`UPDATE outbox SET lease_expiry = ? WHERE message_id = ?`,
		time.Now().UTC().Add(-time.Minute), "msg-1")
	require.NoError(t, err)

	res, err = s.ProcessWorkBatch(ctx, baseRequest("inst-b"))
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 1)
	item := res.OutboxWork[0]
	assert.Equal(t, "inst-b", item.Message.InstanceID)
	assert.NotZero(t, item.Flags&types.WorkOrphaned)
	assert.Zero(t, item.Flags&types.WorkNewlyStored)
}

func TestProcessWorkBatchStreamOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	claimAll(t, s, "inst-a")

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{
		{MessageID: "m-1", Destination: "d", Type: "T", StreamID: "order/o-9"},
		{MessageID: "m-2", Destination: "d", Type: "T", StreamID: "order/o-9"},
		{MessageID: "m-3", Destination: "d", Type: "T", StreamID: "order/o-9"},
	}
	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 3)

	for i, item := range res.OutboxWork {
		assert.Equal(t, int64(i+1), item.Message.SequenceOrder)
	}
	assert.Equal(t, "m-1", res.OutboxWork[0].Message.MessageID)
	assert.Equal(t, "m-2", res.OutboxWork[1].Message.MessageID)
	assert.Equal(t, "m-3", res.OutboxWork[2].Message.MessageID)

	// All three share the stream's partition.
	p := res.OutboxWork[0].Message.PartitionNumber
	require.NotNil(t, p)
	assert.Equal(t, types.PartitionFor("order/o-9", testPartitions), *p)
	assert.Equal(t, p, res.OutboxWork[1].Message.PartitionNumber)
	assert.Equal(t, p, res.OutboxWork[2].Message.PartitionNumber)
}

func TestProcessWorkBatchTransientFailureBacksOff(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{
		MessageID: "msg-1", Destination: "d", Type: "T",
	}}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	fail := baseRequest("inst-a")
	fail.OutboxFailures = []types.Failure{{
		MessageID:     "msg-1",
		Error:         "broker unreachable",
		FailureReason: types.FailureTransportUnavailable,
	}}
	res, err := s.ProcessWorkBatch(ctx, fail)
	require.NoError(t, err)
	// Backoff pushes ScheduledFor into the future, so no immediate reclaim.
	assert.Empty(t, res.OutboxWork)

	msgs, err := s.ListOutbox(ctx, types.OutboxPending, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.Equal(t, "broker unreachable", msgs[0].Error)
	assert.True(t, msgs[0].StatusFlags.Has(types.FlagFailed))
	require.NotNil(t, msgs[0].ScheduledFor)
	assert.True(t, msgs[0].ScheduledFor.After(time.Now()))
}

func TestProcessWorkBatchPermanentFailureStaysFailed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{
		MessageID: "msg-1", Destination: "d", Type: "T",
	}}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	fail := baseRequest("inst-a")
	fail.OutboxFailures = []types.Failure{{
		MessageID:     "msg-1",
		Error:         "schema mismatch",
		FailureReason: types.FailureValidationFailed,
	}}
	_, err = s.ProcessWorkBatch(ctx, fail)
	require.NoError(t, err)

	msgs, err := s.ListOutbox(ctx, types.OutboxFailed, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.FailureValidationFailed, msgs[0].FailureReason)

	// Operator retry puts it back in play with a fresh budget.
	require.NoError(t, s.RetryOutbox(ctx, "msg-1"))
	res, err := s.ProcessWorkBatch(ctx, baseRequest("inst-a"))
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 1)
	assert.Equal(t, 0, res.OutboxWork[0].Message.Attempts)
	assert.Equal(t, types.OutboxPublishing, res.OutboxWork[0].Message.Status)
}

func TestProcessWorkBatchAttemptsExhausted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{
		MessageID: "msg-1", Destination: "d", Type: "T",
	}}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		fail := baseRequest("inst-a")
		fail.OutboxFailures = []types.Failure{{
			MessageID:     "msg-1",
			Error:         "timeout",
			FailureReason: types.FailureTimeout,
		}}
		_, err = s.ProcessWorkBatch(ctx, fail)
		require.NoError(t, err)
	}

	msgs, err := s.ListOutbox(ctx, types.OutboxFailed, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 3, msgs[0].Attempts)
}

func TestProcessWorkBatchUnknownCompletionIsNoOp(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.OutboxCompletions = []types.Completion{{MessageID: "never-seen", Status: types.FlagPublished}}
	req.InboxFailures = []types.Failure{{MessageID: "also-never-seen", FailureReason: types.FailureTimeout}}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
}

func TestProcessWorkBatchPartitionAffinity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{
		MessageID: "m-1", Destination: "d", Type: "T", StreamID: "order/o-1",
	}}
	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	// The stream's partition is owned by nobody yet, so the claim skips it.
	assert.Empty(t, res.OutboxWork)

	claimAll(t, s, "inst-a")
	res, err = s.ProcessWorkBatch(ctx, baseRequest("inst-a"))
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 1)
	assert.Equal(t, "m-1", res.OutboxWork[0].Message.MessageID)
}

func TestInboxLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewInboxMessages = []types.NewInboxMessage{{
		MessageID:   "in-1",
		HandlerName: "PlaceOrderReceptor",
		Type:        "PlaceOrder",
		Payload:     []byte(`{"order":"o-1"}`),
	}}
	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.InboxWork, 1)
	assert.Equal(t, types.InboxProcessing, res.InboxWork[0].Message.Status)

	done := baseRequest("inst-a")
	done.InboxCompletions = []types.Completion{{
		MessageID: "in-1",
		Status:    types.FlagReceptorProcessed,
	}}
	_, err = s.ProcessWorkBatch(ctx, done)
	require.NoError(t, err)

	msgs, err := s.ListInbox(ctx, types.InboxCompleted, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].ProcessedAt)
	assert.True(t, msgs[0].StatusFlags.Has(types.FlagReceptorProcessed))
}

func TestAppendEventOptimisticConcurrency(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	zero := int64(0)
	v, err := s.AppendEvent(ctx, "order/o-1", &zero, types.EventRecord{
		Type: "OrderPlaced", Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Same expectation again: someone else already took version 1.
	_, err = s.AppendEvent(ctx, "order/o-1", &zero, types.EventRecord{
		Type: "OrderPlaced", Payload: []byte(`{}`),
	})
	require.ErrorIs(t, err, types.ErrOptimisticConcurrency)

	// Nil expectation appends at the tip regardless.
	v, err = s.AppendEvent(ctx, "order/o-1", nil, types.EventRecord{
		Type: "OrderShipped", Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestReadEventsSince(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, typ := range []string{"A", "B", "A", "C", "A"} {
		_, err := s.AppendEvent(ctx, "s", nil, types.EventRecord{Type: typ})
		require.NoError(t, err, "event %d", i)
	}

	all, err := s.ReadEventsSince(ctx, 0, nil, 100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].SeqID, all[i-1].SeqID)
	}

	as, err := s.ReadEventsSince(ctx, 0, []string{"A"}, 100)
	require.NoError(t, err)
	assert.Len(t, as, 3)

	tail, err := s.ReadEventsSince(ctx, all[2].SeqID, nil, 100)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestCheckpointMovesForwardOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cp, err := s.Checkpoint(ctx, "order-totals")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.LastSeqID)

	require.NoError(t, s.SaveCheckpoint(ctx, "order-totals", 42))
	require.NoError(t, s.SaveCheckpoint(ctx, "order-totals", 17)) // stale, ignored

	cp, err = s.Checkpoint(ctx, "order-totals")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cp.LastSeqID)
}

func TestClaimPartitionsFreeAndStale(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	claimed, err := s.ClaimPartitions(ctx, "inst-a", 8, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 8, claimed)

	claimed, err = s.ClaimPartitions(ctx, "inst-b", 8, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 8, claimed)

	ownedA, err := s.OwnedPartitions(ctx, "inst-a")
	require.NoError(t, err)
	ownedB, err := s.OwnedPartitions(ctx, "inst-b")
	require.NoError(t, err)
	assert.Len(t, ownedA, 8)
	assert.Len(t, ownedB, 8)

	// inst-a goes quiet; its assignments age out and inst-b takes over.
	_, err = s.DB().ExecContext(ctx,
		`UPDATE partition_assignments SET last_heartbeat = ? WHERE instance_id = ?`,
		time.Now().UTC().Add(-time.Hour), "inst-a")
	require.NoError(t, err)

	claimed, err = s.ClaimPartitions(ctx, "inst-b", testPartitions, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 8, claimed)

	ownedB, err = s.OwnedPartitions(ctx, "inst-b")
	require.NoError(t, err)
	assert.Len(t, ownedB, testPartitions)
}

func TestReleasePartitions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.ClaimPartitions(ctx, "inst-a", testPartitions, time.Minute)
	require.NoError(t, err)

	released, err := s.ReleasePartitions(ctx, "inst-a", 6)
	require.NoError(t, err)
	assert.Equal(t, 6, released)

	owned, err := s.OwnedPartitions(ctx, "inst-a")
	require.NoError(t, err)
	assert.Len(t, owned, testPartitions-6)

	require.NoError(t, s.ReleaseAllPartitions(ctx, "inst-a"))
	owned, err = s.OwnedPartitions(ctx, "inst-a")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestMigratePartitionCountIsImmutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.db")
	ctx := context.Background()

	s, err := sqlite.Open(path, store.Options{PartitionCount: 16})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Close())

	s, err = sqlite.Open(path, store.Options{PartitionCount: 32})
	require.NoError(t, err)
	defer s.Close()
	err = s.Migrate(ctx)
	require.ErrorIs(t, err, types.ErrFatal)
	require.ErrorIs(t, s.VerifySettings(ctx), types.ErrFatal)
}

func TestRetryRejectsNonFailedRows(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{MessageID: "m-1", Destination: "d", Type: "T"}}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	assert.Error(t, s.RetryOutbox(ctx, "m-1"))   // Publishing, not Failed
	assert.Error(t, s.RetryInbox(ctx, "absent")) // unknown ID
}

func TestReportOnlyBatchClaimsNothing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{MessageID: "m-1", Destination: "d", Type: "T"}}
	req.OutboxBatchSize = -1
	req.InboxBatchSize = -1

	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.OutboxWork)
	assert.Empty(t, res.InboxWork)

	// The message was stored and is claimable by a normal cycle.
	res, err = s.ProcessWorkBatch(ctx, baseRequest("inst-b"))
	require.NoError(t, err)
	assert.Len(t, res.OutboxWork, 1)
}

func TestScheduledMessagesAreDeferred(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Hour)
	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{
		{MessageID: "later", Destination: "d", Type: "T", ScheduledFor: &future},
		{MessageID: "now", Destination: "d", Type: "T", ScheduledFor: &past},
	}
	res, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 1)
	assert.Equal(t, "now", res.OutboxWork[0].Message.MessageID)
}

func TestStreamSequenceIsUniquePerStream(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	claimAll(t, s, "inst-a")

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{
		{MessageID: "m-1", Destination: "d", Type: "T", StreamID: "order/o-7"},
	}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	// A second row taking the same slot in the stream must be rejected by
	// the schema, not silently accepted.
	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO outbox
			(message_id, destination, type, status, status_flags, attempts,
			 created_at, stream_id, partition_number, sequence_order, is_event, failure_reason)
		VALUES ('m-2', 'd', 'T', 'Pending', 1, 0, ?, 'order/o-7', ?, 1, 0, 0)`,
		time.Now().UTC(), types.PartitionFor("order/o-7", testPartitions))
	require.Error(t, err)

	// Rows without a stream all carry sequence zero and must not collide.
	plain := baseRequest("inst-a")
	plain.NewOutboxMessages = []types.NewOutboxMessage{
		{MessageID: "p-1", Destination: "d", Type: "T"},
		{MessageID: "p-2", Destination: "d", Type: "T"},
	}
	res, err := s.ProcessWorkBatch(ctx, plain)
	require.NoError(t, err)
	assert.Len(t, res.OutboxWork, 2)
}

func TestCompletionEventAlreadyPersistedResolvesAsPublished(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	claimAll(t, s, "inst-a")

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{{
		MessageID: "msg-1", Destination: "d", Type: "OrderPlaced",
		Payload: []byte(`{}`), StreamID: "order/o-4", IsEvent: true,
	}}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	// Another instance already appended this message's event.
	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO event_store (event_id, stream_id, version, type, payload, created_at)
		VALUES ('msg-1', 'order/o-4', 1, 'OrderPlaced', ?, ?)`,
		[]byte(`{}`), time.Now().UTC())
	require.NoError(t, err)

	done := baseRequest("inst-a")
	done.OutboxCompletions = []types.Completion{{MessageID: "msg-1", Status: types.FlagPublished}}
	_, err = s.ProcessWorkBatch(ctx, done)
	require.NoError(t, err)

	// The event is persisted, so the completion stands; the row must not
	// flip to Failed over a conflict that is not one.
	msgs, err := s.ListOutbox(ctx, types.OutboxPublished, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].MessageID)
	assert.True(t, msgs[0].StatusFlags.Has(types.FlagEventStored))
	assert.Equal(t, types.FailureNone, msgs[0].FailureReason)

	events, err := s.ReadStream(ctx, "order/o-4", 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestClaimOrderFollowsStreamSequenceUnderClockSkew(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	claimAll(t, s, "inst-a")

	// Store without claiming so the rows can be reordered first.
	req := baseRequest("inst-a")
	req.OutboxBatchSize = -1
	req.InboxBatchSize = -1
	req.NewOutboxMessages = []types.NewOutboxMessage{
		{MessageID: "m-1", Destination: "d", Type: "T", StreamID: "order/o-3"},
		{MessageID: "m-2", Destination: "d", Type: "T", StreamID: "order/o-3"},
	}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	// A skewed writer clock makes the second row of the stream look older.
	_, err = s.DB().ExecContext(ctx,
		`UPDATE outbox SET created_at = ? WHERE message_id = ?`,
		time.Now().UTC().Add(-time.Hour), "m-2")
	require.NoError(t, err)

	res, err := s.ProcessWorkBatch(ctx, baseRequest("inst-a"))
	require.NoError(t, err)
	require.Len(t, res.OutboxWork, 2)
	assert.Equal(t, "m-1", res.OutboxWork[0].Message.MessageID)
	assert.Equal(t, "m-2", res.OutboxWork[1].Message.MessageID)
}

func TestDeduplicationIsCounted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.DedupHits)

	req := baseRequest("inst-a")
	req.NewOutboxMessages = []types.NewOutboxMessage{
		{MessageID: "dup-9", Destination: "d", Type: "T"},
		{MessageID: "dup-9", Destination: "d", Type: "T"},
	}
	_, err := s.ProcessWorkBatch(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DedupHits))
}
