package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harborline/courier/pkg/ids"
	"github.com/harborline/courier/pkg/metrics"
	"github.com/harborline/courier/pkg/types"
)

// ProcessWorkBatch executes one coordinator cycle as a single database
// transaction. The ordered effects are: heartbeat, completions, failures,
// new stores, event-store appends for completed event rows, work claim.
// Any error rolls back every effect; the caller retries the whole batch.
func (s *SQLStore) ProcessWorkBatch(ctx context.Context, req types.WorkBatchRequest) (*types.WorkBatchResult, error) {
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = types.DefaultLeaseSeconds
	}
	// Zero batch sizes take the default; negative means "report only, claim
	// nothing", which draining nodes use for their final cycle.
	if req.OutboxBatchSize == 0 {
		req.OutboxBatchSize = types.DefaultBatchSize
	}
	if req.InboxBatchSize == 0 {
		req.InboxBatchSize = types.DefaultBatchSize
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if err := s.heartbeat(ctx, tx, req, now); err != nil {
		return nil, s.classify(err)
	}
	if err := s.applyOutboxCompletions(ctx, tx, req.OutboxCompletions, now); err != nil {
		return nil, s.classify(err)
	}
	if err := s.applyInboxCompletions(ctx, tx, req.InboxCompletions, now); err != nil {
		return nil, s.classify(err)
	}
	if err := s.applyFailures(ctx, tx, "outbox", req.OutboxFailures, now); err != nil {
		return nil, s.classify(err)
	}
	if err := s.applyFailures(ctx, tx, "inbox", req.InboxFailures, now); err != nil {
		return nil, s.classify(err)
	}

	insertedOutbox, err := s.storeNewOutbox(ctx, tx, req.NewOutboxMessages, now)
	if err != nil {
		return nil, s.classify(err)
	}
	insertedInbox, err := s.storeNewInbox(ctx, tx, req.NewInboxMessages, now)
	if err != nil {
		return nil, s.classify(err)
	}

	result := &types.WorkBatchResult{}
	result.OutboxWork, err = s.claimOutbox(ctx, tx, req, now, insertedOutbox)
	if err != nil {
		return nil, s.classify(err)
	}
	result.InboxWork, err = s.claimInbox(ctx, tx, req, now, insertedInbox)
	if err != nil {
		return nil, s.classify(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.classify(err)
	}
	return result, nil
}

// classify folds engine-level conflicts into the retryable kind
func (s *SQLStore) classify(err error) error {
	if err == nil {
		return nil
	}
	if s.dialect.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", types.ErrCoordinatorConflict, err)
	}
	return err
}

func (s *SQLStore) heartbeat(ctx context.Context, tx *sql.Tx, req types.WorkBatchRequest, now time.Time) error {
	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO service_instances
			(instance_id, service_name, host_name, process_id, started_at, last_heartbeat_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			service_name = excluded.service_name,
			host_name = excluded.host_name,
			process_id = excluded.process_id,
			last_heartbeat_at = excluded.last_heartbeat_at,
			metadata = excluded.metadata`),
		req.InstanceID, req.ServiceName, req.HostName, req.ProcessID, now, now, metadata)
	return err
}

// completionTarget captures what a completion needs to know about its row
type completionTarget struct {
	flags    types.StatusFlags
	isEvent  bool
	streamID sql.NullString
	rowType  string
	payload  []byte
	metadata sql.NullString
	scope    sql.NullString
}

func (s *SQLStore) loadCompletionTarget(ctx context.Context, tx *sql.Tx, table, messageID string) (*completionTarget, error) {
	t := &completionTarget{}
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT status_flags, is_event, stream_id, type, payload, metadata, scope
		 FROM `+table+` WHERE message_id = ?`), messageID).
		Scan(&t.flags, &t.isEvent, &t.streamID, &t.rowType, &t.payload, &t.metadata, &t.scope)
	if errors.Is(err, sql.ErrNoRows) {
		// A completion for a row the coordinator has never seen is a
		// silent no-op.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) applyOutboxCompletions(ctx context.Context, tx *sql.Tx, completions []types.Completion, now time.Time) error {
	for _, c := range completions {
		target, err := s.loadCompletionTarget(ctx, tx, "outbox", c.MessageID)
		if err != nil {
			return err
		}
		if target == nil {
			continue
		}
		merged := target.flags.Merge(c.Status)
		if !merged.Has(types.FlagPublished) {
			// Progress report without a terminal flag: just merge.
			_, err = tx.ExecContext(ctx, s.dialect.Rebind(
				`UPDATE outbox SET status_flags = ? WHERE message_id = ?`), merged, c.MessageID)
			if err != nil {
				return err
			}
			continue
		}

		if target.isEvent && target.streamID.Valid && !merged.Has(types.FlagEventStored) {
			appended, err := s.tryAppendCompletionEvent(ctx, tx, c.MessageID, target, now)
			if err != nil {
				return err
			}
			if !appended {
				if err := s.markConcurrencyFailure(ctx, tx, "outbox", c.MessageID, merged); err != nil {
					return err
				}
				continue
			}
			merged = merged.Merge(types.FlagEventStored)
		}

		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE outbox SET
				status = ?, status_flags = ?, published_at = ?,
				instance_id = NULL, lease_expiry = NULL, error = NULL
			WHERE message_id = ?`),
			types.OutboxPublished, merged, now, c.MessageID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) applyInboxCompletions(ctx context.Context, tx *sql.Tx, completions []types.Completion, now time.Time) error {
	for _, c := range completions {
		target, err := s.loadCompletionTarget(ctx, tx, "inbox", c.MessageID)
		if err != nil {
			return err
		}
		if target == nil {
			continue
		}
		merged := target.flags.Merge(c.Status)
		if !merged.Has(types.FlagReceptorProcessed) {
			_, err = tx.ExecContext(ctx, s.dialect.Rebind(
				`UPDATE inbox SET status_flags = ? WHERE message_id = ?`), merged, c.MessageID)
			if err != nil {
				return err
			}
			continue
		}

		if target.isEvent && target.streamID.Valid && !merged.Has(types.FlagEventStored) {
			appended, err := s.tryAppendCompletionEvent(ctx, tx, c.MessageID, target, now)
			if err != nil {
				return err
			}
			if !appended {
				if err := s.markConcurrencyFailure(ctx, tx, "inbox", c.MessageID, merged); err != nil {
					return err
				}
				continue
			}
			merged = merged.Merge(types.FlagEventStored)
		}

		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE inbox SET
				status = ?, status_flags = ?, processed_at = ?,
				instance_id = NULL, lease_expiry = NULL, error = NULL
			WHERE message_id = ?`),
			types.InboxCompleted, merged, now, c.MessageID)
		if err != nil {
			return err
		}
	}
	return nil
}

// tryAppendCompletionEvent appends the completed row's event under a
// savepoint. A unique violation means a concurrent writer took the
// version (or the event already exists); the savepoint is rolled back
// and false is returned with the transaction still healthy.
func (s *SQLStore) tryAppendCompletionEvent(ctx context.Context, tx *sql.Tx, messageID string, target *completionTarget, now time.Time) (bool, error) {
	// The event_id is the message_id: re-reporting a completion can
	// never append twice.
	var exists int
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM event_store WHERE event_id = ?`), messageID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists > 0 {
		return true, nil
	}

	var version int64
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COALESCE(MAX(version), 0) FROM event_store WHERE stream_id = ?`),
		target.streamID.String).Scan(&version)
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `SAVEPOINT append_event`); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO event_store (event_id, stream_id, version, type, payload, metadata, scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		messageID, target.streamID.String, version+1, target.rowType,
		target.payload, target.metadata, target.scope, now)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT append_event`); rbErr != nil {
				return false, rbErr
			}
			// Two distinct conflicts land here. If the event_id now exists,
			// a concurrent instance appended this same message's event
			// between our existence check and the insert: the event is
			// persisted, so the completion succeeds. Otherwise a different
			// event took the (stream_id, version) slot and this append lost.
			err = tx.QueryRowContext(ctx, s.dialect.Rebind(
				`SELECT COUNT(*) FROM event_store WHERE event_id = ?`), messageID).Scan(&exists)
			if err != nil {
				return false, err
			}
			return exists > 0, nil
		}
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT append_event`); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) markConcurrencyFailure(ctx context.Context, tx *sql.Tx, table, messageID string, flags types.StatusFlags) error {
	status := string(types.OutboxFailed)
	if table == "inbox" {
		status = string(types.InboxFailed)
	}
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE `+table+` SET
			status = ?, status_flags = ?, failure_reason = ?, error = ?,
			attempts = attempts + 1
		WHERE message_id = ?`),
		status, flags.Merge(types.FlagFailed), types.FailureOptimisticConcurrency,
		types.ErrOptimisticConcurrency.Error(), messageID)
	return err
}

// transientFailure reports whether the reason is retried automatically
func transientFailure(reason types.FailureReason) bool {
	switch reason {
	case types.FailureTransportUnavailable, types.FailureTimeout, types.FailureUnknown:
		return true
	}
	return false
}

func (s *SQLStore) applyFailures(ctx context.Context, tx *sql.Tx, table string, failures []types.Failure, now time.Time) error {
	failedStatus := string(types.OutboxFailed)
	pendingStatus := string(types.OutboxPending)
	if table == "inbox" {
		failedStatus = string(types.InboxFailed)
		pendingStatus = string(types.InboxPending)
	}

	for _, f := range failures {
		var flags types.StatusFlags
		var attempts int
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(
			`SELECT status_flags, attempts FROM `+table+` WHERE message_id = ?`), f.MessageID).
			Scan(&flags, &attempts)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}

		attempts++
		merged := flags.Merge(f.CompletedStatus).Merge(types.FlagFailed)

		// Transient failures go back to Pending with a backoff schedule
		// until attempts run out; everything else stays Failed for the
		// operator. The lease owner is preserved either way.
		status := failedStatus
		var scheduledFor sql.NullTime
		if transientFailure(f.FailureReason) && attempts < s.opts.MaxAttempts {
			status = pendingStatus
			scheduledFor = sql.NullTime{Time: now.Add(s.backoffDelay(attempts)), Valid: true}
		}

		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE `+table+` SET
				status = ?, status_flags = ?, attempts = ?, error = ?,
				failure_reason = ?, scheduled_for = ?, lease_expiry = NULL
			WHERE message_id = ?`),
			status, merged, attempts, f.Error, f.FailureReason, scheduledFor, f.MessageID)
		if err != nil {
			return err
		}
	}
	return nil
}

// nextSequence assigns contiguous sequence numbers per stream within one
// transaction
type sequenceAllocator struct {
	next map[string]int64
}

func (a *sequenceAllocator) allocate(ctx context.Context, tx *sql.Tx, s *SQLStore, table, streamID string) (int64, error) {
	if a.next == nil {
		a.next = make(map[string]int64)
	}
	k := table + "\x00" + streamID
	if n, ok := a.next[k]; ok {
		a.next[k] = n + 1
		return n, nil
	}
	var current int64
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COALESCE(MAX(sequence_order), 0) FROM `+table+` WHERE stream_id = ?`), streamID).
		Scan(&current)
	if err != nil {
		return 0, err
	}
	a.next[k] = current + 2
	return current + 1, nil
}

func (s *SQLStore) storeNewOutbox(ctx context.Context, tx *sql.Tx, msgs []types.NewOutboxMessage, now time.Time) (map[string]bool, error) {
	inserted := make(map[string]bool, len(msgs))
	seq := &sequenceAllocator{}
	for _, m := range msgs {
		if m.MessageID == "" {
			m.MessageID = ids.New().String()
		}
		metadata, err := encodeMetadata(m.Metadata)
		if err != nil {
			return nil, err
		}
		var partition sql.NullInt64
		var sequence int64
		if m.StreamID != "" {
			partition = sql.NullInt64{Int64: int64(types.PartitionFor(m.StreamID, s.opts.PartitionCount)), Valid: true}
			sequence, err = seq.allocate(ctx, tx, s, "outbox", m.StreamID)
			if err != nil {
				return nil, err
			}
		}
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO outbox
				(message_id, destination, type, payload, metadata, scope, status,
				 status_flags, attempts, created_at, stream_id, partition_number,
				 sequence_order, is_event, failure_reason, scheduled_for)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id) DO NOTHING`),
			m.MessageID, m.Destination, m.Type, m.Payload, metadata, nullString(m.Scope),
			types.OutboxPending, types.FlagStored, now, nullString(m.StreamID),
			partition, sequence, m.IsEvent, types.FailureNone, nullTime(m.ScheduledFor))
		if err != nil {
			// Duplicate message_ids are absorbed by ON CONFLICT, so a unique
			// violation here is a concurrent writer racing the same stream's
			// sequence; the whole batch retries.
			if s.dialect.IsUniqueViolation(err) {
				return nil, fmt.Errorf("%w: %v", types.ErrCoordinatorConflict, err)
			}
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil {
			if n > 0 {
				inserted[m.MessageID] = true
			} else {
				metrics.DedupHits.Inc()
			}
		}
	}
	return inserted, nil
}

func (s *SQLStore) storeNewInbox(ctx context.Context, tx *sql.Tx, msgs []types.NewInboxMessage, now time.Time) (map[string]bool, error) {
	inserted := make(map[string]bool, len(msgs))
	seq := &sequenceAllocator{}
	for _, m := range msgs {
		if m.MessageID == "" {
			m.MessageID = ids.New().String()
		}
		metadata, err := encodeMetadata(m.Metadata)
		if err != nil {
			return nil, err
		}
		var partition sql.NullInt64
		var sequence int64
		if m.StreamID != "" {
			partition = sql.NullInt64{Int64: int64(types.PartitionFor(m.StreamID, s.opts.PartitionCount)), Valid: true}
			sequence, err = seq.allocate(ctx, tx, s, "inbox", m.StreamID)
			if err != nil {
				return nil, err
			}
		}
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO inbox
				(message_id, handler_name, type, payload, metadata, scope, status,
				 status_flags, attempts, received_at, stream_id, partition_number,
				 sequence_order, is_event, failure_reason, scheduled_for)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id) DO NOTHING`),
			m.MessageID, m.HandlerName, m.Type, m.Payload, metadata, nullString(m.Scope),
			types.InboxPending, types.FlagStored, now, nullString(m.StreamID),
			partition, sequence, m.IsEvent, types.FailureNone, nullTime(m.ScheduledFor))
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return nil, fmt.Errorf("%w: %v", types.ErrCoordinatorConflict, err)
			}
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil {
			if n > 0 {
				inserted[m.MessageID] = true
			} else {
				metrics.DedupHits.Inc()
			}
		}
	}
	return inserted, nil
}

func workFlags(inserted map[string]bool, messageID, priorInstance string, caller string, attempts int, isEvent bool, metadata map[string]string) types.WorkItemFlags {
	var flags types.WorkItemFlags
	if inserted[messageID] {
		flags |= types.WorkNewlyStored
	} else if priorInstance != "" && priorInstance != caller {
		flags |= types.WorkOrphaned
	}
	if attempts > 0 {
		flags |= types.WorkRetryAfterFail
	}
	if isEvent {
		flags |= types.WorkFromEventStore
	}
	if metadata["debug"] == "true" {
		flags |= types.WorkDebugMode
	}
	if metadata["priority"] == "high" {
		flags |= types.WorkHighPriority
	}
	return flags
}

// orderWithinStreams restores sequence order among rows sharing a stream
// while keeping every row's overall claim position. The claim query orders
// by row age, and age comes from writer clocks; within a stream the
// allocated sequence is authoritative, not the clock.
func orderWithinStreams[M any](rows []*M, streamOf func(*M) string, seqOf func(*M) int64) {
	positions := make(map[string][]int)
	for i, r := range rows {
		if sid := streamOf(r); sid != "" {
			positions[sid] = append(positions[sid], i)
		}
	}
	for _, idxs := range positions {
		if len(idxs) < 2 {
			continue
		}
		group := make([]*M, len(idxs))
		for j, i := range idxs {
			group[j] = rows[i]
		}
		sort.Slice(group, func(a, b int) bool { return seqOf(group[a]) < seqOf(group[b]) })
		for j, i := range idxs {
			rows[i] = group[j]
		}
	}
}

func (s *SQLStore) claimOutbox(ctx context.Context, tx *sql.Tx, req types.WorkBatchRequest, now time.Time, inserted map[string]bool) ([]types.OutboxWorkItem, error) {
	if req.OutboxBatchSize < 0 {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE status IN (?, ?)
		  AND (instance_id IS NULL OR lease_expiry IS NULL OR lease_expiry < ?)
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		  AND (partition_number IS NULL OR partition_number IN
		       (SELECT partition_number FROM partition_assignments WHERE instance_id = ?))
		ORDER BY created_at ASC, sequence_order ASC
		LIMIT ?`+s.dialect.ClaimSuffix()),
		types.OutboxPending, types.OutboxPublishing, now, now, req.InstanceID, req.OutboxBatchSize)
	if err != nil {
		return nil, err
	}
	claimed := make([]*types.OutboxMessage, 0, req.OutboxBatchSize)
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	orderWithinStreams(claimed,
		func(m *types.OutboxMessage) string { return m.StreamID },
		func(m *types.OutboxMessage) int64 { return m.SequenceOrder })

	lease := now.Add(time.Duration(req.LeaseSeconds) * time.Second)
	items := make([]types.OutboxWorkItem, 0, len(claimed))
	for _, m := range claimed {
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE outbox SET instance_id = ?, lease_expiry = ?, status = ?
			WHERE message_id = ?`),
			req.InstanceID, lease, types.OutboxPublishing, m.MessageID)
		if err != nil {
			return nil, err
		}
		flags := workFlags(inserted, m.MessageID, m.InstanceID, req.InstanceID, m.Attempts, m.IsEvent, m.Metadata)
		m.InstanceID = req.InstanceID
		m.LeaseExpiry = &lease
		m.Status = types.OutboxPublishing
		items = append(items, types.OutboxWorkItem{Message: m, Flags: flags})
	}
	return items, nil
}

func (s *SQLStore) claimInbox(ctx context.Context, tx *sql.Tx, req types.WorkBatchRequest, now time.Time, inserted map[string]bool) ([]types.InboxWorkItem, error) {
	if req.InboxBatchSize < 0 {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+inboxColumns+`
		FROM inbox
		WHERE status IN (?, ?)
		  AND (instance_id IS NULL OR lease_expiry IS NULL OR lease_expiry < ?)
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		  AND (partition_number IS NULL OR partition_number IN
		       (SELECT partition_number FROM partition_assignments WHERE instance_id = ?))
		ORDER BY received_at ASC, sequence_order ASC
		LIMIT ?`+s.dialect.ClaimSuffix()),
		types.InboxPending, types.InboxProcessing, now, now, req.InstanceID, req.InboxBatchSize)
	if err != nil {
		return nil, err
	}
	claimed := make([]*types.InboxMessage, 0, req.InboxBatchSize)
	for rows.Next() {
		m, err := scanInbox(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	orderWithinStreams(claimed,
		func(m *types.InboxMessage) string { return m.StreamID },
		func(m *types.InboxMessage) int64 { return m.SequenceOrder })

	lease := now.Add(time.Duration(req.LeaseSeconds) * time.Second)
	items := make([]types.InboxWorkItem, 0, len(claimed))
	for _, m := range claimed {
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE inbox SET instance_id = ?, lease_expiry = ?, status = ?
			WHERE message_id = ?`),
			req.InstanceID, lease, types.InboxProcessing, m.MessageID)
		if err != nil {
			return nil, err
		}
		flags := workFlags(inserted, m.MessageID, m.InstanceID, req.InstanceID, m.Attempts, m.IsEvent, m.Metadata)
		m.InstanceID = req.InstanceID
		m.LeaseExpiry = &lease
		m.Status = types.InboxProcessing
		items = append(items, types.InboxWorkItem{Message: m, Flags: flags})
	}
	return items, nil
}
