package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/harborline/courier/pkg/types"
)

// ListInstances returns every registered service instance, most recent
// heartbeat first.
func (s *SQLStore) ListInstances(ctx context.Context) ([]types.ServiceInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, service_name, host_name, process_id, started_at, last_heartbeat_at, metadata
		FROM service_instances ORDER BY last_heartbeat_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []types.ServiceInstance
	for rows.Next() {
		var inst types.ServiceInstance
		var metadata sql.NullString
		err := rows.Scan(&inst.InstanceID, &inst.ServiceName, &inst.HostName,
			&inst.ProcessID, &inst.StartedAt, &inst.LastHeartbeatAt, &metadata)
		if err != nil {
			return nil, err
		}
		inst.Metadata, err = decodeMetadata(metadata)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// DeleteInstance removes a dead instance's registration and assignments
func (s *SQLStore) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := s.ReleaseAllPartitions(ctx, instanceID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM service_instances WHERE instance_id = ?`), instanceID)
	return err
}

// ListOutbox returns outbox rows, optionally filtered by status, newest first
func (s *SQLStore) ListOutbox(ctx context.Context, status types.OutboxStatus, limit int) ([]types.OutboxMessage, error) {
	if limit <= 0 {
		limit = types.DefaultBatchSize
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []types.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ListInbox returns inbox rows, optionally filtered by status, newest first
func (s *SQLStore) ListInbox(ctx context.Context, status types.InboxStatus, limit int) ([]types.InboxMessage, error) {
	if limit <= 0 {
		limit = types.DefaultBatchSize
	}
	query := `SELECT ` + inboxColumns + ` FROM inbox`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []types.InboxMessage
	for rows.Next() {
		m, err := scanInbox(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// RetryOutbox puts a Failed outbox row back to Pending with a fresh attempt
// budget. Operator action after the underlying fault is fixed.
func (s *SQLStore) RetryOutbox(ctx context.Context, messageID string) error {
	return s.retry(ctx, "outbox", string(types.OutboxFailed), string(types.OutboxPending), messageID)
}

// RetryInbox puts a Failed inbox row back to Pending with a fresh attempt
// budget.
func (s *SQLStore) RetryInbox(ctx context.Context, messageID string) error {
	return s.retry(ctx, "inbox", string(types.InboxFailed), string(types.InboxPending), messageID)
}

func (s *SQLStore) retry(ctx context.Context, table, failedStatus, pendingStatus, messageID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE `+table+` SET
			status = ?, attempts = 0, error = NULL, failure_reason = ?,
			scheduled_for = NULL, instance_id = NULL, lease_expiry = NULL
		WHERE message_id = ? AND status = ?`),
		pendingStatus, types.FailureNone, messageID, failedStatus)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s is not in %s state", messageID, failedStatus)
	}
	return nil
}
