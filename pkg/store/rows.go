package store

import (
	"database/sql"

	"github.com/harborline/courier/pkg/types"
)

const outboxColumns = `message_id, destination, type, payload, metadata, scope,
	status, status_flags, attempts, error, created_at, published_at,
	instance_id, lease_expiry, stream_id, partition_number, sequence_order,
	is_event, failure_reason, scheduled_for`

const inboxColumns = `message_id, handler_name, type, payload, metadata, scope,
	status, status_flags, attempts, error, received_at, processed_at,
	instance_id, lease_expiry, stream_id, partition_number, sequence_order,
	is_event, failure_reason, scheduled_for`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutbox(r rowScanner) (*types.OutboxMessage, error) {
	m := &types.OutboxMessage{}
	var (
		metadata     sql.NullString
		scope        sql.NullString
		errText      sql.NullString
		publishedAt  sql.NullTime
		instanceID   sql.NullString
		leaseExpiry  sql.NullTime
		streamID     sql.NullString
		partition    sql.NullInt64
		scheduledFor sql.NullTime
	)
	err := r.Scan(&m.MessageID, &m.Destination, &m.Type, &m.Payload, &metadata, &scope,
		&m.Status, &m.StatusFlags, &m.Attempts, &errText, &m.CreatedAt, &publishedAt,
		&instanceID, &leaseExpiry, &streamID, &partition, &m.SequenceOrder,
		&m.IsEvent, &m.FailureReason, &scheduledFor)
	if err != nil {
		return nil, err
	}
	m.Metadata, err = decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	m.Scope = scope.String
	m.Error = errText.String
	m.PublishedAt = timePtr(publishedAt)
	m.InstanceID = instanceID.String
	m.LeaseExpiry = timePtr(leaseExpiry)
	m.StreamID = streamID.String
	m.PartitionNumber = intPtr(partition)
	m.ScheduledFor = timePtr(scheduledFor)
	return m, nil
}

func scanInbox(r rowScanner) (*types.InboxMessage, error) {
	m := &types.InboxMessage{}
	var (
		metadata     sql.NullString
		scope        sql.NullString
		errText      sql.NullString
		processedAt  sql.NullTime
		instanceID   sql.NullString
		leaseExpiry  sql.NullTime
		streamID     sql.NullString
		partition    sql.NullInt64
		scheduledFor sql.NullTime
	)
	err := r.Scan(&m.MessageID, &m.HandlerName, &m.Type, &m.Payload, &metadata, &scope,
		&m.Status, &m.StatusFlags, &m.Attempts, &errText, &m.ReceivedAt, &processedAt,
		&instanceID, &leaseExpiry, &streamID, &partition, &m.SequenceOrder,
		&m.IsEvent, &m.FailureReason, &scheduledFor)
	if err != nil {
		return nil, err
	}
	m.Metadata, err = decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	m.Scope = scope.String
	m.Error = errText.String
	m.ProcessedAt = timePtr(processedAt)
	m.InstanceID = instanceID.String
	m.LeaseExpiry = timePtr(leaseExpiry)
	m.StreamID = streamID.String
	m.PartitionNumber = intPtr(partition)
	m.ScheduledFor = timePtr(scheduledFor)
	return m, nil
}

func scanEvent(r rowScanner) (types.EventRecord, error) {
	var e types.EventRecord
	var metadata, scope sql.NullString
	err := r.Scan(&e.SeqID, &e.EventID, &e.StreamID, &e.Version, &e.Type,
		&e.Payload, &metadata, &scope, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.Metadata, err = decodeMetadata(metadata)
	if err != nil {
		return e, err
	}
	e.Scope = scope.String
	return e, nil
}

const eventColumns = `seq_id, event_id, stream_id, version, type, payload, metadata, scope, created_at`
