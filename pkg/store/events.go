package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harborline/courier/pkg/ids"
	"github.com/harborline/courier/pkg/types"
)

// AppendEvent appends one event to a stream with optimistic concurrency.
// When expectedPriorVersion is non-nil the append succeeds only if the
// stream's current version equals it; otherwise the next version is taken.
// Returns the version the event was written at.
func (s *SQLStore) AppendEvent(ctx context.Context, streamID string, expectedPriorVersion *int64, event types.EventRecord) (int64, error) {
	if event.EventID == "" {
		event.EventID = ids.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	metadata, err := encodeMetadata(event.Metadata)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.classify(err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COALESCE(MAX(version), 0) FROM event_store WHERE stream_id = ?`), streamID).
		Scan(&current)
	if err != nil {
		return 0, s.classify(err)
	}
	if expectedPriorVersion != nil && current != *expectedPriorVersion {
		return 0, fmt.Errorf("%w: stream %s is at version %d, expected %d",
			types.ErrOptimisticConcurrency, streamID, current, *expectedPriorVersion)
	}

	version := current + 1
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO event_store (event_id, stream_id, version, type, payload, metadata, scope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		event.EventID, streamID, version, event.Type, event.Payload,
		metadata, nullString(event.Scope), event.CreatedAt)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: stream %s version %d already written",
				types.ErrOptimisticConcurrency, streamID, version)
		}
		return 0, s.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, s.classify(err)
	}
	return version, nil
}

// ReadStream returns the events of one stream ordered by version.
// fromVersion is inclusive; toVersion of 0 means no upper bound.
func (s *SQLStore) ReadStream(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]types.EventRecord, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	query := `SELECT ` + eventColumns + ` FROM event_store WHERE stream_id = ? AND version >= ?`
	args := []any{streamID, fromVersion}
	if toVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, toVersion)
	}
	query += ` ORDER BY version ASC`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReadEventsSince returns events across all streams in global SeqID order,
// after the given SeqID. Perspectives page through history with this.
// eventTypes narrows the result when non-empty.
func (s *SQLStore) ReadEventsSince(ctx context.Context, afterSeqID int64, eventTypes []string, limit int) ([]types.EventRecord, error) {
	if limit <= 0 {
		limit = types.DefaultBatchSize
	}
	query := `SELECT ` + eventColumns + ` FROM event_store WHERE seq_id > ?`
	args := []any{afterSeqID}
	if len(eventTypes) > 0 {
		query += ` AND type IN (?` + strings.Repeat(", ?", len(eventTypes)-1) + `)`
		for _, t := range eventTypes {
			args = append(args, t)
		}
	}
	query += ` ORDER BY seq_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
