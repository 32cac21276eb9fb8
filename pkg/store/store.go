package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/harborline/courier/pkg/types"
)

// Store is the interface the runtime depends on. SQLStore implements it
// for both supported engines; tests use the SQLite backend.
type Store interface {
	// ProcessWorkBatch executes one coordinator cycle atomically:
	// heartbeat, record completions and failures, store new messages,
	// append due events, claim a bounded batch of pending or orphaned
	// work for the calling instance.
	ProcessWorkBatch(ctx context.Context, req types.WorkBatchRequest) (*types.WorkBatchResult, error)

	// Event store
	AppendEvent(ctx context.Context, streamID string, expectedPriorVersion *int64, event types.EventRecord) (int64, error)
	ReadStream(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]types.EventRecord, error)
	ReadEventsSince(ctx context.Context, afterSeqID int64, eventTypes []string, limit int) ([]types.EventRecord, error)

	// Perspective checkpoints
	Checkpoint(ctx context.Context, perspectiveName string) (types.PerspectiveCheckpoint, error)
	SaveCheckpoint(ctx context.Context, perspectiveName string, lastSeqID int64) error

	// Partition assignment
	OwnedPartitions(ctx context.Context, instanceID string) ([]int, error)
	ClaimPartitions(ctx context.Context, instanceID string, target int, staleAfter time.Duration) (int, error)
	HeartbeatPartitions(ctx context.Context, instanceID string) error
	ReleasePartitions(ctx context.Context, instanceID string, count int) (int, error)
	ReleaseAllPartitions(ctx context.Context, instanceID string) error
	LiveInstanceCount(ctx context.Context, staleAfter time.Duration) (int, error)

	// Instance registry
	ListInstances(ctx context.Context) ([]types.ServiceInstance, error)
	DeleteInstance(ctx context.Context, instanceID string) error

	// Operator surface
	ListOutbox(ctx context.Context, status types.OutboxStatus, limit int) ([]types.OutboxMessage, error)
	ListInbox(ctx context.Context, status types.InboxStatus, limit int) ([]types.InboxMessage, error)
	RetryOutbox(ctx context.Context, messageID string) error
	RetryInbox(ctx context.Context, messageID string) error

	Close() error
}

// Options tune store behavior shared by both backends
type Options struct {
	// PartitionCount is the fleet-wide P; must match the migrated value
	PartitionCount int
	// MaxAttempts bounds transient retries before a row stays Failed
	MaxAttempts int
	// BackoffBase and BackoffCap shape the ScheduledFor retry curve:
	// now + base * 2^attempts, capped
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		PartitionCount: types.DefaultPartitionCount,
		MaxAttempts:    10,
		BackoffBase:    5 * time.Second,
		BackoffCap:     10 * time.Minute,
	}
}

func (o *Options) normalize() {
	if o.PartitionCount <= 0 {
		o.PartitionCount = types.DefaultPartitionCount
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = 10 * time.Minute
	}
}

// SQLStore implements Store over database/sql with a Dialect
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
}

// NewSQL wraps an open database handle. Backends call this from their
// Open functions.
func NewSQL(db *sql.DB, dialect Dialect, opts Options) *SQLStore {
	opts.normalize()
	return &SQLStore{db: db, dialect: dialect, opts: opts}
}

// DB exposes the underlying handle for tests and tooling
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// backoffDelay computes the retry delay after the given attempt count
func (s *SQLStore) backoffDelay(attempts int) time.Duration {
	delay := s.opts.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.opts.BackoffCap {
			return s.opts.BackoffCap
		}
	}
	return delay
}

// encodeMetadata renders a metadata map as its TEXT column value
func encodeMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeMetadata parses the TEXT column value back into a map
func decodeMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

var _ Store = (*SQLStore)(nil)
