package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/harborline/courier/pkg/types"
)

// postgresDDL is the authoritative schema on Postgres
var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS service_instances (
		instance_id       TEXT PRIMARY KEY,
		service_name      TEXT NOT NULL,
		host_name         TEXT NOT NULL,
		process_id        INTEGER NOT NULL,
		started_at        TIMESTAMPTZ NOT NULL,
		last_heartbeat_at TIMESTAMPTZ NOT NULL,
		metadata          TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		message_id       TEXT PRIMARY KEY,
		destination      TEXT NOT NULL,
		type             TEXT NOT NULL,
		payload          BYTEA,
		metadata         TEXT,
		scope            TEXT,
		status           TEXT NOT NULL,
		status_flags     INTEGER NOT NULL DEFAULT 0,
		attempts         INTEGER NOT NULL DEFAULT 0,
		error            TEXT,
		created_at       TIMESTAMPTZ NOT NULL,
		published_at     TIMESTAMPTZ,
		instance_id      TEXT,
		lease_expiry     TIMESTAMPTZ,
		stream_id        TEXT,
		partition_number INTEGER,
		sequence_order   BIGINT NOT NULL DEFAULT 0,
		is_event         BOOLEAN NOT NULL DEFAULT FALSE,
		failure_reason   INTEGER NOT NULL DEFAULT 0,
		scheduled_for    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_claim
		ON outbox (status, lease_expiry, partition_number, created_at, sequence_order)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_stream_seq
		ON outbox (stream_id, sequence_order)`,
	`CREATE TABLE IF NOT EXISTS inbox (
		message_id       TEXT PRIMARY KEY,
		handler_name     TEXT NOT NULL,
		type             TEXT NOT NULL,
		payload          BYTEA,
		metadata         TEXT,
		scope            TEXT,
		status           TEXT NOT NULL,
		status_flags     INTEGER NOT NULL DEFAULT 0,
		attempts         INTEGER NOT NULL DEFAULT 0,
		error            TEXT,
		received_at      TIMESTAMPTZ NOT NULL,
		processed_at     TIMESTAMPTZ,
		instance_id      TEXT,
		lease_expiry     TIMESTAMPTZ,
		stream_id        TEXT,
		partition_number INTEGER,
		sequence_order   BIGINT NOT NULL DEFAULT 0,
		is_event         BOOLEAN NOT NULL DEFAULT FALSE,
		failure_reason   INTEGER NOT NULL DEFAULT 0,
		scheduled_for    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_claim
		ON inbox (status, lease_expiry, partition_number, received_at, sequence_order)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_inbox_stream_seq
		ON inbox (stream_id, sequence_order)`,
	`CREATE TABLE IF NOT EXISTS event_store (
		seq_id     BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		event_id   TEXT NOT NULL UNIQUE,
		stream_id  TEXT NOT NULL,
		version    BIGINT NOT NULL,
		type       TEXT NOT NULL,
		payload    BYTEA,
		metadata   TEXT,
		scope      TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (stream_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS partition_assignments (
		partition_number INTEGER PRIMARY KEY,
		instance_id      TEXT NOT NULL,
		assigned_at      TIMESTAMPTZ NOT NULL,
		last_heartbeat   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_partition_owner
		ON partition_assignments (instance_id, last_heartbeat)`,
	`CREATE TABLE IF NOT EXISTS perspective_checkpoints (
		perspective_name TEXT PRIMARY KEY,
		last_seq_id      BIGINT NOT NULL DEFAULT 0,
		last_updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runtime_settings (
		setting_key   TEXT PRIMARY KEY,
		setting_value TEXT NOT NULL
	)`,
}

// sqliteDDL mirrors the Postgres schema on SQLite
var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS service_instances (
		instance_id       TEXT PRIMARY KEY,
		service_name      TEXT NOT NULL,
		host_name         TEXT NOT NULL,
		process_id        INTEGER NOT NULL,
		started_at        TIMESTAMP NOT NULL,
		last_heartbeat_at TIMESTAMP NOT NULL,
		metadata          TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		message_id       TEXT PRIMARY KEY,
		destination      TEXT NOT NULL,
		type             TEXT NOT NULL,
		payload          BLOB,
		metadata         TEXT,
		scope            TEXT,
		status           TEXT NOT NULL,
		status_flags     INTEGER NOT NULL DEFAULT 0,
		attempts         INTEGER NOT NULL DEFAULT 0,
		error            TEXT,
		created_at       TIMESTAMP NOT NULL,
		published_at     TIMESTAMP,
		instance_id      TEXT,
		lease_expiry     TIMESTAMP,
		stream_id        TEXT,
		partition_number INTEGER,
		sequence_order   INTEGER NOT NULL DEFAULT 0,
		is_event         BOOLEAN NOT NULL DEFAULT 0,
		failure_reason   INTEGER NOT NULL DEFAULT 0,
		scheduled_for    TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_claim
		ON outbox (status, lease_expiry, partition_number, created_at, sequence_order)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_stream_seq
		ON outbox (stream_id, sequence_order)`,
	`CREATE TABLE IF NOT EXISTS inbox (
		message_id       TEXT PRIMARY KEY,
		handler_name     TEXT NOT NULL,
		type             TEXT NOT NULL,
		payload          BLOB,
		metadata         TEXT,
		scope            TEXT,
		status           TEXT NOT NULL,
		status_flags     INTEGER NOT NULL DEFAULT 0,
		attempts         INTEGER NOT NULL DEFAULT 0,
		error            TEXT,
		received_at      TIMESTAMP NOT NULL,
		processed_at     TIMESTAMP,
		instance_id      TEXT,
		lease_expiry     TIMESTAMP,
		stream_id        TEXT,
		partition_number INTEGER,
		sequence_order   INTEGER NOT NULL DEFAULT 0,
		is_event         BOOLEAN NOT NULL DEFAULT 0,
		failure_reason   INTEGER NOT NULL DEFAULT 0,
		scheduled_for    TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_claim
		ON inbox (status, lease_expiry, partition_number, received_at, sequence_order)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_inbox_stream_seq
		ON inbox (stream_id, sequence_order)`,
	`CREATE TABLE IF NOT EXISTS event_store (
		seq_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id   TEXT NOT NULL UNIQUE,
		stream_id  TEXT NOT NULL,
		version    INTEGER NOT NULL,
		type       TEXT NOT NULL,
		payload    BLOB,
		metadata   TEXT,
		scope      TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (stream_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS partition_assignments (
		partition_number INTEGER PRIMARY KEY,
		instance_id      TEXT NOT NULL,
		assigned_at      TIMESTAMP NOT NULL,
		last_heartbeat   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_partition_owner
		ON partition_assignments (instance_id, last_heartbeat)`,
	`CREATE TABLE IF NOT EXISTS perspective_checkpoints (
		perspective_name TEXT PRIMARY KEY,
		last_seq_id      INTEGER NOT NULL DEFAULT 0,
		last_updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runtime_settings (
		setting_key   TEXT PRIMARY KEY,
		setting_value TEXT NOT NULL
	)`,
}

// PostgresDDL returns the Postgres schema statements
func PostgresDDL() []string { return postgresDDL }

// SQLiteDDL returns the SQLite schema statements
func SQLiteDDL() []string { return sqliteDDL }

const settingPartitionCount = "partition_count"

// Migrate applies the schema and records the fleet-wide partition count.
// Re-running against an existing schema with a different partition count
// fails: P must be identical across the fleet and cannot change after the
// first migration.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.CreateDDL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: applying schema: %v", types.ErrFatal, err)
		}
	}

	existing, err := s.readPartitionCount(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			s.dialect.Rebind(`INSERT INTO runtime_settings (setting_key, setting_value) VALUES (?, ?)`),
			settingPartitionCount, strconv.Itoa(s.opts.PartitionCount))
		if err != nil {
			return fmt.Errorf("%w: recording partition count: %v", types.ErrFatal, err)
		}
		return nil
	case err != nil:
		return err
	case existing != s.opts.PartitionCount:
		return fmt.Errorf("%w: store was migrated with partition count %d, configured %d",
			types.ErrFatal, existing, s.opts.PartitionCount)
	}
	return nil
}

// VerifySettings checks that the configured partition count matches the
// one the schema was migrated with. Called at node startup.
func (s *SQLStore) VerifySettings(ctx context.Context) error {
	existing, err := s.readPartitionCount(ctx)
	if err != nil {
		// Both a missing settings row and a missing table mean the store
		// was never migrated.
		if errors.Is(err, types.ErrFatal) {
			return err
		}
		return fmt.Errorf("%w: store is not migrated (run courier migrate): %v", types.ErrFatal, err)
	}
	if existing != s.opts.PartitionCount {
		return fmt.Errorf("%w: store was migrated with partition count %d, configured %d",
			types.ErrFatal, existing, s.opts.PartitionCount)
	}
	return nil
}

func (s *SQLStore) readPartitionCount(ctx context.Context) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT setting_value FROM runtime_settings WHERE setting_key = ?`),
		settingPartitionCount).Scan(&raw)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt partition_count setting %q", types.ErrFatal, raw)
	}
	return n, nil
}
