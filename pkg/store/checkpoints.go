package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/harborline/courier/pkg/types"
)

// Checkpoint returns a perspective's replay position. A perspective that
// has never checkpointed gets the zero position, so its first catch-up
// starts at the beginning of history.
func (s *SQLStore) Checkpoint(ctx context.Context, perspectiveName string) (types.PerspectiveCheckpoint, error) {
	cp := types.PerspectiveCheckpoint{PerspectiveName: perspectiveName}
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT last_seq_id, last_updated_at FROM perspective_checkpoints
		 WHERE perspective_name = ?`), perspectiveName).
		Scan(&cp.LastSeqID, &cp.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, err
	}
	return cp, nil
}

// SaveCheckpoint records a perspective's replay position. Positions only
// move forward; a stale save from a superseded worker is ignored.
func (s *SQLStore) SaveCheckpoint(ctx context.Context, perspectiveName string, lastSeqID int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO perspective_checkpoints (perspective_name, last_seq_id, last_updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (perspective_name) DO UPDATE SET
			last_seq_id = excluded.last_seq_id,
			last_updated_at = excluded.last_updated_at
		WHERE excluded.last_seq_id > perspective_checkpoints.last_seq_id`),
		perspectiveName, lastSeqID, now)
	return err
}
