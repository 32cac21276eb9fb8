package store

import (
	"context"
	"time"
)

// OwnedPartitions returns the partition numbers currently assigned to an
// instance, ascending.
func (s *SQLStore) OwnedPartitions(ctx context.Context, instanceID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT partition_number FROM partition_assignments
		 WHERE instance_id = ? ORDER BY partition_number ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owned []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		owned = append(owned, n)
	}
	return owned, rows.Err()
}

// ClaimPartitions grows an instance's ownership toward target. Unassigned
// partition numbers are claimed first, then assignments whose owner's
// heartbeat is older than staleAfter are taken over. Claims are conditional
// updates, so two racing instances never both win the same partition.
// Returns how many partitions were claimed in this call.
func (s *SQLStore) ClaimPartitions(ctx context.Context, instanceID string, target int, staleAfter time.Duration) (int, error) {
	owned, err := s.OwnedPartitions(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	need := target - len(owned)
	if need <= 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter)
	claimed := 0

	// Partitions with no assignment row at all.
	free, err := s.unassignedPartitions(ctx, need)
	if err != nil {
		return 0, err
	}
	for _, n := range free {
		res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO partition_assignments (partition_number, instance_id, assigned_at, last_heartbeat)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (partition_number) DO NOTHING`),
			n, instanceID, now, now)
		if err != nil {
			return claimed, err
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			claimed++
		}
		if claimed >= need {
			return claimed, nil
		}
	}

	// Assignments abandoned by dead instances.
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT partition_number, instance_id FROM partition_assignments
		WHERE last_heartbeat < ? AND instance_id != ?
		ORDER BY partition_number ASC LIMIT ?`),
		cutoff, instanceID, need-claimed)
	if err != nil {
		return claimed, err
	}
	type stale struct {
		number int
		owner  string
	}
	var candidates []stale
	for rows.Next() {
		var c stale
		if err := rows.Scan(&c.number, &c.owner); err != nil {
			rows.Close()
			return claimed, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return claimed, err
	}

	for _, c := range candidates {
		// The owner guard makes the takeover race-safe: only one claimer
		// sees a row matching both the number and the stale owner.
		res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE partition_assignments
			SET instance_id = ?, assigned_at = ?, last_heartbeat = ?
			WHERE partition_number = ? AND instance_id = ? AND last_heartbeat < ?`),
			instanceID, now, now, c.number, c.owner, cutoff)
		if err != nil {
			return claimed, err
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			claimed++
		}
		if claimed >= need {
			break
		}
	}
	return claimed, nil
}

// unassignedPartitions computes up to limit partition numbers with no
// assignment row. The assignment table is sparse; numbers are dense in
// [0, P), so the gaps are found by walking the sorted assigned set.
func (s *SQLStore) unassignedPartitions(ctx context.Context, limit int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_number FROM partition_assignments ORDER BY partition_number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assigned := make(map[int]bool)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		assigned[n] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	free := make([]int, 0, limit)
	for n := 0; n < s.opts.PartitionCount && len(free) < limit; n++ {
		if !assigned[n] {
			free = append(free, n)
		}
	}
	return free, nil
}

// HeartbeatPartitions refreshes the heartbeat on every assignment owned by
// the instance.
func (s *SQLStore) HeartbeatPartitions(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE partition_assignments SET last_heartbeat = ? WHERE instance_id = ?`),
		time.Now().UTC(), instanceID)
	return err
}

// ReleasePartitions gives up count partitions (highest numbers first) so a
// growing fleet can rebalance. Returns how many were released.
func (s *SQLStore) ReleasePartitions(ctx context.Context, instanceID string, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	owned, err := s.OwnedPartitions(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if count > len(owned) {
		count = len(owned)
	}
	released := 0
	for i := len(owned) - 1; i >= len(owned)-count; i-- {
		res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
			`DELETE FROM partition_assignments WHERE partition_number = ? AND instance_id = ?`),
			owned[i], instanceID)
		if err != nil {
			return released, err
		}
		if affected, err := res.RowsAffected(); err == nil && affected > 0 {
			released++
		}
	}
	return released, nil
}

// ReleaseAllPartitions drops every assignment of the instance. Called on
// graceful shutdown so survivors pick the partitions up immediately instead
// of waiting out the staleness window.
func (s *SQLStore) ReleaseAllPartitions(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM partition_assignments WHERE instance_id = ?`), instanceID)
	return err
}

// LiveInstanceCount counts instances with a fresh heartbeat
func (s *SQLStore) LiveInstanceCount(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM service_instances WHERE last_heartbeat_at >= ?`), cutoff).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
