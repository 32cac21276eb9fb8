package partition

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborline/courier/pkg/log"
	"github.com/harborline/courier/pkg/metrics"
	"github.com/harborline/courier/pkg/store"
)

// Config holds partition manager configuration
type Config struct {
	InstanceID string
	// PartitionCount is the fleet-wide P
	PartitionCount int
	// RebalanceInterval is how often the manager ticks
	RebalanceInterval time.Duration
	// StaleAfter is how long an assignment may go without a heartbeat
	// before another instance takes it over
	StaleAfter time.Duration
}

// Manager keeps this instance's share of the partition space balanced.
// Each tick it heartbeats its assignments, computes the fair share
// ceil(P / live instances), claims up to it and releases down to it.
type Manager struct {
	cfg    Config
	store  store.Store
	logger zerolog.Logger

	mu     sync.RWMutex
	owned  []int
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a partition manager
func NewManager(cfg Config, st store.Store) *Manager {
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = 15 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	return &Manager{
		cfg:    cfg,
		store:  st,
		logger: log.WithComponent("partition").With().Str("instance_id", cfg.InstanceID).Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the rebalance loop
func (m *Manager) Start() {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.RebalanceInterval)
		defer ticker.Stop()

		m.tick()
		for {
			select {
			case <-ticker.C:
				m.tick()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and releases every assignment so survivors pick the
// partitions up immediately.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
	}
	if err := m.store.ReleaseAllPartitions(ctx, m.cfg.InstanceID); err != nil {
		return err
	}
	m.mu.Lock()
	m.owned = nil
	m.mu.Unlock()
	metrics.PartitionsOwned.Set(0)
	m.logger.Info().Msg("released all partitions")
	return nil
}

// Owned returns a snapshot of this instance's partitions
func (m *Manager) Owned() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, len(m.owned))
	copy(out, m.owned)
	return out
}

func (m *Manager) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RebalanceInterval)
	defer cancel()

	if err := m.store.HeartbeatPartitions(ctx, m.cfg.InstanceID); err != nil {
		m.logger.Error().Err(err).Msg("partition heartbeat failed")
		return
	}

	live, err := m.store.LiveInstanceCount(ctx, m.cfg.StaleAfter)
	if err != nil {
		m.logger.Error().Err(err).Msg("counting live instances failed")
		return
	}
	if live < 1 {
		live = 1
	}
	metrics.InstancesLive.Set(float64(live))

	target := fairShare(m.cfg.PartitionCount, live)

	owned, err := m.store.OwnedPartitions(ctx, m.cfg.InstanceID)
	if err != nil {
		m.logger.Error().Err(err).Msg("listing owned partitions failed")
		return
	}

	switch {
	case len(owned) < target:
		claimed, err := m.store.ClaimPartitions(ctx, m.cfg.InstanceID, target, m.cfg.StaleAfter)
		if err != nil {
			m.logger.Error().Err(err).Msg("claiming partitions failed")
			return
		}
		if claimed > 0 {
			m.logger.Info().
				Int("claimed", claimed).
				Int("target", target).
				Int("live_instances", live).
				Msg("claimed partitions")
		}
	case len(owned) > target:
		released, err := m.store.ReleasePartitions(ctx, m.cfg.InstanceID, len(owned)-target)
		if err != nil {
			m.logger.Error().Err(err).Msg("releasing partitions failed")
			return
		}
		if released > 0 {
			m.logger.Info().
				Int("released", released).
				Int("target", target).
				Int("live_instances", live).
				Msg("released partitions for rebalance")
		}
	}

	owned, err = m.store.OwnedPartitions(ctx, m.cfg.InstanceID)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.owned = owned
	m.mu.Unlock()
	metrics.PartitionsOwned.Set(float64(len(owned)))
}

// fairShare is ceil(partitions / instances)
func fairShare(partitions, instances int) int {
	return (partitions + instances - 1) / instances
}
