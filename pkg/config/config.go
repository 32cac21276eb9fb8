package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harborline/courier/pkg/types"
)

// Config holds the full node configuration
type Config struct {
	// ServiceName identifies the logical service; all instances of one
	// service share outbox/inbox responsibility.
	ServiceName string `yaml:"service_name"`

	Store       StoreConfig       `yaml:"store"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Partition   PartitionConfig   `yaml:"partition"`
	Perspective PerspectiveConfig `yaml:"perspective"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// StoreConfig selects and tunes the database backend
type StoreConfig struct {
	// Driver is "postgres" or "sqlite"
	Driver string `yaml:"driver"`
	// DSN is the connection string (postgres URL or sqlite file path)
	DSN string `yaml:"dsn"`
	// PartitionCount must match the value the store was migrated with
	PartitionCount int `yaml:"partition_count"`
	// MaxAttempts bounds transient retries before a row stays Failed
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase and BackoffCap shape the retry schedule
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// CoordinatorConfig tunes the work batch cycle
type CoordinatorConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	LeaseSeconds    int           `yaml:"lease_seconds"`
	OutboxBatchSize int           `yaml:"outbox_batch_size"`
	InboxBatchSize  int           `yaml:"inbox_batch_size"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

// PartitionConfig tunes partition rebalancing
type PartitionConfig struct {
	RebalanceInterval time.Duration `yaml:"rebalance_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// PerspectiveConfig tunes the projection workers
type PerspectiveConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	// ViewPath is the bolt database file backing materialized views
	ViewPath string `yaml:"view_path"`
}

// ServerConfig configures the node's HTTP surface
type ServerConfig struct {
	// ListenAddr serves /metrics, /health, /ready, /live
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		ServiceName: "courier",
		Store: StoreConfig{
			Driver:         "sqlite",
			DSN:            "courier.db",
			PartitionCount: types.DefaultPartitionCount,
			MaxAttempts:    10,
			BackoffBase:    5 * time.Second,
			BackoffCap:     10 * time.Minute,
		},
		Coordinator: CoordinatorConfig{
			PollInterval:    time.Second,
			LeaseSeconds:    types.DefaultLeaseSeconds,
			OutboxBatchSize: types.DefaultBatchSize,
			InboxBatchSize:  types.DefaultBatchSize,
			GracefulTimeout: 30 * time.Second,
		},
		Partition: PartitionConfig{
			RebalanceInterval: 15 * time.Second,
			StaleAfter:        time.Minute,
		},
		Perspective: PerspectiveConfig{
			PollInterval: time.Second,
			BatchSize:    types.DefaultBatchSize,
			ViewPath:     "courier-views.db",
		},
		Server: ServerConfig{
			ListenAddr: ":9611",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the runtime cannot run with
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Store.PartitionCount <= 0 {
		return fmt.Errorf("store.partition_count must be positive")
	}
	if c.Coordinator.PollInterval <= 0 {
		return fmt.Errorf("coordinator.poll_interval must be positive")
	}
	if c.Coordinator.LeaseSeconds <= 0 {
		return fmt.Errorf("coordinator.lease_seconds must be positive")
	}
	if c.Coordinator.OutboxBatchSize <= 0 || c.Coordinator.InboxBatchSize <= 0 {
		return fmt.Errorf("coordinator batch sizes must be positive")
	}
	return nil
}
