package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborline/courier/pkg/config"
	"github.com/harborline/courier/pkg/log"
	"github.com/harborline/courier/pkg/node"
	"github.com/harborline/courier/pkg/store"
	"github.com/harborline/courier/pkg/store/postgres"
	"github.com/harborline/courier/pkg/store/sqlite"
	"github.com/harborline/courier/pkg/transport/inmem"
	"github.com/harborline/courier/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - Transactional messaging and event sourcing runtime",
	Long: `Courier is an in-process messaging runtime built around a shared
SQL store: outbox and inbox tables with lease-based work claiming, an
event store with optimistic concurrency, partition affinity for ordered
streams, and durable read-model perspectives.

A fleet of service instances coordinates through the database alone; no
broker is required for correctness.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Courier version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(instancesCmd)
}

// loadConfig resolves the --config flag, falling back to defaults when
// no file is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openStore opens the configured backend. The caller owns the handle.
func openStore(cfg *config.Config) (*store.SQLStore, error) {
	opts := store.Options{
		PartitionCount: cfg.Store.PartitionCount,
		MaxAttempts:    cfg.Store.MaxAttempts,
		BackoffBase:    cfg.Store.BackoffBase,
		BackoffCap:     cfg.Store.BackoffCap,
	}
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlite.Open(cfg.Store.DSN, opts)
	case "postgres":
		return postgres.Open(cfg.Store.DSN, opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a courier node",
	Long: `Run a courier node: the coordinator cycle loop, publisher and
consumer workers, partition manager, perspective worker and the HTTP
surface for metrics and health.

The store must already be migrated (see 'courier migrate'). Stops
gracefully on SIGINT/SIGTERM: pending outcomes are reported, partitions
released and the instance deregistered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: !cfg.Log.Pretty,
		})

		s, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer s.Close()

		broker := inmem.New()
		defer broker.Close()

		n, err := node.New(cfg, s, broker)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return n.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema",
	Long: `Apply the courier schema to the configured store and record the
fleet-wide partition count. Safe to re-run with the same settings; fails
if the store was migrated with a different partition count.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		fmt.Printf("Store migrated (%s, %d partitions)\n", cfg.Store.Driver, cfg.Store.PartitionCount)
		return nil
	},
}

// Outbox commands
var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair the outbox",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		msgs, err := s.ListOutbox(cmd.Context(), types.OutboxStatus(status), limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MESSAGE ID\tDESTINATION\tTYPE\tSTATUS\tATTEMPTS\tCREATED\tERROR")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				m.MessageID, m.Destination, m.Type, m.Status, m.Attempts,
				m.CreatedAt.Format(time.RFC3339), m.Error)
		}
		return w.Flush()
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry MESSAGE_ID",
	Short: "Reset a failed outbox message for another delivery attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.RetryOutbox(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Outbox message %s reset to pending\n", args[0])
		return nil
	},
}

func init() {
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)

	outboxListCmd.Flags().String("status", "", "Filter by status (Pending|Publishing|Published|Failed)")
	outboxListCmd.Flags().Int("limit", 50, "Maximum rows to list")
}

// Inbox commands
var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Inspect and repair the inbox",
}

var inboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inbox messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		msgs, err := s.ListInbox(cmd.Context(), types.InboxStatus(status), limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MESSAGE ID\tHANDLER\tTYPE\tSTATUS\tATTEMPTS\tRECEIVED\tERROR")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				m.MessageID, m.HandlerName, m.Type, m.Status, m.Attempts,
				m.ReceivedAt.Format(time.RFC3339), m.Error)
		}
		return w.Flush()
	},
}

var inboxRetryCmd = &cobra.Command{
	Use:   "retry MESSAGE_ID",
	Short: "Reset a failed inbox message for another processing attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.RetryInbox(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Inbox message %s reset to pending\n", args[0])
		return nil
	},
}

func init() {
	inboxCmd.AddCommand(inboxListCmd)
	inboxCmd.AddCommand(inboxRetryCmd)

	inboxListCmd.Flags().String("status", "", "Filter by status (Pending|Processing|Completed|Failed)")
	inboxListCmd.Flags().Int("limit", 50, "Maximum rows to list")
}

// Instances command
var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List registered service instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		instances, err := s.ListInstances(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE ID\tSERVICE\tHOST\tPID\tSTARTED\tLAST HEARTBEAT")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				inst.InstanceID, inst.ServiceName, inst.HostName, inst.ProcessID,
				inst.StartedAt.Format(time.RFC3339), inst.LastHeartbeatAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}
