package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/expire"
	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/replication"
)

var (
	replicationSince string
	catchUp          bool
	maxCycles        int
)

var replicationCmd = &cobra.Command{
	Use:   "replication",
	Short: "Keep the database in step with OSM replication diffs",
	Long: `Apply OSM replication diffs to the database, one diff layer per cycle.

Replication sources include:
  - planet-minute, planet-hour, planet-day (OpenStreetMap planet)
  - geofabrik/<region> (e.g., geofabrik/monaco, geofabrik/germany)
  - Custom URL (https://your-server/replication)

Examples:
  # Start from the sequence covering the end of the latest layer
  osmtiledb replication init --source geofabrik/monaco

  # Check replication status
  osmtiledb replication status

  # Run one cycle
  osmtiledb replication update

  # Keep running cycles
  osmtiledb replication start --interval 1m`,
}

var replicationInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize replication from a source",
	Long: `Initialize replication by locating the sequence to start from.

Without --since the end timestamp of the latest layer is used, so a freshly
built database picks up from the date of its extract. The sequence is found
by binary search over the source's state files and saved locally.`,
	Run: runReplicationInit,
}

var replicationStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current replication status",
	Long: `Display the current replication status including:
  - Local sequence number and timestamp
  - Remote sequence number and timestamp
  - Number of sequences behind and the time lag`,
	Run: runReplicationStatus,
}

var replicationUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one replication cycle",
	Long: `Fetch up to --max-diffs pending sequences, squash them and write them
as one diff layer. A cycle stops early when a sequence ends on a later UTC day
than the latest layer, and a snapshot is taken after it.

Use --catch-up to run cycles until the source has nothing more.`,
	Run: runReplicationUpdate,
}

var replicationStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start continuous replication",
	Long: `Run replication cycles until interrupted (Ctrl+C). Cycles run back to
back while the database is behind and every --interval once caught up.`,
	Run: runReplicationStart,
}

var replicationListCmd = &cobra.Command{
	Use:   "list-sources",
	Short: "List available replication sources",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Available replication sources:")
		fmt.Println()
		for _, source := range replication.ListSources() {
			fmt.Println(source)
		}
	},
}

func init() {
	rootCmd.AddCommand(replicationCmd)

	replicationCmd.AddCommand(replicationInitCmd)
	replicationCmd.AddCommand(replicationStatusCmd)
	replicationCmd.AddCommand(replicationUpdateCmd)
	replicationCmd.AddCommand(replicationStartCmd)
	replicationCmd.AddCommand(replicationListCmd)

	replicationCmd.PersistentFlags().StringVar(&cfg.ReplicationSource, "source", cfg.ReplicationSource, "Replication source (e.g., geofabrik/monaco, planet-minute)")
	replicationCmd.PersistentFlags().IntVar(&cfg.MaxDiffsPerCycle, "max-diffs", cfg.MaxDiffsPerCycle, "Maximum sequences squashed into one diff layer")
	replicationCmd.PersistentFlags().DurationVar(&cfg.SnapshotSpan, "snapshot-span", cfg.SnapshotSpan, "Window consolidated on a day crossing, 0 writes a full layer")
	replicationCmd.PersistentFlags().StringVar(&cfg.LockFile, "lock-file", cfg.LockFile, "Lock file (default <db>/replication.lock)")

	// Tile expiry
	replicationCmd.PersistentFlags().StringVarP(&cfg.ExpireOutput, "expire-output", "e", cfg.ExpireOutput, "Append expired tiles to this file")
	replicationCmd.PersistentFlags().Uint32Var(&cfg.ExpireMinZoom, "expire-min-zoom", cfg.ExpireMinZoom, "Minimum zoom level for tile expiry")
	replicationCmd.PersistentFlags().Uint32Var(&cfg.ExpireMaxZoom, "expire-max-zoom", cfg.ExpireMaxZoom, "Maximum zoom level for tile expiry")
	replicationCmd.PersistentFlags().StringVar(&cfg.ExpireTable, "expire-table", cfg.ExpireTable, "Queue expired tiles in this PostgreSQL table")

	replicationInitCmd.Flags().StringVar(&replicationSince, "since", "", "Start at this RFC 3339 timestamp instead of the latest layer's end")
	replicationUpdateCmd.Flags().BoolVar(&catchUp, "catch-up", false, "Run cycles until caught up")
	replicationStartCmd.Flags().DurationVar(&cfg.ReplicationInterval, "interval", cfg.ReplicationInterval, "Interval between checks once caught up")
	replicationStartCmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "Maximum number of cycles to run (0 = unlimited)")
}

// getUpdater returns the updater and a function releasing its expire sink.
func getUpdater(ctx context.Context) (*replication.Updater, func()) {
	source, err := replication.ParseSource(cfg.ReplicationSource)
	if err != nil {
		exitWithError("invalid source", err)
	}

	opts := replication.DefaultUpdaterOptions()
	opts.MaxDiffs = cfg.MaxDiffsPerCycle
	opts.SnapshotSpan = cfg.SnapshotSpan
	opts.LockFile = cfg.LockFile
	opts.History = historyOptions()

	release := func() {}
	if cfg.ExpireOutput != "" || cfg.ExpireTable != "" {
		var sink *expire.PostgresSink
		if cfg.ExpireTable != "" {
			sink, err = expire.NewPostgresSink(ctx, cfg.ConnectionString(), pgx.Identifier{cfg.DBSchema, cfg.ExpireTable})
			if err != nil {
				exitWithError("failed to open expire table", err)
			}
			release = sink.Close
		}
		opts.AfterApply = expireHook(sink)
	}
	return replication.NewUpdater(cfg.DBPath, source, opts), release
}

// expireHook records the tiles each diff layer touched.
func expireHook(sink *expire.PostgresSink) func(context.Context, *layer.Layer) error {
	return func(ctx context.Context, diff *layer.Layer) error {
		tracker := expire.NewTracker(cfg.ExpireMinZoom, cfg.ExpireMaxZoom)
		if err := tracker.ExpireLayer(diff); err != nil {
			return err
		}
		if cfg.ExpireOutput != "" {
			if err := tracker.AppendToFile(cfg.ExpireOutput); err != nil {
				return err
			}
		}
		if sink != nil {
			if _, err := sink.Write(ctx, diff.ID(), tracker.Tiles()); err != nil {
				return err
			}
		}
		return nil
	}
}

func runReplicationInit(cmd *cobra.Command, args []string) {
	var since time.Time
	if replicationSince != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, replicationSince); err != nil {
			exitWithError("invalid --since", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	updater, release := getUpdater(ctx)
	defer release()

	state, err := updater.Init(ctx, since)
	if err != nil {
		exitWithError("failed to initialize replication", err)
	}

	fmt.Printf("Replication initialized successfully!\n")
	fmt.Printf("Source: %s\n", cfg.ReplicationSource)
	fmt.Printf("Sequence: %d\n", state.SequenceNumber)
	fmt.Printf("Timestamp: %s\n", state.Timestamp.Format(time.RFC3339))
}

func runReplicationStatus(cmd *cobra.Command, args []string) {
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()
	updater, release := getUpdater(ctx)
	defer release()

	status, err := updater.GetStatus(ctx)
	if err != nil {
		exitWithError("failed to get status", err)
	}

	log.Debug("Replication status",
		zap.String("source", status.Source),
		zap.Int64("local_sequence", status.LocalSequence),
		zap.Time("local_timestamp", status.LocalTimestamp),
		zap.Int64("remote_sequence", status.RemoteSequence),
		zap.Int64("behind", status.Behind),
		zap.Duration("lag", status.Lag))

	fmt.Print(status.String())
}

func runReplicationUpdate(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()
	updater, release := getUpdater(ctx)
	defer release()

	applied := 0
	for {
		result, err := updater.RunCycle(ctx)
		if err != nil {
			exitWithError("replication cycle failed", err)
		}
		applied += result.Applied
		if !catchUp || result.CaughtUp || result.Applied == 0 {
			break
		}
	}

	if applied == 0 {
		fmt.Println("Already up to date.")
		return
	}
	fmt.Printf("Applied %d sequences.\n", applied)
}

func runReplicationStart(cmd *cobra.Command, args []string) {
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()
	updater, release := getUpdater(ctx)
	defer release()

	log.Info("Starting continuous replication",
		zap.String("source", cfg.ReplicationSource),
		zap.Duration("interval", cfg.ReplicationInterval),
		zap.Int("max_cycles", maxCycles))

	fmt.Printf("Starting continuous replication from %s\n", cfg.ReplicationSource)
	fmt.Printf("Checking every %s (press Ctrl+C to stop)\n", cfg.ReplicationInterval)

	applied, cycles := 0, 0
	for {
		result, err := updater.RunCycle(ctx)
		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, replication.ErrNoDatabase), errors.Is(err, replication.ErrNotInitialized):
			exitWithError("replication cycle failed", err)
		case err != nil:
			log.Error("Replication cycle failed", zap.Error(err))
		default:
			applied += result.Applied
		}
		cycles++
		if maxCycles > 0 && cycles >= maxCycles {
			log.Info("Reached max cycles limit", zap.Int("max", maxCycles))
			break
		}

		wait := cfg.ReplicationInterval
		if err == nil && !result.CaughtUp && result.Applied > 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			log.Info("Replication stopped", zap.Int("total_applied", applied))
			fmt.Printf("\nReplication stopped. Applied %d sequences total.\n", applied)
			return
		case <-time.After(wait):
		}
	}
	fmt.Printf("Replication complete. Applied %d sequences total.\n", applied)
}
