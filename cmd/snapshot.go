package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/lock"
	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/metrics"
)

var snapshotFull bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Consolidate recent diff layers",
	Long: `Replace the diffs that ended within --snapshot-span of the latest layer
by a single snapshot layer, so reads walk fewer bases. With --full the whole
view is rewritten as a new root layer.

Older layers stay on disk until 'prune' removes them.`,
	Run: runSnapshot,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove layers the latest chain no longer uses",
	Long: `Delete layers replaced by snapshots and staging directories left by
interrupted writes. Readers must not hold those layers open.`,
	Run: runPrune,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(pruneCmd)

	snapshotCmd.Flags().DurationVar(&cfg.SnapshotSpan, "snapshot-span", cfg.SnapshotSpan, "Window of diffs to consolidate")
	snapshotCmd.Flags().BoolVar(&snapshotFull, "full", false, "Rewrite the whole view as a new root layer")
}

func runSnapshot(cmd *cobra.Command, args []string) {
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()

	lk, err := lock.Acquire(lockPath())
	if err != nil {
		exitWithError("failed to lock database", err)
	}
	defer lk.Release()

	db := openDB()
	defer db.Close()

	stopMetrics := metrics.Run(ctx, cfg.MetricsInterval, logger.Named("metrics"), cfg.DBPath)
	defer stopMetrics()

	span := cfg.SnapshotSpan
	if snapshotFull {
		span = 0
	}
	start := time.Now()
	snap, err := db.TakeSnapshot(ctx, span)
	if err != nil {
		exitWithError("snapshot failed", err)
	}
	if snap == nil {
		fmt.Println("Nothing to consolidate.")
		return
	}
	log.Info("Snapshot complete",
		zap.Stringer("layer", snap),
		zap.Duration("total_time", time.Since(start).Round(time.Second)))
	fmt.Printf("Wrote %s\n", snap)
}

func runPrune(cmd *cobra.Command, args []string) {
	lk, err := lock.Acquire(lockPath())
	if err != nil {
		exitWithError("failed to lock database", err)
	}
	defer lk.Release()

	db := openDB()
	defer db.Close()

	removed, err := db.Prune()
	if err != nil {
		exitWithError("prune failed", err)
	}
	for _, name := range removed {
		fmt.Println(name)
	}
	fmt.Printf("Removed %d layers.\n", len(removed))
}
