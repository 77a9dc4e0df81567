package cmd

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/history"
	"github.com/wegman-software/osmtiledb/internal/lock"
	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/metrics"
	"github.com/wegman-software/osmtiledb/internal/seed"
)

var buildProgress bool

var buildCmd = &cobra.Command{
	Use:   "build <input.osm.pbf>",
	Short: "Build the root layer from an OSM extract",
	Long: `Build a new database from a PBF, OSM XML or gzipped OSM XML file.

Objects must be sorted by type and then id, as in planet files and
Geofabrik extracts. Every node is placed in the tile containing it, ways in
the tiles of their nodes and relations in the tiles of their members.

Use --filter with a Lua script defining filter(type, id, tags), or --style
with a YAML tag filter, to keep only part of the input.`,
	Args: cobra.ExactArgs(1),
	Run:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().Uint32VarP(&cfg.Zoom, "zoom", "z", cfg.Zoom, "Tile zoom the database is partitioned at (even, at most 30)")
	buildCmd.Flags().StringVar(&cfg.FilterScript, "filter", cfg.FilterScript, "Lua filter script")
	buildCmd.Flags().StringVarP(&cfg.StyleFile, "style", "S", cfg.StyleFile, "Style YAML file for tag filtering")
	buildCmd.Flags().BoolVar(&buildProgress, "progress", true, "Show a progress bar while reading the input")
}

func runBuild(cmd *cobra.Command, args []string) {
	cfg.InputFile = args[0]
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()

	src, err := seed.Open(cfg.InputFile, seed.Options{
		Workers:      cfg.Workers,
		Progress:     buildProgress,
		FilterScript: cfg.FilterScript,
		StyleFile:    cfg.StyleFile,
	})
	if err != nil {
		exitWithError("failed to open input", err)
	}
	defer src.Close()

	if err := os.MkdirAll(cfg.DBPath, 0755); err != nil {
		exitWithError("failed to create database directory", err)
	}
	lk, err := lock.Acquire(lockPath())
	if err != nil {
		exitWithError("failed to lock database", err)
	}
	defer lk.Release()

	stopMetrics := metrics.Run(ctx, cfg.MetricsInterval, logger.Named("metrics"), cfg.DBPath)
	defer stopMetrics()

	log.Info("Starting build",
		zap.String("input", cfg.InputFile),
		zap.String("db", cfg.DBPath),
		zap.Uint32("zoom", cfg.Zoom),
		zap.Int("workers", cfg.Workers))

	start := time.Now()
	db, err := history.Create(ctx, cfg.DBPath, cfg.Zoom, src.Objects(ctx), historyOptions())
	if err != nil {
		exitWithError("build failed", err)
	}
	defer db.Close()

	stats := src.Stats()
	meta := db.Latest().Meta()
	log.Info("Build complete",
		zap.String("layer", meta.DirName()),
		zap.Duration("total_time", time.Since(start).Round(time.Second)),
		zap.String("nodes", humanize.Comma(stats.Nodes)),
		zap.String("ways", humanize.Comma(stats.Ways)),
		zap.String("relations", humanize.Comma(stats.Relations)),
		zap.String("filtered", humanize.Comma(stats.Filtered)),
		zap.String("tiles", humanize.Comma(meta.Stats.Tiles)),
		zap.String("size", humanize.IBytes(uint64(meta.Stats.Bytes))))
}
