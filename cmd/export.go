package cmd

import (
	"iter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/config"
	"github.com/wegman-software/osmtiledb/internal/export"
	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/metrics"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

var (
	exportBBox      string
	exportTiles     []string
	exportBatchSize int
)

var exportCmd = &cobra.Command{
	Use:   "export <output-dir>",
	Short: "Write the current view to Parquet files",
	Long: `Write the objects visible through the latest layer to Parquet:

  objects.parquet           one row per node, way and relation
  way_nodes.parquet         node references of every way, in order
  relation_members.parquet  members of every relation, in order

Use --bbox or --tile to export part of the database.`,
	Args: cobra.ExactArgs(1),
	Run:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportBBox, "bbox", "b", "", "Bounding box filter: minlon,minlat,maxlon,maxlat")
	exportCmd.Flags().StringSliceVarP(&exportTiles, "tile", "t", nil, "Export only these z/x/y tiles")
	exportCmd.Flags().IntVar(&exportBatchSize, "batch-size", export.DefaultBatchSize, "Rows per Parquet row group")
}

// exportTileList returns nil when the whole view is exported.
func exportTileList(zoom uint32) []tiles.Tile {
	var out []tiles.Tile
	for _, s := range exportTiles {
		t, err := tiles.Parse(s)
		if err != nil {
			exitWithError("invalid tile", err)
		}
		if t.Zoom != zoom {
			exitWithError("tile is not at the database zoom", nil)
		}
		out = append(out, t)
	}

	bbox, err := config.ParseBBox(exportBBox)
	if err != nil {
		exitWithError("invalid bbox", err)
	}
	if bbox.IsSet {
		for t := range tiles.InBound(bbox.Bound(), zoom) {
			out = append(out, t)
		}
	}
	return out
}

func runExport(cmd *cobra.Command, args []string) {
	log := logger.Get()
	dir := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	db := openDB()
	defer db.Close()
	latest := db.Latest()

	var entries iter.Seq2[layer.Entry, error]
	if selected := exportTileList(latest.Zoom()); selected != nil {
		log.Info("Exporting tiles", zap.Int("tiles", len(selected)))
		entries = latest.GetTiles(selected, nil)
	} else {
		entries = latest.Scan(nil)
	}

	stopMetrics := metrics.Run(ctx, cfg.MetricsInterval, logger.Named("metrics"), cfg.DBPath)
	defer stopMetrics()

	start := time.Now()
	stats, err := export.Write(ctx, entries, dir, exportBatchSize)
	if err != nil {
		exitWithError("export failed", err)
	}
	log.Info("Export finished",
		zap.Stringer("layer", latest),
		zap.String("nodes", humanize.Comma(stats.Nodes)),
		zap.String("ways", humanize.Comma(stats.Ways)),
		zap.String("relations", humanize.Comma(stats.Relations)),
		zap.Duration("total_time", time.Since(start).Round(time.Second)))
}
