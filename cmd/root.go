package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/config"
	"github.com/wegman-software/osmtiledb/internal/history"
	"github.com/wegman-software/osmtiledb/internal/index"
	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/replication"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "osmtiledb",
	Short: "Tile-partitioned, versioned OSM object store",
	Long: `osmtiledb keeps OpenStreetMap objects in a chain of immutable layers
partitioned by map tile.

Features:
  - Root layer built from a PBF or XML extract
  - One diff layer per replication cycle, squashing minutely changes
  - Snapshots consolidating a day of diffs
  - Reads by object key or by tile through the whole layer chain
  - Tile expiry lists and Parquet export of the current view`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := loadConfigFile(cmd.Flags(), configFile); err != nil {
				return err
			}
		}

		// Initialize logger with optional file output
		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		} else {
			logger.Init(cfg.Verbose)
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file, flags override its values")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPath, "db", "D", cfg.DBPath, "Database directory")
	rootCmd.PersistentFlags().StringVar(&cfg.CacheProfile, "cache", cfg.CacheProfile, "How index files are held: memory or mapped")
	rootCmd.PersistentFlags().IntVar(&cfg.CacheLayers, "cache-layers", cfg.CacheLayers, "Number of layers kept open")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers")

	// Logging and metrics flags
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging, 0 disables")

	// PostgreSQL expire queue
	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	rootCmd.PersistentFlags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// loadConfigFile overlays the file onto cfg and then restores the flags
// given on the command line.
func loadConfigFile(flags *pflag.FlagSet, path string) error {
	changed := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})
	if err := cfg.LoadFile(path); err != nil {
		return err
	}
	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("failed to restore flag --%s: %w", name, err)
		}
	}
	return nil
}

func historyOptions() history.Options {
	opts := history.DefaultOptions()
	profile, err := index.ParseProfile(cfg.CacheProfile)
	if err != nil {
		exitWithError("invalid cache profile", err)
	}
	opts.Profile = profile
	opts.CacheSize = cfg.CacheLayers
	return opts
}

// openDB loads the database or exits when it holds no layers.
func openDB() *history.DB {
	db, ok, err := history.TryLoad(cfg.DBPath, historyOptions())
	if err != nil {
		exitWithError("failed to load database", err)
	}
	if !ok {
		exitWithError("database holds no layers, run build first", nil)
	}
	return db
}

func lockPath() string {
	if cfg.LockFile != "" {
		return cfg.LockFile
	}
	return replication.LockPath(cfg.DBPath)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Get().Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
