package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osmtiledb/internal/tiles"
)

// BBox is a geographic bounding box given on the command line.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
	IsSet                          bool
}

// Contains checks if a point is within the bounding box
func (b *BBox) Contains(lat, lon float64) bool {
	if !b.IsSet {
		return true
	}
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// Bound converts the box for tile lookups.
func (b *BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
}

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat"
func ParseBBox(s string) (*BBox, error) {
	if s == "" {
		return &BBox{IsSet: false}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bbox := &BBox{
		MinLon: coords[0],
		MinLat: coords[1],
		MaxLon: coords[2],
		MaxLat: coords[3],
		IsSet:  true,
	}
	if bbox.MinLon > bbox.MaxLon {
		return nil, fmt.Errorf("minlon (%f) must be <= maxlon (%f)", bbox.MinLon, bbox.MaxLon)
	}
	if bbox.MinLat > bbox.MaxLat {
		return nil, fmt.Errorf("minlat (%f) must be <= maxlat (%f)", bbox.MinLat, bbox.MaxLat)
	}
	return bbox, nil
}

// Cache profiles for layer indexes.
const (
	CacheMemory = "memory"
	CacheMapped = "mapped"
)

// Config holds the settings shared by every command. Fields are read from
// an optional YAML file first and command line flags second.
type Config struct {
	// Database
	DBPath       string `yaml:"db_path"`
	Zoom         uint32 `yaml:"zoom"`
	CacheProfile string `yaml:"cache_profile"`
	CacheLayers  int    `yaml:"cache_layers"`

	// Build
	InputFile    string `yaml:"input_file"`
	FilterScript string `yaml:"filter_script"`
	StyleFile    string `yaml:"style_file"`
	Workers      int    `yaml:"workers"`

	// Replication
	ReplicationSource   string        `yaml:"replication_source"`
	ReplicationInterval time.Duration `yaml:"replication_interval"`
	MaxDiffsPerCycle    int           `yaml:"max_diffs_per_cycle"`
	SnapshotSpan        time.Duration `yaml:"snapshot_span"`
	LockFile            string        `yaml:"lock_file"`

	// Tile expiry after each diff
	ExpireOutput  string `yaml:"expire_output"`
	ExpireMinZoom uint32 `yaml:"expire_min_zoom"`
	ExpireMaxZoom uint32 `yaml:"expire_max_zoom"`

	// PostgreSQL expire queue, used when ExpireTable is set
	DBHost      string `yaml:"db_host"`
	DBPort      int    `yaml:"db_port"`
	DBName      string `yaml:"db_name"`
	DBUser      string `yaml:"db_user"`
	DBPassword  string `yaml:"db_password"`
	DBSchema    string `yaml:"db_schema"`
	ExpireTable string `yaml:"expire_table"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DBPath:              "./osm_db",
		Zoom:                14,
		CacheProfile:        CacheMemory,
		CacheLayers:         128,
		Workers:             runtime.NumCPU(),
		ReplicationSource:   "planet-minute",
		ReplicationInterval: time.Minute,
		MaxDiffsPerCycle:    10,
		SnapshotSpan:        time.Hour,
		ExpireMinZoom:       14,
		ExpireMaxZoom:       14,
		DBHost:              "localhost",
		DBPort:              5432,
		DBName:              "osm",
		DBUser:              "postgres",
		DBSchema:            "public",
		MetricsInterval:     30 * time.Second,
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the file
// keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if err := tiles.ValidateZoom(c.Zoom); err != nil {
		errs = append(errs, err)
	}
	if c.CacheProfile != CacheMemory && c.CacheProfile != CacheMapped {
		errs = append(errs, fmt.Errorf("cache profile must be %q or %q, got %q", CacheMemory, CacheMapped, c.CacheProfile))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.MaxDiffsPerCycle < 1 {
		errs = append(errs, errors.New("max diffs per cycle must be at least 1"))
	}
	if c.ExpireMinZoom > c.ExpireMaxZoom || c.ExpireMaxZoom > tiles.MaxZoom {
		errs = append(errs, fmt.Errorf("invalid expire zoom range %d-%d", c.ExpireMinZoom, c.ExpireMaxZoom))
	}
	return errors.Join(errs...)
}
