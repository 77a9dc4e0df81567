// Package history manages the chain of layers stored under one directory:
// building the root from a seed file, appending a diff per replication
// cycle, and consolidating diffs into snapshots.
//
// Layers are written into a staging directory and renamed into place once
// complete, so a reader never sees a partial layer and a crash leaves only
// staging debris. The newest published layer is the latest state; every
// other layer is reached through base ids recorded in meta.json.
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/index"
	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/logger"
)

var (
	ErrRootNotFound   = errors.New("database directory does not exist")
	ErrAlreadyExists  = errors.New("database already holds layers")
	ErrEmpty          = errors.New("database holds no layers")
	ErrMissingBase    = errors.New("base layer missing")
	ErrStaleTimestamp = errors.New("timestamp is older than the latest layer")
)

const stagingDir = "staging"

// Options configure how layers are opened.
type Options struct {
	// Profile is how index files are held in memory.
	Profile index.Profile
	// CacheSize is the number of layers kept open by id.
	CacheSize int
	// Now supplies layer ids and creation times.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Profile:   index.InMemory,
		CacheSize: 128,
		Now:       time.Now,
	}
}

// DB is a loaded layer chain. It supports one writer and many readers.
type DB struct {
	root   string
	opts   Options
	layers *lru.Cache[int64, *layer.Layer]
	log    *zap.Logger

	mu     sync.RWMutex
	latest *layer.Layer
}

func newDB(root string, opts Options) (*DB, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}
	cache, err := lru.New[int64, *layer.Layer](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &DB{
		root:   root,
		opts:   opts,
		layers: cache,
		log:    logger.Named("history"),
	}, nil
}

func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRootNotFound, root)
	}
	return nil
}

// TryLoad opens the database under root. It returns false without an error
// when root holds no published layer yet.
func TryLoad(root string, opts Options) (*DB, bool, error) {
	if err := checkRoot(root); err != nil {
		return nil, false, err
	}
	db, err := newDB(root, opts)
	if err != nil {
		return nil, false, err
	}

	published, err := db.published()
	if err != nil {
		return nil, false, err
	}
	if len(published) == 0 {
		return nil, false, nil
	}

	var newest int64
	for id := range published {
		newest = max(newest, id)
	}
	latest, err := db.Layer(newest)
	if err != nil {
		return nil, false, err
	}
	// every base must load before the database is usable
	chain, err := latest.Chain()
	if err != nil {
		return nil, false, err
	}
	db.latest = latest

	db.log.Info("Database loaded",
		zap.String("path", root),
		zap.Stringer("latest", latest),
		zap.Int("depth", len(chain)-1),
		zap.Time("end_timestamp", latest.Meta().EndTimestamp))
	return db, true, nil
}

// Path returns the database directory.
func (db *DB) Path() string { return db.root }

// Latest returns the newest layer.
func (db *DB) Latest() *layer.Layer {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.latest
}

func (db *DB) setLatest(l *layer.Layer) {
	db.mu.Lock()
	db.latest = l
	db.mu.Unlock()
}

// published lists the layer directories under root by id.
func (db *DB) published() (map[int64]string, error) {
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", db.root, err)
	}
	layers := make(map[int64]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, id, err := layer.ParseDirName(e.Name()); err == nil {
			layers[id] = e.Name()
		}
	}
	return layers, nil
}

// Layer opens the layer with the given id, or returns it from the cache.
func (db *DB) Layer(id int64) (*layer.Layer, error) {
	if l, ok := db.layers.Get(id); ok {
		return l, nil
	}

	for _, t := range []layer.Type{layer.Full, layer.Diff, layer.Snapshot} {
		dir := filepath.Join(db.root, layer.DirName(t, id))
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		l, err := layer.Open(dir, db.opts.Profile, db.resolveBase)
		if err != nil {
			return nil, err
		}
		db.layers.Add(id, l)
		return l, nil
	}
	return nil, fmt.Errorf("%w: layer %d", ErrMissingBase, id)
}

func (db *DB) resolveBase(id int64) (*layer.Layer, error) {
	return db.Layer(id)
}

// Chain returns the latest layer followed by its bases down to the root.
func (db *DB) Chain() ([]*layer.Layer, error) {
	latest := db.Latest()
	if latest == nil {
		return nil, ErrEmpty
	}
	return latest.Chain()
}

// Layers returns every published layer, oldest first.
func (db *DB) Layers() ([]*layer.Layer, error) {
	published, err := db.published()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(published))
	for id := range published {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]*layer.Layer, 0, len(ids))
	for _, id := range ids {
		l, err := db.Layer(id)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Close releases the index files of every layer opened through db.
func (db *DB) Close() error {
	var errs []error
	for _, l := range db.layers.Values() {
		errs = append(errs, l.Close())
	}
	if latest := db.Latest(); latest != nil {
		chain, err := latest.Chain()
		errs = append(errs, err)
		for _, l := range chain {
			errs = append(errs, l.Close())
		}
	}
	return errors.Join(errs...)
}

// nextID returns an id newer than every published layer.
func (db *DB) nextID() int64 {
	id := db.opts.Now().UnixMilli()
	if latest := db.Latest(); latest != nil && id <= latest.ID() {
		id = latest.ID() + 1
	}
	return id
}

// stage creates an empty staging directory for a new layer.
func (db *DB) stage() (string, error) {
	dir := filepath.Join(db.root, stagingDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// publish moves a finished staging directory into place and opens it.
func (db *DB) publish(staged string, meta layer.Meta) (*layer.Layer, error) {
	final := filepath.Join(db.root, meta.DirName())
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("layer %s already exists", meta.DirName())
	}
	if err := os.Rename(staged, final); err != nil {
		return nil, fmt.Errorf("failed to publish layer %s: %w", meta.DirName(), err)
	}
	if err := syncDir(db.root); err != nil {
		return nil, err
	}

	l, err := db.Layer(meta.ID)
	if err != nil {
		return nil, err
	}
	db.setLatest(l)

	db.log.Info("Published layer",
		zap.Stringer("layer", l),
		zap.Int64p("base", meta.Base),
		zap.Int64("objects", meta.Stats.Objects),
		zap.Int64("deleted", meta.Stats.Deleted),
		zap.Int64("tiles", meta.Stats.Tiles),
		zap.Int64("bytes", meta.Stats.Bytes))
	return l, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
