// Package layer reads one immutable layer of the store and resolves lookups
// through its chain of bases.
//
// A Full layer is a root and holds every object. Diff and Snapshot layers
// hold only what changed relative to their base: new object versions,
// tombstones for deleted objects, and a complete copy of every tile they
// touched. Reads consult the local layer first and fall back to the base.
package layer

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmtiledb/internal/index"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/store"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

var ErrBaseMismatch = errors.New("base layer does not match")

// Resolver loads a layer by id. It is supplied by whoever owns the set of
// layers, and is called at most once per layer.
type Resolver func(id int64) (*Layer, error)

// Entry is an object as seen through a layer, with every tile it belongs to.
type Entry struct {
	Key    osmgeo.Key
	Object osm.Object
	Tiles  []tiles.Tile
}

func compareEntries(a, b Entry) int { return a.Key.Compare(b.Key) }

// KeyTiles is the tile set of one object.
type KeyTiles struct {
	Key   osmgeo.Key
	Tiles []tiles.Tile
}

func compareKeyTiles(a, b KeyTiles) int { return a.Key.Compare(b.Key) }

type indexes struct {
	keys    *index.KeyIndex
	tiles   *index.TileIndex
	deleted *index.DeletedIndex
}

func (ix *indexes) close() error {
	return errors.Join(ix.keys.Close(), ix.tiles.Close(), ix.deleted.Close())
}

// Layer is an opened layer directory.
type Layer struct {
	dir     string
	meta    Meta
	profile index.Profile
	base    func() (*Layer, error)

	mu sync.Mutex
	ix *indexes
}

// Open opens the layer stored in dir. The base is not loaded until a read
// needs it.
func Open(dir string, profile index.Profile, resolve Resolver) (*Layer, error) {
	meta, err := ReadMeta(dir)
	if err != nil {
		return nil, err
	}

	l := &Layer{dir: dir, meta: meta, profile: profile}
	l.base = sync.OnceValues(func() (*Layer, error) {
		if meta.IsRoot() {
			return nil, nil
		}
		if resolve == nil {
			return nil, fmt.Errorf("layer %d: no resolver for base %d", meta.ID, *meta.Base)
		}
		base, err := resolve(*meta.Base)
		if err != nil {
			return nil, fmt.Errorf("layer %d: failed to load base %d: %w", meta.ID, *meta.Base, err)
		}
		if base.meta.ID != *meta.Base || base.meta.Zoom != meta.Zoom {
			return nil, fmt.Errorf("%w: layer %d expects base %d at zoom %d, got %d at zoom %d",
				ErrBaseMismatch, meta.ID, *meta.Base, meta.Zoom, base.meta.ID, base.meta.Zoom)
		}
		return base, nil
	})
	return l, nil
}

func (l *Layer) Meta() Meta       { return l.meta }
func (l *Layer) ID() int64        { return l.meta.ID }
func (l *Layer) Zoom() uint32     { return l.meta.Zoom }
func (l *Layer) Type() Type       { return l.meta.Type }
func (l *Layer) IsRoot() bool     { return l.meta.IsRoot() }
func (l *Layer) Dir() string      { return l.dir }
func (l *Layer) String() string   { return l.meta.DirName() }

// Base returns the layer this one is based on, or nil for a root.
func (l *Layer) Base() (*Layer, error) {
	return l.base()
}

// Depth returns the number of bases between this layer and its root.
func (l *Layer) Depth() (int, error) {
	depth := 0
	for cur := l; !cur.IsRoot(); depth++ {
		next, err := cur.Base()
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return depth, nil
}

// Chain returns this layer followed by its bases down to the root.
func (l *Layer) Chain() ([]*Layer, error) {
	chain := []*Layer{l}
	for cur := l; !cur.IsRoot(); {
		next, err := cur.Base()
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

func (l *Layer) indexes() (*indexes, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ix != nil {
		return l.ix, nil
	}

	keys, err := index.OpenKeyIndex(filepath.Join(l.dir, keysFile), l.profile)
	if err != nil {
		return nil, err
	}
	tileIx, err := index.OpenTileIndex(filepath.Join(l.dir, tilesFile), l.profile)
	if err != nil {
		keys.Close()
		return nil, err
	}
	deleted, err := index.OpenDeletedIndex(filepath.Join(l.dir, deletedFile), l.profile)
	if err != nil {
		keys.Close()
		tileIx.Close()
		return nil, err
	}
	l.ix = &indexes{keys: keys, tiles: tileIx, deleted: deleted}
	return l.ix, nil
}

func (l *Layer) openStore() (*store.Reader, error) {
	return store.Open(filepath.Join(l.dir, dataFile))
}

// Close releases the layer's index files. Bases are not closed.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ix == nil {
		return nil
	}
	err := l.ix.close()
	l.ix = nil
	return err
}

func (l *Layer) toEntry(e store.Entry) Entry {
	ts := make([]tiles.Tile, len(e.Tiles))
	for i, id := range e.Tiles {
		ts[i] = tiles.FromLocalID(l.meta.Zoom, id)
	}
	return Entry{Key: osmgeo.MustKey(e.Object), Object: e.Object, Tiles: ts}
}

func (l *Layer) toTiles(ids []uint64) []tiles.Tile {
	ts := make([]tiles.Tile, len(ids))
	for i, id := range ids {
		ts[i] = tiles.FromLocalID(l.meta.Zoom, id)
	}
	return ts
}
