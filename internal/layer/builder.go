package layer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/osm"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmtiledb/internal/index"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/store"
)

var (
	// ErrUnsortedInput is returned when objects are added out of key order.
	ErrUnsortedInput = errors.New("objects must be added in ascending key order")
	ErrFinished      = errors.New("layer builder already finished")
)

// Builder writes the files of a new layer into an empty directory. Objects
// must be added in ascending key order; deletions may come in any order.
type Builder struct {
	dir     string
	data    *store.Writer
	keys    *index.KeyIndexBuilder
	deleted *index.DeletedIndexBuilder
	linked  func(uint64) bool
	held    map[uint64]struct{}

	last    osmgeo.Key
	hasLast bool
	done    bool
}

// NewBuilder starts a layer in dir. Tiles for which linked returns false
// are recorded on the objects but not listed in the layer's tile index;
// nil links every tile.
func NewBuilder(dir string, linked func(uint64) bool) (*Builder, error) {
	data, err := store.Create(filepath.Join(dir, dataFile))
	if err != nil {
		return nil, err
	}
	return &Builder{
		dir:     dir,
		data:    data,
		keys:    index.NewKeyIndexBuilder(),
		deleted: index.NewDeletedIndexBuilder(),
		linked:  linked,
	}, nil
}

// Add stores obj as a member of the given tiles (local ids).
func (b *Builder) Add(obj osm.Object, tileIDs []uint64) error {
	if b.done {
		return ErrFinished
	}
	key, err := osmgeo.KeyOf(obj)
	if err != nil {
		return err
	}
	if b.hasLast && key.Compare(b.last) <= 0 {
		return fmt.Errorf("%w: %v after %v", ErrUnsortedInput, key, b.last)
	}
	if _, ok := b.keys.Get(key); ok {
		return fmt.Errorf("%v is already deleted in this layer", key)
	}

	pointer, err := b.data.Append(obj, tileIDs, b.linked)
	if err != nil {
		return err
	}
	b.keys.Set(key, pointer)
	b.last, b.hasLast = key, true
	return nil
}

// Delete records a tombstone for key.
func (b *Builder) Delete(key osmgeo.Key) error {
	if b.done {
		return ErrFinished
	}
	if p, ok := b.keys.Get(key); ok && p >= 0 {
		return fmt.Errorf("%v is already stored in this layer", key)
	}
	b.keys.SetDeleted(key)
	b.deleted.Add(key)
	return nil
}

// Hold marks tiles as held by the layer even when no object ends up linked
// into them, so an emptied tile hides the base's content.
func (b *Builder) Hold(tileIDs ...uint64) {
	if b.held == nil {
		b.held = make(map[uint64]struct{}, len(tileIDs))
	}
	for _, id := range tileIDs {
		b.held[id] = struct{}{}
	}
}

// Count returns the number of objects added so far.
func (b *Builder) Count() int64 { return b.data.Count() }

// Finish closes the store, writes the indexes in parallel and then the
// metadata. meta.Stats is filled in; the written metadata is returned.
func (b *Builder) Finish(ctx context.Context, meta Meta) (Meta, error) {
	if b.done {
		return meta, ErrFinished
	}
	b.done = true

	if err := meta.validate(); err != nil {
		b.data.Close()
		return meta, err
	}
	if err := b.data.Close(); err != nil {
		return meta, err
	}

	heads := b.data.Heads()
	tileIx := index.NewTileIndexBuilder()
	for tile := range b.held {
		tileIx.Set(tile, store.EndOfList)
	}
	for tile, pointer := range heads {
		tileIx.Set(tile, pointer)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return index.WriteFile(filepath.Join(b.dir, keysFile), b.keys) })
	g.Go(func() error { return index.WriteFile(filepath.Join(b.dir, tilesFile), tileIx) })
	g.Go(func() error { return index.WriteFile(filepath.Join(b.dir, deletedFile), b.deleted) })
	if err := g.Wait(); err != nil {
		return meta, err
	}

	meta.Stats = Stats{
		Objects: b.data.Count(),
		Deleted: int64(b.deleted.Len()),
		Tiles:   int64(tileIx.Len()),
		Bytes:   b.data.Size(),
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if err := writeMeta(b.dir, meta); err != nil {
		return meta, err
	}
	return meta, syncDir(b.dir)
}

// Abort releases the store file of an unfinished builder. The directory is
// left for the caller to remove.
func (b *Builder) Abort() {
	if !b.done {
		b.done = true
		b.data.Close()
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
