package history

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/nodeindex"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

const (
	nodeScratchFile = "nodes.scratch"
	progressEvery   = 1_000_000
	cancelEvery     = 10_000
)

// Create builds the root layer of a new database under root from a seed
// sequence sorted by key, nodes first. root must exist and hold no layers.
// Nothing is written when zoom or root is invalid.
func Create(ctx context.Context, root string, zoom uint32, objects iter.Seq2[osm.Object, error], opts Options) (*DB, error) {
	if err := tiles.ValidateZoom(zoom); err != nil {
		return nil, err
	}
	if err := checkRoot(root); err != nil {
		return nil, err
	}
	db, err := newDB(root, opts)
	if err != nil {
		return nil, err
	}
	published, err := db.published()
	if err != nil {
		return nil, err
	}
	if len(published) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, root)
	}

	staged, err := db.stage()
	if err != nil {
		return nil, err
	}
	meta, err := db.buildRoot(ctx, staged, zoom, objects)
	if err != nil {
		os.RemoveAll(staged)
		return nil, err
	}
	if _, err := db.publish(staged, meta); err != nil {
		os.RemoveAll(staged)
		return nil, err
	}
	return db, nil
}

// seedTiles computes tile membership while the seed streams past. Node
// tiles go to a memory mapped scratch index; way and relation tiles are kept
// for the relations that reference them.
type seedTiles struct {
	zoom      uint32
	nodes     *nodeindex.MmapIndex
	ways      map[int64][]uint64
	relations map[int64][]uint64
	dangling  int64
}

func (s *seedTiles) lookup(k osmgeo.Key) ([]uint64, bool) {
	switch k.Type {
	case osmgeo.Node:
		id, ok := s.nodes.Get(k.ID)
		if !ok {
			return nil, false
		}
		return []uint64{id}, true
	case osmgeo.Way:
		ts, ok := s.ways[k.ID]
		return ts, ok
	default:
		ts, ok := s.relations[k.ID]
		return ts, ok
	}
}

func (s *seedTiles) tilesOf(obj osm.Object) ([]uint64, error) {
	switch o := obj.(type) {
	case *osm.Node:
		id := nodeTile(o, s.zoom)
		return []uint64{id}, s.nodes.Put(int64(o.ID), id)
	case *osm.Way:
		ts, dangling := memberTiles(o, s.lookup)
		s.dangling += int64(dangling)
		s.ways[int64(o.ID)] = ts
		return ts, nil
	case *osm.Relation:
		ts, dangling := memberTiles(o, s.lookup)
		s.dangling += int64(dangling)
		s.relations[int64(o.ID)] = ts
		return ts, nil
	}
	return nil, fmt.Errorf("%w: %T", osmgeo.ErrUnsupportedObject, obj)
}

func (db *DB) buildRoot(ctx context.Context, dir string, zoom uint32, objects iter.Seq2[osm.Object, error]) (layer.Meta, error) {
	scratch := filepath.Join(dir, nodeScratchFile)
	nodes, err := nodeindex.NewMmapIndex(scratch)
	if err != nil {
		return layer.Meta{}, err
	}
	defer func() {
		nodes.Close()
		os.Remove(scratch)
	}()

	b, err := layer.NewBuilder(dir, nil)
	if err != nil {
		return layer.Meta{}, err
	}
	defer b.Abort()

	st := &seedTiles{
		zoom:      zoom,
		nodes:     nodes,
		ways:      make(map[int64][]uint64),
		relations: make(map[int64][]uint64),
	}

	start := time.Now()
	var end time.Time
	var count int64
	for obj, err := range objects {
		if err != nil {
			return layer.Meta{}, fmt.Errorf("failed to read seed: %w", err)
		}
		if count%cancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return layer.Meta{}, err
			}
		}

		ids, err := st.tilesOf(obj)
		if err != nil {
			return layer.Meta{}, err
		}
		if err := b.Add(obj, ids); err != nil {
			return layer.Meta{}, err
		}
		if ts := timestampOf(obj); ts.After(end) {
			end = ts
		}

		count++
		if count%progressEvery == 0 {
			db.log.Info("Building root layer",
				zap.String("objects", humanize.Comma(count)),
				zap.Duration("elapsed", time.Since(start).Round(time.Second)))
		}
	}
	if st.dangling > 0 {
		db.log.Warn("Members missing from seed contribute no tiles",
			zap.String("references", humanize.Comma(st.dangling)))
	}

	return b.Finish(ctx, layer.Meta{
		ID:           db.nextID(),
		Zoom:         zoom,
		Type:         layer.Full,
		EndTimestamp: end.UTC(),
		CreatedAt:    db.opts.Now().UTC(),
	})
}
