package history

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

// TakeSnapshot consolidates recent layers so reads walk fewer bases.
//
// With span <= 0 the whole logical view is rewritten as a new root. Otherwise
// the window is the run of newest non-root layers ending within span of the
// latest end timestamp; it is replaced by one snapshot layer on top of the
// newest layer older than the window. A nil layer is returned when there is
// nothing to consolidate.
func (db *DB) TakeSnapshot(ctx context.Context, span time.Duration) (*layer.Layer, error) {
	latest := db.Latest()
	if latest == nil {
		return nil, ErrEmpty
	}
	if latest.IsRoot() {
		return nil, nil
	}
	if span <= 0 {
		return db.snapshotFull(ctx, latest)
	}

	chain, err := latest.Chain()
	if err != nil {
		return nil, err
	}
	cutoff := latest.Meta().EndTimestamp.Add(-span)
	n := 0
	for n < len(chain) && !chain[n].IsRoot() && !chain[n].Meta().EndTimestamp.Before(cutoff) {
		n++
	}
	if n < 2 {
		db.log.Debug("Nothing to consolidate", zap.Int("window", n), zap.Duration("span", span))
		return nil, nil
	}
	return db.snapshotWindow(ctx, latest, chain[:n], chain[n])
}

func (db *DB) snapshotFull(ctx context.Context, latest *layer.Layer) (*layer.Layer, error) {
	staged, err := db.stage()
	if err != nil {
		return nil, err
	}
	l, err := db.writeFull(ctx, staged, latest)
	if err != nil {
		os.RemoveAll(staged)
		return nil, err
	}
	return l, nil
}

// writeFull streams the logical view of latest into a root layer.
func (db *DB) writeFull(ctx context.Context, dir string, latest *layer.Layer) (*layer.Layer, error) {
	b, err := layer.NewBuilder(dir, nil)
	if err != nil {
		return nil, err
	}
	defer b.Abort()

	var count int64
	for e, err := range latest.Scan(nil) {
		if err != nil {
			return nil, err
		}
		if count%cancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := b.Add(e.Object, localIDs(e.Tiles)); err != nil {
			return nil, err
		}
		count++
	}

	meta, err := b.Finish(ctx, layer.Meta{
		ID:           db.nextID(),
		Zoom:         latest.Zoom(),
		Type:         layer.Full,
		EndTimestamp: latest.Meta().EndTimestamp,
		CreatedAt:    db.opts.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	l, err := db.publish(dir, meta)
	if err != nil {
		return nil, err
	}
	db.log.Info("Took full snapshot", zap.Stringer("layer", l), zap.Stringer("from", latest))
	return l, nil
}

// snapshotWindow writes everything the window changed, as seen from latest,
// on top of base. Those are the objects keyed in any window layer and the
// complete content of every tile local to a window layer.
func (db *DB) snapshotWindow(ctx context.Context, latest *layer.Layer, window []*layer.Layer, base *layer.Layer) (*layer.Layer, error) {
	keySet := make(map[osmgeo.Key]struct{})
	tileSet := make(map[uint64]struct{})
	for _, l := range window {
		for kv, err := range l.LocalKeys() {
			if err != nil {
				return nil, err
			}
			keySet[kv.Key] = struct{}{}
		}
		for t, err := range l.Tiles(true) {
			if err != nil {
				return nil, err
			}
			tileSet[t.LocalID()] = struct{}{}
		}
	}

	keys := make([]osmgeo.Key, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	windowTiles := make([]tiles.Tile, 0, len(tileSet))
	for id := range tileSet {
		windowTiles = append(windowTiles, tiles.FromLocalID(latest.Zoom(), id))
	}

	live := make(map[osmgeo.Key]record)
	for e, err := range latest.Get(keys, nil) {
		if err != nil {
			return nil, err
		}
		live[e.Key] = record{key: e.Key, obj: e.Object, ids: localIDs(e.Tiles)}
	}
	for e, err := range latest.GetTiles(windowTiles, nil) {
		if err != nil {
			return nil, err
		}
		live[e.Key] = record{key: e.Key, obj: e.Object, ids: localIDs(e.Tiles)}
	}

	records := make([]record, 0, len(live))
	for _, r := range live {
		records = append(records, r)
	}
	sortRecords(records)

	var deletes []osmgeo.Key
	for _, k := range keys {
		if _, ok := live[k]; !ok {
			deletes = append(deletes, k)
		}
	}

	baseID := base.ID()
	meta := layer.Meta{
		ID:           db.nextID(),
		Zoom:         latest.Zoom(),
		Base:         &baseID,
		Type:         layer.Snapshot,
		EndTimestamp: latest.Meta().EndTimestamp,
		CreatedAt:    db.opts.Now().UTC(),
	}
	l, err := db.write(ctx, meta, records, deletes, tileSet)
	if err != nil {
		return nil, err
	}
	db.log.Info("Took snapshot",
		zap.Stringer("layer", l),
		zap.Stringer("base", base),
		zap.Int("layers", len(window)),
		zap.Int("objects", len(records)),
		zap.Int("deleted", len(deletes)))
	return l, nil
}
