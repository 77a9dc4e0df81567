package layer

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"github.com/wegman-software/osmtiledb/internal/index"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

// DBForTile returns the nearest layer in the chain whose tile index has an
// entry for tile, or nil when no layer does. The entry may mark the tile as
// emptied by that layer.
func (l *Layer) DBForTile(tile tiles.Tile) (*Layer, error) {
	if tile.Zoom != l.meta.Zoom || !tile.Valid() {
		return nil, fmt.Errorf("tile %v does not match layer zoom %d", tile, l.meta.Zoom)
	}
	id := tile.LocalID()
	for cur := l; cur != nil; {
		ix, err := cur.indexes()
		if err != nil {
			return nil, err
		}
		if ix.tiles.HasTile(id) {
			return cur, nil
		}
		if cur, err = cur.Base(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Tiles yields the tiles holding data, ascending by local id. With
// modifiedOnly set only this layer's own tiles are listed, including tiles
// it emptied; otherwise tiles emptied by the nearest layer holding them are
// left out.
func (l *Layer) Tiles(modifiedOnly bool) iter.Seq2[tiles.Tile, error] {
	return func(yield func(tiles.Tile, error) bool) {
		for h, err := range l.tileHeads(modifiedOnly) {
			if err != nil {
				yield(tiles.Tile{}, err)
				return
			}
			if !modifiedOnly && h.Pointer < 0 {
				continue
			}
			if !yield(tiles.FromLocalID(l.meta.Zoom, h.Tile), nil) {
				return
			}
		}
	}
}

func compareHeads(a, b index.TileHead) int { return cmp.Compare(a.Tile, b.Tile) }

func (l *Layer) tileHeads(modifiedOnly bool) iter.Seq2[index.TileHead, error] {
	local := func(yield func(index.TileHead, error) bool) {
		ix, err := l.indexes()
		if err != nil {
			yield(index.TileHead{}, err)
			return
		}
		for h := range ix.tiles.All() {
			if !yield(h, nil) {
				return
			}
		}
	}
	if modifiedOnly || l.IsRoot() {
		return local
	}

	base, err := l.Base()
	if err != nil {
		return failed[index.TileHead](err)
	}
	return mergeSorted(local, base.tileHeads(false), compareHeads)
}

// Scan yields every live object visible through this layer, sorted by key.
func (l *Layer) Scan(buf []byte) iter.Seq2[Entry, error] {
	local := l.localAll(buf)
	if l.IsRoot() {
		return local
	}

	base, err := l.Base()
	if err != nil {
		return failed[Entry](err)
	}
	ix, err := l.indexes()
	if err != nil {
		return failed[Entry](err)
	}
	visible := filter(base.Scan(nil), func(e Entry) bool {
		return !ix.deleted.Contains(e.Key)
	})
	return mergeSorted(local, visible, compareEntries)
}

// localAll reads this layer's store front to back. Layers are written in
// key order, so the result is sorted.
func (l *Layer) localAll(buf []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		r, err := l.openStore()
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer r.Close()

		for e, err := range r.All(buf) {
			if err != nil {
				yield(Entry{}, fmt.Errorf("layer %d: %w", l.meta.ID, err))
				return
			}
			if !yield(l.toEntry(e), nil) {
				return
			}
		}
	}
}

// sortedKeys returns a sorted, duplicate free copy of keys.
func sortedKeys(keys []osmgeo.Key) []osmgeo.Key {
	out := slices.Clone(keys)
	slices.SortFunc(out, osmgeo.Key.Compare)
	return slices.Compact(out)
}

// resolve splits keys into the pointers found in this layer and the keys
// this layer knows nothing about. Tombstoned keys end up in neither.
func (l *Layer) resolve(keys []osmgeo.Key) (found []int64, rest []osmgeo.Key, err error) {
	ix, err := l.indexes()
	if err != nil {
		return nil, nil, err
	}
	for _, k := range keys {
		p, status := ix.keys.Lookup(k)
		switch status {
		case index.Found:
			found = append(found, p)
		case index.Absent:
			rest = append(rest, k)
		}
	}
	return found, rest, nil
}

// Get yields the current version of each requested object that exists,
// sorted by key. Deleted and unknown keys are skipped.
func (l *Layer) Get(keys []osmgeo.Key, buf []byte) iter.Seq2[Entry, error] {
	return l.get(sortedKeys(keys), buf)
}

func (l *Layer) get(keys []osmgeo.Key, buf []byte) iter.Seq2[Entry, error] {
	if len(keys) == 0 {
		return fromSlice[Entry](nil)
	}
	found, rest, err := l.resolve(keys)
	if err != nil {
		return failed[Entry](err)
	}

	local := func(yield func(Entry, error) bool) {
		if len(found) == 0 {
			return
		}
		r, err := l.openStore()
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer r.Close()
		for e, err := range r.GetMany(found, buf) {
			if err != nil {
				yield(Entry{}, fmt.Errorf("layer %d: %w", l.meta.ID, err))
				return
			}
			if !yield(l.toEntry(e), nil) {
				return
			}
		}
	}
	if l.IsRoot() || len(rest) == 0 {
		return local
	}

	base, err := l.Base()
	if err != nil {
		return failed[Entry](err)
	}
	return mergeSorted(local, base.get(rest, nil), compareEntries)
}

// Object returns the current version of one object.
func (l *Layer) Object(key osmgeo.Key) (Entry, bool, error) {
	for e, err := range l.get([]osmgeo.Key{key}, nil) {
		if err != nil {
			return Entry{}, false, err
		}
		return e, true, nil
	}
	return Entry{}, false, nil
}

// TilesFor yields the tile set of each requested object that exists, sorted
// by key. Deleted and unknown keys are skipped.
func (l *Layer) TilesFor(keys []osmgeo.Key) iter.Seq2[KeyTiles, error] {
	return l.tilesFor(sortedKeys(keys))
}

func (l *Layer) tilesFor(keys []osmgeo.Key) iter.Seq2[KeyTiles, error] {
	if len(keys) == 0 {
		return fromSlice[KeyTiles](nil)
	}
	ix, err := l.indexes()
	if err != nil {
		return failed[KeyTiles](err)
	}

	var found []index.KeyValue
	var rest []osmgeo.Key
	for _, k := range keys {
		p, status := ix.keys.Lookup(k)
		switch status {
		case index.Found:
			found = append(found, index.KeyValue{Key: k, Value: p})
		case index.Absent:
			rest = append(rest, k)
		}
	}

	local := func(yield func(KeyTiles, error) bool) {
		if len(found) == 0 {
			return
		}
		r, err := l.openStore()
		if err != nil {
			yield(KeyTiles{}, err)
			return
		}
		defer r.Close()

		var buf []byte
		for _, kv := range found {
			var ids []uint64
			ids, buf, err = r.TilesFor(kv.Value, buf)
			if err != nil {
				yield(KeyTiles{}, fmt.Errorf("layer %d: %w", l.meta.ID, err))
				return
			}
			if !yield(KeyTiles{Key: kv.Key, Tiles: l.toTiles(ids)}, nil) {
				return
			}
		}
	}
	if l.IsRoot() || len(rest) == 0 {
		return local
	}

	base, err := l.Base()
	if err != nil {
		return failed[KeyTiles](err)
	}
	return mergeSorted(local, base.tilesFor(rest), compareKeyTiles)
}

// GetTiles yields every live object in the requested tiles once, sorted by
// key. Tiles held by this layer are answered from it alone; the rest are
// asked of the base.
func (l *Layer) GetTiles(requested []tiles.Tile, buf []byte) iter.Seq2[Entry, error] {
	ids := make([]uint64, 0, len(requested))
	for _, t := range requested {
		if t.Zoom != l.meta.Zoom || !t.Valid() {
			return failed[Entry](fmt.Errorf("tile %v does not match layer zoom %d", t, l.meta.Zoom))
		}
		ids = append(ids, t.LocalID())
	}
	slices.Sort(ids)
	return l.getTiles(slices.Compact(ids), buf)
}

func (l *Layer) getTiles(ids []uint64, buf []byte) iter.Seq2[Entry, error] {
	if len(ids) == 0 {
		return fromSlice[Entry](nil)
	}
	ix, err := l.indexes()
	if err != nil {
		return failed[Entry](err)
	}

	heads := ix.tiles.LowestPointersFor(ids)
	var other []uint64
	for _, id := range ids {
		if !ix.tiles.HasTile(id) {
			other = append(other, id)
		}
	}

	local := func(yield func(Entry, error) bool) {
		if len(heads) == 0 {
			return
		}
		r, err := l.openStore()
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer r.Close()
		for e, err := range r.ForTiles(heads, buf) {
			if err != nil {
				yield(Entry{}, fmt.Errorf("layer %d: %w", l.meta.ID, err))
				return
			}
			if !yield(l.toEntry(e), nil) {
				return
			}
		}
	}
	if l.IsRoot() || len(other) == 0 {
		return local
	}

	base, err := l.Base()
	if err != nil {
		return failed[Entry](err)
	}
	return mergeSorted(local, base.getTiles(other, nil), compareEntries)
}

// LocalKeys yields this layer's own object index in key order, tombstones
// included (Value == index.Deleted).
func (l *Layer) LocalKeys() iter.Seq2[index.KeyValue, error] {
	return func(yield func(index.KeyValue, error) bool) {
		ix, err := l.indexes()
		if err != nil {
			yield(index.KeyValue{}, err)
			return
		}
		for kv := range ix.keys.All() {
			if !yield(kv, nil) {
				return
			}
		}
	}
}
