package history

import (
	"slices"
	"time"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

// union merges tile sets into one sorted, duplicate free set.
func union(sets ...[]uint64) []uint64 {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	out := make([]uint64, 0, n)
	for _, s := range sets {
		out = append(out, s...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func localIDs(ts []tiles.Tile) []uint64 {
	ids := make([]uint64, len(ts))
	for i, t := range ts {
		ids[i] = t.LocalID()
	}
	return union(ids)
}

func toTiles(zoom uint32, ids []uint64) []tiles.Tile {
	ts := make([]tiles.Tile, len(ids))
	for i, id := range ids {
		ts[i] = tiles.FromLocalID(zoom, id)
	}
	return ts
}

func nodeTile(n *osm.Node, zoom uint32) uint64 {
	return tiles.At(n.Lat, n.Lon, zoom).LocalID()
}

func timestampOf(obj osm.Object) time.Time {
	switch o := obj.(type) {
	case *osm.Node:
		return o.Timestamp
	case *osm.Way:
		return o.Timestamp
	case *osm.Relation:
		return o.Timestamp
	}
	return time.Time{}
}

func versionOf(obj osm.Object) int {
	switch o := obj.(type) {
	case *osm.Node:
		return o.Version
	case *osm.Way:
		return o.Version
	case *osm.Relation:
		return o.Version
	}
	return 0
}

// objectsOf yields the nodes, ways and relations of o in that order.
func objectsOf(o *osm.OSM) []osm.Object {
	if o == nil {
		return nil
	}
	out := make([]osm.Object, 0, len(o.Nodes)+len(o.Ways)+len(o.Relations))
	for _, n := range o.Nodes {
		out = append(out, n)
	}
	for _, w := range o.Ways {
		out = append(out, w)
	}
	for _, r := range o.Relations {
		out = append(out, r)
	}
	return out
}

// memberTiles resolves the tiles of an object's members. lookup returns the
// tile set of one member and whether it is known.
func memberTiles(obj osm.Object, lookup func(osmgeo.Key) ([]uint64, bool)) (ts []uint64, dangling int) {
	members := osmgeo.Members(obj)
	sets := make([][]uint64, 0, len(members))
	for _, m := range members {
		set, ok := lookup(m)
		if !ok {
			dangling++
			continue
		}
		sets = append(sets, set)
	}
	return union(sets...), dangling
}
