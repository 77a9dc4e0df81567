package layer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmtiledb/internal/index"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

const zoom = 14

var (
	tileA = tiles.At(50, 4, zoom)
	tileB = tiles.At(51, 5, zoom)
	tileC = tiles.At(52, 6, zoom)
)

type object struct {
	obj   osm.Object
	tiles []tiles.Tile
}

func ids(ts ...tiles.Tile) []uint64 {
	out := make([]uint64, len(ts))
	for i, t := range ts {
		out[i] = t.LocalID()
	}
	return out
}

func int64p(v int64) *int64 { return &v }

// fixture is a root, a diff deleting way 0 and moving node 2, and a diff
// adding node 3 in a fresh tile.
type fixture struct {
	layers map[int64]*Layer
	root   *Layer
	diff   *Layer
	diff2  *Layer
}

func writeLayer(t *testing.T, dir string, meta Meta, objects []object, deleted []osmgeo.Key, linked []tiles.Tile) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))

	var linkFn func(uint64) bool
	if linked != nil {
		set := make(map[uint64]bool)
		for _, id := range ids(linked...) {
			set[id] = true
		}
		linkFn = func(id uint64) bool { return set[id] }
	}

	b, err := NewBuilder(dir, linkFn)
	require.NoError(t, err)
	for _, o := range objects {
		require.NoError(t, b.Add(o.obj, ids(o.tiles...)))
	}
	for _, k := range deleted {
		require.NoError(t, b.Delete(k))
	}
	_, err = b.Finish(context.Background(), meta)
	require.NoError(t, err)
}

func node(id int64, version int, lat, lon float64) *osm.Node {
	return &osm.Node{ID: osm.NodeID(id), Version: version, Lat: lat, Lon: lon, Visible: true,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func way(id int64, version int, nodes ...int64) *osm.Way {
	w := &osm.Way{ID: osm.WayID(id), Version: version, Visible: true}
	for _, n := range nodes {
		w.Nodes = append(w.Nodes, osm.WayNode{ID: osm.NodeID(n)})
	}
	return w
}

func newFixture(t *testing.T, profile index.Profile) *fixture {
	t.Helper()
	root := t.TempDir()

	f := &fixture{layers: make(map[int64]*Layer)}
	resolve := func(id int64) (*Layer, error) {
		l, ok := f.layers[id]
		if !ok {
			return nil, fmt.Errorf("layer %d not found", id)
		}
		return l, nil
	}
	open := func(meta Meta) *Layer {
		l, err := Open(filepath.Join(root, meta.DirName()), profile, resolve)
		require.NoError(t, err)
		f.layers[meta.ID] = l
		t.Cleanup(func() { l.Close() })
		return l
	}

	rootMeta := Meta{ID: 1, Zoom: zoom, Type: Full}
	writeLayer(t, filepath.Join(root, rootMeta.DirName()), rootMeta, []object{
		{node(0, 1, 50, 4), []tiles.Tile{tileA}},
		{node(1, 1, 50, 4), []tiles.Tile{tileA}},
		{node(2, 1, 51, 5), []tiles.Tile{tileB}},
		{way(0, 1, 0, 1), []tiles.Tile{tileA}},
		{way(1, 1, 1, 2), []tiles.Tile{tileA, tileB}},
	}, nil, nil)
	f.root = open(rootMeta)

	// tiles A and B are touched, so both are copied forward complete
	diffMeta := Meta{ID: 2, Zoom: zoom, Type: Diff, Base: int64p(1)}
	writeLayer(t, filepath.Join(root, diffMeta.DirName()), diffMeta, []object{
		{node(0, 1, 50, 4), []tiles.Tile{tileA}},
		{node(1, 1, 50, 4), []tiles.Tile{tileA}},
		{node(2, 2, 51.0001, 5), []tiles.Tile{tileB}},
		{way(1, 1, 1, 2), []tiles.Tile{tileA, tileB}},
	}, []osmgeo.Key{{Type: osmgeo.Way, ID: 0}}, nil)
	f.diff = open(diffMeta)

	diff2Meta := Meta{ID: 3, Zoom: zoom, Type: Diff, Base: int64p(2)}
	writeLayer(t, filepath.Join(root, diff2Meta.DirName()), diff2Meta, []object{
		{node(3, 1, 52, 6), []tiles.Tile{tileC}},
	}, nil, nil)
	f.diff2 = open(diff2Meta)

	return f
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func entryKeys(entries []Entry) []osmgeo.Key {
	keys := make([]osmgeo.Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

func k(typ osmgeo.Type, id int64) osmgeo.Key { return osmgeo.Key{Type: typ, ID: id} }

func TestScan(t *testing.T) {
	for _, profile := range []index.Profile{index.InMemory, index.Mapped} {
		t.Run(profile.String(), func(t *testing.T) {
			f := newFixture(t, profile)

			require.Equal(t, []osmgeo.Key{
				k(osmgeo.Node, 0), k(osmgeo.Node, 1), k(osmgeo.Node, 2), k(osmgeo.Way, 0), k(osmgeo.Way, 1),
			}, entryKeys(collect(t, f.root.Scan(nil))))

			got := collect(t, f.diff2.Scan(nil))
			require.Equal(t, []osmgeo.Key{
				k(osmgeo.Node, 0), k(osmgeo.Node, 1), k(osmgeo.Node, 2), k(osmgeo.Node, 3), k(osmgeo.Way, 1),
			}, entryKeys(got))
			require.Equal(t, 2, got[2].Object.(*osm.Node).Version, "newest version wins")
		})
	}
}

func TestGet(t *testing.T) {
	f := newFixture(t, index.InMemory)

	got := collect(t, f.diff2.Get([]osmgeo.Key{
		k(osmgeo.Way, 0), // deleted in diff
		k(osmgeo.Node, 2),
		k(osmgeo.Node, 3),
		k(osmgeo.Node, 1),
		k(osmgeo.Node, 1),
		k(osmgeo.Relation, 9), // never existed
	}, nil))
	require.Equal(t, []osmgeo.Key{k(osmgeo.Node, 1), k(osmgeo.Node, 2), k(osmgeo.Node, 3)}, entryKeys(got))
	require.Equal(t, 2, got[1].Object.(*osm.Node).Version)
	require.Equal(t, []tiles.Tile{tileB}, got[1].Tiles)

	// the root still sees the old state
	e, ok, err := f.root.Object(k(osmgeo.Way, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []tiles.Tile{tileA}, e.Tiles)

	_, ok, err = f.diff.Object(k(osmgeo.Way, 0))
	require.NoError(t, err)
	require.False(t, ok)

	require.Empty(t, collect(t, f.diff2.Get(nil, nil)))
}

func TestTilesFor(t *testing.T) {
	f := newFixture(t, index.InMemory)

	got := collect(t, f.diff2.TilesFor([]osmgeo.Key{k(osmgeo.Way, 1), k(osmgeo.Way, 0), k(osmgeo.Node, 3)}))
	want := []KeyTiles{
		{Key: k(osmgeo.Node, 3), Tiles: []tiles.Tile{tileC}},
		{Key: k(osmgeo.Way, 1), Tiles: sortedTiles(tileA, tileB)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TilesFor mismatch (-want +got):\n%s", diff)
	}
}

// sortedTiles orders tiles by local id, the order the store keeps them in.
func sortedTiles(ts ...tiles.Tile) []tiles.Tile {
	out := slices.Clone(ts)
	slices.SortFunc(out, func(a, b tiles.Tile) int {
		return int(int64(a.LocalID()) - int64(b.LocalID()))
	})
	return out
}

func TestTiles(t *testing.T) {
	f := newFixture(t, index.InMemory)

	require.Equal(t, sortedTiles(tileA, tileB, tileC), collect(t, f.diff2.Tiles(false)))
	require.Equal(t, []tiles.Tile{tileC}, collect(t, f.diff2.Tiles(true)))
	require.Equal(t, sortedTiles(tileA, tileB), collect(t, f.root.Tiles(true)))
}

func TestDBForTile(t *testing.T) {
	f := newFixture(t, index.InMemory)

	l, err := f.diff2.DBForTile(tileC)
	require.NoError(t, err)
	require.Same(t, f.diff2, l)

	l, err = f.diff2.DBForTile(tileA)
	require.NoError(t, err)
	require.Same(t, f.diff, l)

	l, err = f.root.DBForTile(tileB)
	require.NoError(t, err)
	require.Same(t, f.root, l)

	l, err = f.diff2.DBForTile(tiles.At(-30, -60, zoom))
	require.NoError(t, err)
	require.Nil(t, l)

	_, err = f.diff2.DBForTile(tiles.Tile{Zoom: 12})
	require.Error(t, err)
}

func TestGetTiles(t *testing.T) {
	f := newFixture(t, index.InMemory)

	got := collect(t, f.diff2.GetTiles([]tiles.Tile{tileC, tileA, tileA}, nil))
	require.Equal(t, []osmgeo.Key{
		k(osmgeo.Node, 0), k(osmgeo.Node, 1), k(osmgeo.Node, 3), k(osmgeo.Way, 1),
	}, entryKeys(got))

	got = collect(t, f.root.GetTiles([]tiles.Tile{tileB}, nil))
	require.Equal(t, []osmgeo.Key{k(osmgeo.Node, 2), k(osmgeo.Way, 1)}, entryKeys(got))

	require.Empty(t, collect(t, f.diff2.GetTiles([]tiles.Tile{tiles.At(-30, -60, zoom)}, nil)))
}

func TestDepthAndChain(t *testing.T) {
	f := newFixture(t, index.InMemory)

	depth, err := f.diff2.Depth()
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	chain, err := f.diff2.Chain()
	require.NoError(t, err)
	require.Equal(t, []*Layer{f.diff2, f.diff, f.root}, chain)

	depth, err = f.root.Depth()
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestMissingBaseFailsReads(t *testing.T) {
	f := newFixture(t, index.InMemory)

	orphan, err := Open(f.diff2.Dir(), index.InMemory, func(id int64) (*Layer, error) {
		return nil, os.ErrNotExist
	})
	require.NoError(t, err)
	defer orphan.Close()

	_, err = orphan.Base()
	require.True(t, errors.Is(err, os.ErrNotExist))

	var scanErr error
	for _, err := range orphan.Scan(nil) {
		scanErr = err
	}
	require.True(t, errors.Is(scanErr, os.ErrNotExist))
}

func TestBreakingOutOfScan(t *testing.T) {
	f := newFixture(t, index.Mapped)

	n := 0
	for _, err := range f.diff2.Scan(nil) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)

	// a second scan after an abandoned one still sees everything
	require.Len(t, collect(t, f.diff2.Scan(nil)), 5)
}

func TestHeldEmptyTileHidesBase(t *testing.T) {
	f := newFixture(t, index.InMemory)

	// node 3 leaves tileC, leaving it empty
	meta := Meta{ID: 4, Zoom: zoom, Type: Diff, Base: int64p(3)}
	dir := filepath.Join(filepath.Dir(f.diff2.Dir()), meta.DirName())
	require.NoError(t, os.MkdirAll(dir, 0755))
	b, err := NewBuilder(dir, func(id uint64) bool { return id == tileC.LocalID() })
	require.NoError(t, err)
	b.Hold(tileC.LocalID())
	require.NoError(t, b.Delete(k(osmgeo.Node, 3)))
	meta, err = b.Finish(context.Background(), meta)
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.Stats.Tiles)

	l, err := Open(dir, index.InMemory, func(id int64) (*Layer, error) { return f.layers[id], nil })
	require.NoError(t, err)
	defer l.Close()

	holder, err := l.DBForTile(tileC)
	require.NoError(t, err)
	require.Same(t, l, holder)
	require.Empty(t, collect(t, l.GetTiles([]tiles.Tile{tileC}, nil)))
	require.Equal(t, []tiles.Tile{tileC}, collect(t, l.Tiles(true)))
	require.Equal(t, sortedTiles(tileA, tileB), collect(t, l.Tiles(false)))
}

func TestBuilderRejectsUnsortedInput(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(dir, nil)
	require.NoError(t, err)
	defer b.Abort()

	require.NoError(t, b.Add(way(5, 1), nil))
	err = b.Add(node(1, 1, 0, 0), ids(tileA))
	require.True(t, errors.Is(err, ErrUnsortedInput), "got %v", err)
}

func TestMetaValidation(t *testing.T) {
	tests := []struct {
		name string
		meta Meta
	}{
		{"full with base", Meta{ID: 2, Type: Full, Base: int64p(1)}},
		{"diff without base", Meta{ID: 2, Type: Diff}},
		{"base newer than layer", Meta{ID: 2, Type: Diff, Base: int64p(3)}},
		{"unknown type", Meta{ID: 2, Type: "partial"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBuilder(t.TempDir(), nil)
			require.NoError(t, err)
			_, err = b.Finish(context.Background(), tt.meta)
			require.Error(t, err)
		})
	}
}

func TestParseDirName(t *testing.T) {
	typ, id, err := ParseDirName(DirName(Snapshot, 1700000000123))
	require.NoError(t, err)
	require.Equal(t, Snapshot, typ)
	require.Equal(t, int64(1700000000123), id)

	for _, name := range []string{"staging", "diff-abc", "other-12"} {
		_, _, err := ParseDirName(name)
		require.Error(t, err, name)
	}
}

func TestMergeSorted(t *testing.T) {
	newer := fromSlice([]int{1, 3, 5})
	older := fromSlice([]int{2, 3, 4, 6})
	got := collect(t, mergeSorted(newer, older, func(a, b int) int { return a - b }))
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, got)

	var err error
	for _, e := range mergeSorted(fromSlice([]int{1, 3, 2}), fromSlice[int](nil), func(a, b int) int { return a - b }) {
		err = e
	}
	require.True(t, errors.Is(err, ErrUnsorted), "got %v", err)
}
