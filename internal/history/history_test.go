package history

import (
	"context"
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
	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

const zoom = 14

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tileA = tiles.At(50, 4, zoom)
	tileB = tiles.At(51, 5, zoom)
	tileC = tiles.At(52, 6, zoom)

	way0 = osmgeo.Key{Type: osmgeo.Way, ID: 0}
)

func clock() func() time.Time {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Now = clock()
	return opts
}

func node(id int64, version int, lat, lon float64) *osm.Node {
	return &osm.Node{ID: osm.NodeID(id), Version: version, Lat: lat, Lon: lon, Visible: true, Timestamp: t0}
}

func way(id int64, version int, nodes ...int64) *osm.Way {
	w := &osm.Way{ID: osm.WayID(id), Version: version, Visible: true, Timestamp: t0}
	for _, n := range nodes {
		w.Nodes = append(w.Nodes, osm.WayNode{ID: osm.NodeID(n)})
	}
	return w
}

func relation(id int64, version int, members ...osm.Member) *osm.Relation {
	return &osm.Relation{ID: osm.RelationID(id), Version: version, Visible: true, Timestamp: t0, Members: members}
}

func seq(objects ...osm.Object) iter.Seq2[osm.Object, error] {
	return func(yield func(osm.Object, error) bool) {
		for _, o := range objects {
			if !yield(o, nil) {
				return
			}
		}
	}
}

// seedDB builds the two node, one way root: node 0 in tileA, node 1 in
// tileB and way 0 joining them.
func seedDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Create(context.Background(), t.TempDir(), zoom, seq(
		node(0, 1, 50, 4),
		node(1, 1, 51, 5),
		way(0, 1, 0, 1),
	), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func label(k osmgeo.Key, version int) string {
	return fmt.Sprintf("%c%d@%d", k.Type.String()[0], k.ID, version)
}

// view renders the objects of a sequence as n0@1, w3@2 and so on.
func view(t *testing.T, entries iter.Seq2[layer.Entry, error]) []string {
	t.Helper()
	var out []string
	for e, err := range entries {
		require.NoError(t, err)
		out = append(out, label(e.Key, versionOf(e.Object)))
	}
	return out
}

func tileList(t *testing.T, seq iter.Seq2[tiles.Tile, error]) []tiles.Tile {
	t.Helper()
	var out []tiles.Tile
	for tile, err := range seq {
		require.NoError(t, err)
		out = append(out, tile)
	}
	return out
}

func tilesOf(t *testing.T, l *layer.Layer, k osmgeo.Key) []tiles.Tile {
	t.Helper()
	for kt, err := range l.TilesFor([]osmgeo.Key{k}) {
		require.NoError(t, err)
		return kt.Tiles
	}
	t.Fatalf("%v not found in %v", k, l)
	return nil
}

// replay walks a chain from the root up, applying each layer's own entries.
func replay(t *testing.T, latest *layer.Layer) []string {
	t.Helper()
	chain, err := latest.Chain()
	require.NoError(t, err)

	state := make(map[osmgeo.Key]string)
	for _, l := range slices.Backward(chain) {
		for kv, err := range l.LocalKeys() {
			require.NoError(t, err)
			if kv.Value == index.Deleted {
				delete(state, kv.Key)
				continue
			}
			e, ok, err := l.Object(kv.Key)
			require.NoError(t, err)
			require.True(t, ok)
			state[kv.Key] = label(kv.Key, versionOf(e.Object))
		}
	}

	keys := make([]osmgeo.Key, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, osmgeo.Key.Compare)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = state[k]
	}
	return out
}

func TestCreateRoot(t *testing.T) {
	for _, profile := range []index.Profile{index.InMemory, index.Mapped} {
		t.Run(profile.String(), func(t *testing.T) {
			opts := testOptions()
			opts.Profile = profile
			db := seedDB(t, opts)

			latest := db.Latest()
			require.True(t, latest.IsRoot())
			require.Equal(t, layer.Full, latest.Type())
			require.True(t, t0.Equal(latest.Meta().EndTimestamp))
			require.Equal(t, int64(3), latest.Meta().Stats.Objects)

			got := tileList(t, latest.Tiles(false))
			require.Contains(t, got, tileA)
			require.Contains(t, got, tileB)

			e, ok, err := latest.Object(way0)
			require.NoError(t, err)
			require.True(t, ok)
			w := e.Object.(*osm.Way)
			require.Equal(t, []osm.NodeID{0, 1}, []osm.NodeID{w.Nodes[0].ID, w.Nodes[1].ID})
			require.ElementsMatch(t, []tiles.Tile{tileA, tileB}, e.Tiles)

			_, err = os.Stat(filepath.Join(latest.Dir(), nodeScratchFile))
			require.True(t, os.IsNotExist(err), "scratch node index must not be published")
		})
	}
}

func TestCreateRelationTiles(t *testing.T) {
	db, err := Create(context.Background(), t.TempDir(), zoom, seq(
		node(0, 1, 50, 4),
		node(1, 1, 51, 5),
		node(2, 1, 52, 6),
		way(0, 1, 0, 1),
		relation(0, 1,
			osm.Member{Type: osm.TypeWay, Ref: 0},
			osm.Member{Type: osm.TypeNode, Ref: 2},
			osm.Member{Type: osm.TypeNode, Ref: 99}),
		relation(1, 1, osm.Member{Type: osm.TypeRelation, Ref: 0}),
	), testOptions())
	require.NoError(t, err)
	defer db.Close()

	latest := db.Latest()
	all := []tiles.Tile{tileA, tileB, tileC}
	require.ElementsMatch(t, all, tilesOf(t, latest, osmgeo.Key{Type: osmgeo.Relation, ID: 0}))
	require.ElementsMatch(t, all, tilesOf(t, latest, osmgeo.Key{Type: osmgeo.Relation, ID: 1}))
}

func TestCreateRejectsBadInputWithoutWriting(t *testing.T) {
	dir := t.TempDir()

	_, err := Create(context.Background(), dir, 13, seq(node(0, 1, 50, 4)), testOptions())
	require.ErrorIs(t, err, tiles.ErrInvalidZoom)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = Create(context.Background(), filepath.Join(dir, "missing"), zoom, seq(), testOptions())
	require.ErrorIs(t, err, ErrRootNotFound)
}

func TestCreateRejectsUnsortedSeed(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(context.Background(), dir, zoom, seq(
		way(0, 1, 0),
		node(0, 1, 50, 4),
	), testOptions())
	require.ErrorIs(t, err, layer.ErrUnsortedInput)

	_, ok, err := TryLoad(dir, testOptions())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateRejectsExistingDatabase(t *testing.T) {
	db := seedDB(t, testOptions())
	_, err := Create(context.Background(), db.Path(), zoom, seq(), testOptions())
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestApplyDiffDeletesWay(t *testing.T) {
	db := seedDB(t, testOptions())
	root := db.Latest()

	diff, err := db.ApplyDiff(context.Background(), &osm.Change{
		Delete: &osm.OSM{Ways: osm.Ways{way(0, 2, 0, 1)}},
	}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Same(t, diff, db.Latest())
	require.Equal(t, layer.Diff, diff.Type())

	_, ok, err := diff.Object(way0)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = root.Object(way0)
	require.NoError(t, err)
	require.True(t, ok)

	// both tiles of the deleted way are now answered by the diff alone
	for _, tile := range []tiles.Tile{tileA, tileB} {
		holder, err := diff.DBForTile(tile)
		require.NoError(t, err)
		require.Same(t, diff, holder)
	}
	require.Equal(t, []string{"n0@1", "n1@1"}, view(t, diff.GetTiles([]tiles.Tile{tileA, tileB}, nil)))
	require.Equal(t, []string{"n0@1", "n1@1"}, view(t, diff.Scan(nil)))
}

func TestApplyDiffMovesNode(t *testing.T) {
	db := seedDB(t, testOptions())
	root := db.Latest()

	diff, err := db.ApplyDiff(context.Background(), &osm.Change{
		Modify: &osm.OSM{Nodes: osm.Nodes{node(1, 2, 52, 6)}},
	}, t0.Add(time.Hour))
	require.NoError(t, err)

	n1 := osmgeo.Key{Type: osmgeo.Node, ID: 1}
	require.Equal(t, []tiles.Tile{tileC}, tilesOf(t, diff, n1))
	require.ElementsMatch(t, []tiles.Tile{tileA, tileC}, tilesOf(t, diff, way0))

	require.Empty(t, view(t, diff.GetTiles([]tiles.Tile{tileB}, nil)))
	require.Equal(t, []string{"n1@2", "w0@1"}, view(t, diff.GetTiles([]tiles.Tile{tileC}, nil)))
	require.Equal(t, []string{"n1@1", "w0@1"}, view(t, root.GetTiles([]tiles.Tile{tileB}, nil)))

	// tileB is held empty by the diff
	holder, err := diff.DBForTile(tileB)
	require.NoError(t, err)
	require.Same(t, diff, holder)
	require.Contains(t, tileList(t, diff.Tiles(true)), tileB)
	require.NotContains(t, tileList(t, diff.Tiles(false)), tileB)
}

func TestApplyDiffResolvesMembersFromChange(t *testing.T) {
	db := seedDB(t, testOptions())

	diff, err := db.ApplyDiff(context.Background(), &osm.Change{
		Create: &osm.OSM{
			Nodes: osm.Nodes{node(2, 1, 52, 6)},
			Ways:  osm.Ways{way(1, 1, 0, 2)},
		},
	}, t0.Add(time.Hour))
	require.NoError(t, err)

	require.ElementsMatch(t, []tiles.Tile{tileA, tileC}, tilesOf(t, diff, osmgeo.Key{Type: osmgeo.Way, ID: 1}))
	require.Equal(t, []string{"n0@1", "n1@1", "n2@1", "w0@1", "w1@1"}, view(t, diff.Scan(nil)))
	require.ElementsMatch(t, []tiles.Tile{tileA, tileB, tileC}, tileList(t, diff.Tiles(false)))
}

func TestApplyDiffKeepsParentTiles(t *testing.T) {
	type tileView struct {
		tile    tiles.Tile
		objects []string
	}
	rel0 := osmgeo.Key{Type: osmgeo.Relation, ID: 0}
	n0 := osmgeo.Key{Type: osmgeo.Node, ID: 0}
	n1 := osmgeo.Key{Type: osmgeo.Node, ID: 1}

	tests := []struct {
		name      string
		seed      []osm.Object
		changes   []*osm.Change
		wantSets  map[osmgeo.Key][]tiles.Tile
		wantTiles []tileView
	}{
		{
			name: "way keeps moved node tile through an unrelated diff",
			seed: []osm.Object{node(0, 1, 50, 4), node(1, 1, 51, 5), way(0, 1, 0, 1)},
			changes: []*osm.Change{
				{Modify: &osm.OSM{Nodes: osm.Nodes{node(0, 2, 52, 6)}}},
				{Create: &osm.OSM{Nodes: osm.Nodes{node(2, 1, 51, 5)}}},
			},
			wantSets: map[osmgeo.Key][]tiles.Tile{
				n0:   {tileC},
				n1:   {tileB},
				way0: {tileB, tileC},
			},
			wantTiles: []tileView{
				{tileA, nil},
				{tileB, []string{"n1@1", "n2@1", "w0@1"}},
				{tileC, []string{"n0@2", "w0@1"}},
			},
		},
		{
			name: "relation follows the nodes of its way",
			seed: []osm.Object{
				node(0, 1, 50, 4), node(1, 1, 51, 5), way(0, 1, 0, 1),
				relation(0, 1, osm.Member{Type: osm.TypeWay, Ref: 0, Role: "outer"}),
			},
			changes: []*osm.Change{
				{Modify: &osm.OSM{Nodes: osm.Nodes{node(0, 2, 52, 6)}}},
			},
			wantSets: map[osmgeo.Key][]tiles.Tile{
				n0:   {tileC},
				way0: {tileB, tileC},
				rel0: {tileB, tileC},
			},
			wantTiles: []tileView{
				{tileA, nil},
				{tileB, []string{"n1@1", "w0@1", "r0@1"}},
				{tileC, []string{"n0@2", "w0@1", "r0@1"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Create(context.Background(), t.TempDir(), zoom, seq(tt.seed...), testOptions())
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })

			for i, c := range tt.changes {
				_, err := db.ApplyDiff(context.Background(), c, t0.Add(time.Duration(i+1)*time.Hour))
				require.NoError(t, err)
			}

			check := func(l *layer.Layer) {
				t.Helper()
				for k, want := range tt.wantSets {
					require.ElementsMatch(t, want, tilesOf(t, l, k), "tiles of %v in %v", k, l)
				}
				for _, tv := range tt.wantTiles {
					got := view(t, l.GetTiles([]tiles.Tile{tv.tile}, nil))
					if diff := cmp.Diff(tv.objects, got); diff != "" {
						t.Errorf("%v tile %v mismatch (-want +got):\n%s", l, tv.tile, diff)
					}
				}
			}
			check(db.Latest())

			snap, err := db.TakeSnapshot(context.Background(), 0)
			require.NoError(t, err)
			require.True(t, snap.IsRoot())
			check(snap)
		})
	}
}

func TestApplyDiffRejectsStaleTimestamp(t *testing.T) {
	db := seedDB(t, testOptions())
	_, err := db.ApplyDiff(context.Background(), &osm.Change{}, t0.Add(-time.Hour))
	require.ErrorIs(t, err, ErrStaleTimestamp)
	require.True(t, db.Latest().IsRoot())
}

func TestApplyEmptyDiff(t *testing.T) {
	db := seedDB(t, testOptions())
	diff, err := db.ApplyDiff(context.Background(), nil, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, tileList(t, diff.Tiles(true)))
	require.Equal(t, view(t, diff.Scan(nil)), []string{"n0@1", "n1@1", "w0@1"})
}

// applyDiffs chains three diffs an hour apart onto the seed.
func applyDiffs(t *testing.T, db *DB) {
	t.Helper()
	changes := []*osm.Change{
		{Create: &osm.OSM{Nodes: osm.Nodes{node(2, 1, 52, 6)}}},
		{Modify: &osm.OSM{Nodes: osm.Nodes{node(0, 2, 50, 4)}}},
		{
			Create: &osm.OSM{Ways: osm.Ways{way(1, 1, 1, 2)}},
			Delete: &osm.OSM{Ways: osm.Ways{way(0, 2, 0, 1)}},
		},
	}
	for i, c := range changes {
		_, err := db.ApplyDiff(context.Background(), c, t0.Add(time.Duration(i+1)*time.Hour))
		require.NoError(t, err)
	}
}

func TestFullSnapshot(t *testing.T) {
	db := seedDB(t, testOptions())
	applyDiffs(t, db)

	before := db.Latest()
	depth, err := before.Depth()
	require.NoError(t, err)
	require.Equal(t, 3, depth)
	want := replay(t, before)

	snap, err := db.TakeSnapshot(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.True(t, snap.IsRoot())
	require.Same(t, snap, db.Latest())
	require.True(t, before.Meta().EndTimestamp.Equal(snap.Meta().EndTimestamp))

	if diff := cmp.Diff(want, view(t, snap.Scan(nil))); diff != "" {
		t.Errorf("snapshot view mismatch (-chain +snapshot):\n%s", diff)
	}
	require.Equal(t, []string{"n0@2", "n1@1", "n2@1", "w1@1"}, want)
}

func TestWindowSnapshot(t *testing.T) {
	db := seedDB(t, testOptions())
	applyDiffs(t, db)

	before := db.Latest()
	chain, err := before.Chain()
	require.NoError(t, err)
	want := replay(t, before)
	wantTiles := view(t, before.GetTiles([]tiles.Tile{tileA, tileB, tileC}, nil))

	// the last two diffs end within 90 minutes of the latest
	snap, err := db.TakeSnapshot(context.Background(), 90*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, layer.Snapshot, snap.Type())

	base, err := snap.Base()
	require.NoError(t, err)
	require.Equal(t, chain[2].ID(), base.ID())

	depth, err := snap.Depth()
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	if diff := cmp.Diff(want, view(t, snap.Scan(nil))); diff != "" {
		t.Errorf("snapshot view mismatch (-chain +snapshot):\n%s", diff)
	}
	if diff := cmp.Diff(wantTiles, view(t, snap.GetTiles([]tiles.Tile{tileA, tileB, tileC}, nil))); diff != "" {
		t.Errorf("snapshot tiles mismatch (-chain +snapshot):\n%s", diff)
	}
	_, ok, err := snap.Object(way0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotNoop(t *testing.T) {
	db := seedDB(t, testOptions())

	snap, err := db.TakeSnapshot(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Nil(t, snap)

	applyDiffs(t, db)
	snap, err = db.TakeSnapshot(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Nil(t, snap, "a window of one layer is left alone")
}

func TestTryLoad(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := TryLoad(dir, testOptions())
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = TryLoad(filepath.Join(dir, "missing"), testOptions())
	require.ErrorIs(t, err, ErrRootNotFound)

	db := seedDB(t, testOptions())
	applyDiffs(t, db)
	latest := db.Latest().ID()
	require.NoError(t, db.Close())

	loaded, ok, err := TryLoad(db.Path(), testOptions())
	require.NoError(t, err)
	require.True(t, ok)
	defer loaded.Close()
	require.Equal(t, latest, loaded.Latest().ID())
	require.Equal(t, []string{"n0@2", "n1@1", "n2@1", "w1@1"}, view(t, loaded.Latest().Scan(nil)))
}

func TestTryLoadMissingBase(t *testing.T) {
	db := seedDB(t, testOptions())
	root := db.Latest()
	_, err := db.ApplyDiff(context.Background(), &osm.Change{}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, os.RemoveAll(root.Dir()))
	_, _, err = TryLoad(db.Path(), testOptions())
	require.ErrorIs(t, err, ErrMissingBase)
}

func TestPrune(t *testing.T) {
	db := seedDB(t, testOptions())
	applyDiffs(t, db)
	_, err := db.TakeSnapshot(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(db.Path(), stagingDir, "leftover"), 0755))

	removed, err := db.Prune()
	require.NoError(t, err)
	require.Len(t, removed, 5)

	layers, err := db.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, db.Latest().ID(), layers[0].ID())
	require.Equal(t, []string{"n0@2", "n1@1", "n2@1", "w1@1"}, view(t, db.Latest().Scan(nil)))
}
