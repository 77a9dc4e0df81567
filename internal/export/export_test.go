package export

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

var ts = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

func entries(objs ...osm.Object) iter.Seq2[layer.Entry, error] {
	return func(yield func(layer.Entry, error) bool) {
		for _, o := range objs {
			e := layer.Entry{Key: osmgeo.MustKey(o), Object: o, Tiles: []tiles.Tile{{X: 1, Y: 2, Zoom: 14}}}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func readTable(t *testing.T, path string) arrow.Table {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	pf, err := file.NewParquetReader(f)
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })

	r, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	tbl, err := r.ReadTable(context.Background())
	require.NoError(t, err)
	t.Cleanup(tbl.Release)
	return tbl
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	stats, err := Write(context.Background(), entries(
		&osm.Node{ID: 1, Version: 2, Lat: 50, Lon: 4, Timestamp: ts, Tags: osm.Tags{{Key: "amenity", Value: "bench"}}},
		&osm.Node{ID: 2, Version: 1, Lat: 50.1, Lon: 4.1, Timestamp: ts},
		&osm.Way{ID: 10, Version: 1, Timestamp: ts, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}}},
		&osm.Relation{ID: 20, Version: 3, Timestamp: ts, Members: osm.Members{{Type: osm.TypeWay, Ref: 10, Role: "outer"}}},
	), dir, 2)
	require.NoError(t, err)
	require.Equal(t, Stats{Nodes: 2, Ways: 1, Relations: 1, WayNodes: 2, Members: 1}, stats)

	objects := readTable(t, filepath.Join(dir, ObjectsFile))
	require.Equal(t, int64(4), objects.NumRows())
	require.Equal(t, int64(2), readTable(t, filepath.Join(dir, WayNodesFile)).NumRows())
	require.Equal(t, int64(1), readTable(t, filepath.Join(dir, RelationMembersFile)).NumRows())

	tags := objects.Column(8).Data().Chunk(0).(*array.String)
	require.Equal(t, `{"amenity":"bench"}`, tags.Value(0))
	require.Equal(t, "{}", tags.Value(1))

	lat := objects.Column(6).Data()
	require.Equal(t, 2, lat.NullN(), "ways and relations have no location")

	geom := objects.Column(10).Data()
	require.Equal(t, 2, geom.NullN())
	point, err := wkb.Unmarshal(geom.Chunk(0).(*array.Binary).Value(0))
	require.NoError(t, err)
	require.Equal(t, orb.Point{4, 50}, point)
}

func TestWriteStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	seq := func(yield func(layer.Entry, error) bool) {
		yield(layer.Entry{}, boom)
	}
	_, err := Write(context.Background(), seq, t.TempDir(), 0)
	require.ErrorIs(t, err, boom)
}

func TestTagsToJSON(t *testing.T) {
	require.Equal(t, "{}", TagsToJSON(nil))
	require.Equal(t, `{"a":"1","b":"2"}`, TagsToJSON(osm.Tags{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}))
}
