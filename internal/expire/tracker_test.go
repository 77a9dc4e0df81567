package expire

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmtiledb/internal/history"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

func TestExpireLayer(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	db, err := history.Create(ctx, t.TempDir(), 14, func(yield func(osm.Object, error) bool) {
		yield(&osm.Node{ID: 1, Version: 1, Lat: 50, Lon: 4, Visible: true, Timestamp: ts}, nil)
	}, history.DefaultOptions())
	require.NoError(t, err)
	defer db.Close()

	diff, err := db.ApplyDiff(ctx, &osm.Change{
		Modify: &osm.OSM{Nodes: osm.Nodes{{ID: 1, Version: 2, Lat: 51, Lon: 5, Visible: true}}},
	}, ts.Add(time.Minute))
	require.NoError(t, err)

	tr := NewTracker(13, 14)
	require.NoError(t, tr.ExpireLayer(diff))

	from, to := tiles.At(50, 4, 14), tiles.At(51, 5, 14)
	require.ElementsMatch(t, []tiles.Tile{
		from.Parent(13), from,
		to.Parent(13), to,
	}, tr.Tiles())
}
