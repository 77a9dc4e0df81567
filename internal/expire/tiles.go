package expire

import (
	"iter"

	"github.com/wegman-software/osmtiledb/internal/tiles"
)

// Covering yields the tiles between minZoom and maxZoom that overlap t:
// its ancestors below t.Zoom, t itself, and every descendant above it.
// Descendants multiply by four per level, so keep maxZoom close to the
// store zoom.
func Covering(t tiles.Tile, minZoom, maxZoom uint32) iter.Seq[tiles.Tile] {
	return func(yield func(tiles.Tile) bool) {
		for z := minZoom; z <= maxZoom && z <= tiles.MaxZoom; z++ {
			if z <= t.Zoom {
				if !yield(t.Parent(z)) {
					return
				}
				continue
			}
			shift := z - t.Zoom
			x0, y0 := t.X<<shift, t.Y<<shift
			n := uint32(1) << shift
			for y := y0; y < y0+n; y++ {
				for x := x0; x < x0+n; x++ {
					if !yield(tiles.Tile{X: x, Y: y, Zoom: z}) {
						return
					}
				}
			}
		}
	}
}

// compareTiles orders by zoom, then column, then row.
func compareTiles(a, b tiles.Tile) int {
	switch {
	case a.Zoom != b.Zoom:
		return int(a.Zoom) - int(b.Zoom)
	case a.X != b.X:
		if a.X < b.X {
			return -1
		}
		return 1
	case a.Y != b.Y:
		if a.Y < b.Y {
			return -1
		}
		return 1
	}
	return 0
}
