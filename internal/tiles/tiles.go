package tiles

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/google/hilbert"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level a store can be partitioned at.
const MaxZoom = 30

// Web Mercator latitude limits
const (
	MaxMercatorLat = 85.0511287798
	MinMercatorLat = -85.0511287798
)

// ErrInvalidZoom is returned for odd zoom levels and zooms above MaxZoom.
var ErrInvalidZoom = errors.New("zoom must be even and at most 30")

// Tile is a Web Mercator tile address (OSM/Google scheme)
type Tile struct {
	X, Y uint32
	Zoom uint32
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// Parse reads a tile in z/x/y format.
func Parse(s string) (Tile, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Tile{}, fmt.Errorf("tile must be z/x/y: %q", s)
	}
	var v [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Tile{}, fmt.Errorf("invalid tile %q: %w", s, err)
		}
		v[i] = uint32(n)
	}
	t := Tile{Zoom: v[0], X: v[1], Y: v[2]}
	if !t.Valid() {
		return Tile{}, fmt.Errorf("tile %s out of range", t)
	}
	return t, nil
}

// Valid reports whether the coordinates fit the tile's zoom level.
func (t Tile) Valid() bool {
	if t.Zoom > MaxZoom {
		return false
	}
	n := uint32(1) << t.Zoom
	return t.X < n && t.Y < n
}

// LocalID returns the tile's position on the Hilbert curve covering its zoom
// level. The tile must be valid.
func (t Tile) LocalID() uint64 {
	h, _ := hilbert.NewHilbert(1 << t.Zoom)
	code, _ := h.MapInverse(int(t.X), int(t.Y))
	return uint64(code)
}

// FromLocalID is the inverse of Tile.LocalID.
func FromLocalID(zoom uint32, id uint64) Tile {
	h, _ := hilbert.NewHilbert(1 << zoom)
	x, y, _ := h.Map(int(id))
	return Tile{X: uint32(x), Y: uint32(y), Zoom: zoom}
}

// Parent returns the ancestor of t at the given (smaller or equal) zoom.
func (t Tile) Parent(zoom uint32) Tile {
	if zoom >= t.Zoom {
		return t
	}
	shift := t.Zoom - zoom
	return Tile{X: t.X >> shift, Y: t.Y >> shift, Zoom: zoom}
}

// ValidateZoom checks that a store can be partitioned at zoom.
func ValidateZoom(zoom uint32) error {
	if zoom%2 != 0 || zoom > MaxZoom {
		return fmt.Errorf("%w: got %d", ErrInvalidZoom, zoom)
	}
	return nil
}

// At returns the tile containing the coordinate at zoom. Latitudes outside
// the Web Mercator range and longitudes outside [-180, 180] are clamped.
func At(lat, lon float64, zoom uint32) Tile {
	lat = min(max(lat, MinMercatorLat), MaxMercatorLat)
	lon = min(max(lon, -180), 180)

	mt := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))

	last := uint32(1)<<zoom - 1
	return Tile{X: min(mt.X, last), Y: min(mt.Y, last), Zoom: zoom}
}

// InBound yields every tile at zoom intersecting the bound, row by row.
func InBound(b orb.Bound, zoom uint32) iter.Seq[Tile] {
	return func(yield func(Tile) bool) {
		// tile rows grow southwards
		topLeft := At(b.Max.Lat(), b.Min.Lon(), zoom)
		bottomRight := At(b.Min.Lat(), b.Max.Lon(), zoom)

		for y := topLeft.Y; y <= bottomRight.Y; y++ {
			for x := topLeft.X; x <= bottomRight.X; x++ {
				if !yield(Tile{X: x, Y: y, Zoom: zoom}) {
					return
				}
			}
		}
	}
}
