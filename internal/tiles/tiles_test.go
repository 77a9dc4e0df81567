package tiles

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
)

func TestAt(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		zoom     uint32
		wantX    uint32
		wantY    uint32
	}{
		{name: "London at zoom 10", lat: 51.5074, lon: -0.1278, zoom: 10, wantX: 511, wantY: 340},
		{name: "Monaco at zoom 12", lat: 43.7384, lon: 7.4246, zoom: 12, wantX: 2132, wantY: 1493},
		{name: "New York at zoom 10", lat: 40.7128, lon: -74.0060, zoom: 10, wantX: 301, wantY: 385},
		{name: "origin at zoom 0", lat: 0, lon: 0, zoom: 0, wantX: 0, wantY: 0},
		{name: "origin at zoom 2", lat: 0, lon: 0, zoom: 2, wantX: 2, wantY: 2},
		{name: "north pole clamps", lat: 90, lon: 0, zoom: 4, wantX: 8, wantY: 0},
		{name: "antimeridian clamps", lat: -90, lon: 180, zoom: 4, wantX: 15, wantY: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tile := At(tt.lat, tt.lon, tt.zoom)
			if tile.X != tt.wantX || tile.Y != tt.wantY || tile.Zoom != tt.zoom {
				t.Errorf("At(%f, %f, %d) = %v, want %d/%d/%d",
					tt.lat, tt.lon, tt.zoom, tile, tt.zoom, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestLocalIDRoundTrip(t *testing.T) {
	for zoom := uint32(0); zoom <= 6; zoom += 2 {
		n := uint32(1) << zoom
		seen := make(map[uint64]bool, n*n)
		for x := uint32(0); x < n; x++ {
			for y := uint32(0); y < n; y++ {
				tile := Tile{X: x, Y: y, Zoom: zoom}
				id := tile.LocalID()
				if seen[id] {
					t.Fatalf("zoom %d: local id %d assigned twice", zoom, id)
				}
				seen[id] = true
				if id >= uint64(n)*uint64(n) {
					t.Fatalf("zoom %d: local id %d out of range", zoom, id)
				}
				if diff := cmp.Diff(tile, FromLocalID(zoom, id)); diff != "" {
					t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
				}
			}
		}
	}
}

func TestLocalIDRoundTripDeepZooms(t *testing.T) {
	for _, tile := range []Tile{
		{X: 0, Y: 0, Zoom: 14},
		{X: 16383, Y: 16383, Zoom: 14},
		{X: 8529, Y: 5974, Zoom: 14},
		{X: 1<<30 - 1, Y: 0, Zoom: 30},
		{X: 123456789, Y: 987654321, Zoom: 30},
	} {
		got := FromLocalID(tile.Zoom, tile.LocalID())
		if diff := cmp.Diff(tile, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestValidateZoom(t *testing.T) {
	for _, zoom := range []uint32{0, 2, 12, 14, 30} {
		if err := ValidateZoom(zoom); err != nil {
			t.Errorf("ValidateZoom(%d) = %v, want nil", zoom, err)
		}
	}
	for _, zoom := range []uint32{1, 13, 31, 32} {
		if err := ValidateZoom(zoom); !errors.Is(err, ErrInvalidZoom) {
			t.Errorf("ValidateZoom(%d) = %v, want ErrInvalidZoom", zoom, err)
		}
	}
}

func TestParent(t *testing.T) {
	tile := Tile{X: 8529, Y: 5974, Zoom: 14}
	if got, want := tile.Parent(12), (Tile{X: 2132, Y: 1493, Zoom: 12}); got != want {
		t.Errorf("Parent(12) = %v, want %v", got, want)
	}
	if got := tile.Parent(16); got != tile {
		t.Errorf("Parent(16) = %v, want the tile itself", got)
	}
}

func TestInBound(t *testing.T) {
	// Monaco
	bound := orb.Bound{Min: orb.Point{7.409, 43.724}, Max: orb.Point{7.440, 43.752}}

	var got []Tile
	for tile := range InBound(bound, 14) {
		got = append(got, tile)
	}
	if len(got) == 0 || len(got) > 100 {
		t.Fatalf("expected between 1 and 100 tiles, got %d", len(got))
	}
	for _, tile := range got {
		if tile.Zoom != 14 || !tile.Valid() {
			t.Errorf("unexpected tile %v", tile)
		}
	}

	point := At(43.7384, 7.4246, 14)
	found := false
	for _, tile := range got {
		if tile == point {
			found = true
		}
	}
	if !found {
		t.Errorf("tile %v of a point inside the bound is missing", point)
	}
}

func TestTileString(t *testing.T) {
	tile := Tile{X: 2144, Y: 1501, Zoom: 12}
	if tile.String() != "12/2144/1501" {
		t.Errorf("expected 12/2144/1501, got %s", tile.String())
	}
}

func TestParse(t *testing.T) {
	tile, err := Parse("14/8529/5975")
	if err != nil {
		t.Fatal(err)
	}
	if want := (Tile{X: 8529, Y: 5975, Zoom: 14}); tile != want {
		t.Errorf("Parse = %v, want %v", tile, want)
	}

	for _, bad := range []string{"", "14/1", "14/a/1", "2/4/0", "31/0/0", "-1/0/0"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
}
