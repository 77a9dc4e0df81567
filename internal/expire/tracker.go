package expire

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/tiles"
)

// Tracker collects the tiles a diff invalidates, expanded to the zoom
// range a tile renderer serves.
type Tracker struct {
	mu      sync.Mutex
	tiles   map[tiles.Tile]struct{}
	minZoom uint32
	maxZoom uint32
}

func NewTracker(minZoom, maxZoom uint32) *Tracker {
	return &Tracker{
		tiles:   make(map[tiles.Tile]struct{}),
		minZoom: minZoom,
		maxZoom: maxZoom,
	}
}

// ExpireTile marks every tile of the zoom range that overlaps t.
func (t *Tracker) ExpireTile(tile tiles.Tile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range Covering(tile, t.minZoom, t.maxZoom) {
		t.tiles[c] = struct{}{}
	}
}

// ExpireLayer marks the tiles a layer holds itself. For a diff these are
// the tiles it changed, emptied ones included.
func (t *Tracker) ExpireLayer(l *layer.Layer) error {
	for tile, err := range l.Tiles(true) {
		if err != nil {
			return fmt.Errorf("failed to read tiles of %s: %w", l, err)
		}
		t.ExpireTile(tile)
	}
	return nil
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// CountByZoom returns the number of tiles at each zoom level.
func (t *Tracker) CountByZoom() map[uint32]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[uint32]int)
	for tile := range t.tiles {
		counts[tile.Zoom]++
	}
	return counts
}

// Tiles returns the expired tiles ordered by zoom, column and row.
func (t *Tracker) Tiles() []tiles.Tile {
	t.mu.Lock()
	out := make([]tiles.Tile, 0, len(t.tiles))
	for tile := range t.tiles {
		out = append(out, tile)
	}
	t.mu.Unlock()

	slices.SortFunc(out, compareTiles)
	return out
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.tiles)
}

// WriteToFile replaces filename with the expired tiles, one z/x/y per line.
func (t *Tracker) WriteToFile(filename string) error {
	return t.write(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
}

// AppendToFile adds the expired tiles to filename, creating it if needed.
func (t *Tracker) AppendToFile(filename string) error {
	return t.write(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY)
}

func (t *Tracker) write(filename string, flag int) error {
	log := logger.Named("expire")

	expired := t.Tiles()
	if len(expired) == 0 {
		log.Info("No tiles to expire")
		return nil
	}

	f, err := os.OpenFile(filename, flag, 0644)
	if err != nil {
		return fmt.Errorf("failed to open expire file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, tile := range expired {
		fmt.Fprintln(w, tile.String())
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write expire file: %w", err)
	}

	counts := t.CountByZoom()
	fields := []zap.Field{zap.String("file", filename)}
	for z := t.minZoom; z <= t.maxZoom; z++ {
		if n := counts[z]; n > 0 {
			fields = append(fields, zap.Int(fmt.Sprintf("z%d", z), n))
		}
	}
	fields = append(fields, zap.Int("total", len(expired)))
	log.Info("Wrote expire tiles", fields...)
	return f.Close()
}

// Stats summarises a tracker.
type Stats struct {
	TotalTiles  int
	TilesByZoom map[uint32]int
	MinZoom     uint32
	MaxZoom     uint32
}

func (t *Tracker) GetStats() Stats {
	return Stats{
		TotalTiles:  t.Count(),
		TilesByZoom: t.CountByZoom(),
		MinZoom:     t.minZoom,
		MaxZoom:     t.maxZoom,
	}
}
