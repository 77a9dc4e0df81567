package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmtiledb/internal/osmgeo"
)

// Writer appends records to a new store file.
type Writer struct {
	file    *os.File
	bw      *bufio.Writer
	offset  int64
	heads   map[uint64]int64
	scratch []byte
	count   int64
}

// Create creates a new, empty store file at path.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return &Writer{
		file:  f,
		bw:    bufio.NewWriterSize(f, 1<<20),
		heads: make(map[uint64]int64),
	}, nil
}

// Append writes obj with its tile memberships and returns its pointer.
// Memberships for which linked returns false are stored but not chained
// into the tile's list. A nil linked chains every tile.
func (w *Writer) Append(obj osm.Object, tiles []uint64, linked func(uint64) bool) (int64, error) {
	payload, err := osmgeo.Marshal(obj)
	if err != nil {
		return 0, err
	}
	if len(payload) > maxPayloadSize {
		return 0, fmt.Errorf("object %v too large: %d bytes", osmgeo.MustKey(obj), len(payload))
	}

	tiles = normalizeTiles(tiles)
	pointer := w.offset
	size := recordHeaderSize + len(tiles)*tileNodeSize
	w.scratch = grow(w.scratch, size)

	binary.LittleEndian.PutUint32(w.scratch[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(w.scratch[4:], uint32(len(tiles)))
	for i, tile := range tiles {
		prev := NotLinked
		if linked == nil || linked(tile) {
			prev = EndOfList
			if head, ok := w.heads[tile]; ok {
				prev = head
			}
			w.heads[tile] = pointer
		}
		off := recordHeaderSize + i*tileNodeSize
		binary.LittleEndian.PutUint64(w.scratch[off:], tile)
		binary.LittleEndian.PutUint64(w.scratch[off+8:], uint64(prev))
	}

	if _, err := w.bw.Write(w.scratch); err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	w.offset += int64(size + len(payload))
	w.count++
	return pointer, nil
}

// Heads returns, per linked tile, the pointer of the newest record in the
// tile. These are the values of the layer's tile index.
func (w *Writer) Heads() map[uint64]int64 {
	return w.heads
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.offset }

// Count returns the number of records written so far.
func (w *Writer) Count() int64 { return w.count }

// Close flushes and syncs the file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush store: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync store: %w", err)
	}
	return w.file.Close()
}
