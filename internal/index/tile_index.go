package index

import (
	"cmp"
	"encoding/binary"
	"io"
	"iter"

	"github.com/google/btree"
)

// TileHead is a tile index entry: the newest store record linked into the
// tile, or a negative pointer for a tile the layer holds empty.
type TileHead struct {
	Tile    uint64
	Pointer int64
}

const tileRecordSize = 8 + 8

// TileIndex maps tile local ids to the head of the tile's record list. A
// tile without an entry is not held by the layer.
type TileIndex struct {
	*table
}

func OpenTileIndex(path string, profile Profile) (*TileIndex, error) {
	t, err := openTable(path, tileRecordSize, profile)
	if err != nil {
		return nil, err
	}
	return &TileIndex{t}, nil
}

func (ix *TileIndex) Len() int { return ix.count }

func (ix *TileIndex) at(i int) TileHead {
	rec := ix.record(i)
	return TileHead{
		Tile:    binary.LittleEndian.Uint64(rec),
		Pointer: int64(binary.LittleEndian.Uint64(rec[8:])),
	}
}

func (ix *TileIndex) Get(tile uint64) (int64, bool) {
	i, ok := ix.search(func(rec []byte) int {
		return cmp.Compare(binary.LittleEndian.Uint64(rec), tile)
	})
	if !ok {
		return 0, false
	}
	return ix.at(i).Pointer, true
}

// HasTile reports whether the layer holds data for the tile.
func (ix *TileIndex) HasTile(tile uint64) bool {
	_, ok := ix.Get(tile)
	return ok
}

// Tiles yields the local tile ids in ascending order.
func (ix *TileIndex) Tiles() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for i := 0; i < ix.count; i++ {
			if !yield(binary.LittleEndian.Uint64(ix.record(i))) {
				return
			}
		}
	}
}

// All yields every entry in ascending tile order.
func (ix *TileIndex) All() iter.Seq[TileHead] {
	return func(yield func(TileHead) bool) {
		for i := 0; i < ix.count; i++ {
			if !yield(ix.at(i)) {
				return
			}
		}
	}
}

// LowestPointersFor returns the list heads of the requested tiles that are
// present, in request order.
func (ix *TileIndex) LowestPointersFor(tiles []uint64) []TileHead {
	heads := make([]TileHead, 0, len(tiles))
	for _, tile := range tiles {
		if p, ok := ix.Get(tile); ok {
			heads = append(heads, TileHead{Tile: tile, Pointer: p})
		}
	}
	return heads
}

// TileIndexBuilder collects tile heads. Setting a tile twice keeps the last
// pointer.
type TileIndexBuilder struct {
	tree *btree.BTreeG[TileHead]
}

func NewTileIndexBuilder() *TileIndexBuilder {
	return &TileIndexBuilder{
		tree: btree.NewG(32, func(a, b TileHead) bool { return a.Tile < b.Tile }),
	}
}

func (b *TileIndexBuilder) Set(tile uint64, pointer int64) {
	b.tree.ReplaceOrInsert(TileHead{Tile: tile, Pointer: pointer})
}

func (b *TileIndexBuilder) Len() int { return b.tree.Len() }

func (b *TileIndexBuilder) Serialize(w io.Writer) error {
	return writeTable(w, tileRecordSize, b.tree.Len(), func(put func([]byte) error) error {
		var rec [tileRecordSize]byte
		var err error
		b.tree.Ascend(func(h TileHead) bool {
			binary.LittleEndian.PutUint64(rec[:], h.Tile)
			binary.LittleEndian.PutUint64(rec[8:], uint64(h.Pointer))
			err = put(rec[:])
			return err == nil
		})
		return err
	})
}
