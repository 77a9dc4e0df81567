// Package store implements the append-only object file of a layer. Every
// record carries the object's tile memberships, and records sharing a tile
// are chained together so a tile can be read without scanning the file.
//
// Record layout, little-endian:
//
//	uint32 payloadLen | uint32 tileCount | tileCount x (uint64 tile, int64 prev) | payload
//
// prev points at the previous record linked into the same tile, EndOfList
// for the first one, or NotLinked when the membership is recorded but the
// tile is not held by this layer.
package store

import (
	"errors"
	"slices"

	"github.com/paulmach/osm"
)

const (
	EndOfList int64 = -1
	NotLinked int64 = -2

	recordHeaderSize = 8
	tileNodeSize     = 16
	// upper bound that keeps a corrupt header from allocating gigabytes
	maxPayloadSize = 256 << 20
)

var (
	ErrCorruptRecord = errors.New("corrupt store record")
	ErrOutOfRange    = errors.New("pointer outside store")
)

// Entry is an object read from the store together with every tile it
// belongs to.
type Entry struct {
	Pointer int64
	Object  osm.Object
	Tiles   []uint64
}

// tileNode is one membership of a record.
type tileNode struct {
	tile uint64
	prev int64
}

// normalizeTiles returns a sorted, duplicate free copy of tiles.
func normalizeTiles(tiles []uint64) []uint64 {
	out := slices.Clone(tiles)
	slices.Sort(out)
	return slices.Compact(out)
}

// grow returns buf resized to n bytes, reallocating when it is too small.
func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n, max(n, 2*cap(buf)))
	}
	return buf[:n]
}
