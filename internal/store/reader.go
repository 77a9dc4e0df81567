package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"os"
	"slices"

	"github.com/wegman-software/osmtiledb/internal/index"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
)

// Reader gives random and sequential access to a store file. It is safe for
// concurrent use as long as every goroutine passes its own buffer.
type Reader struct {
	file *os.File
	size int64
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat store: %w", err)
	}
	return &Reader{file: f, size: info.Size()}, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// Size returns the file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// readNodes reads the record header and tile nodes at pointer. The nodes
// are decoded from buf, which is returned (possibly grown) for reuse.
func (r *Reader) readNodes(pointer int64, buf []byte) (payloadLen int, nodes []tileNode, _ []byte, err error) {
	if pointer < 0 || pointer+recordHeaderSize > r.size {
		return 0, nil, buf, fmt.Errorf("%w: %d", ErrOutOfRange, pointer)
	}
	buf = grow(buf, recordHeaderSize)
	if _, err := r.file.ReadAt(buf, pointer); err != nil {
		return 0, nil, buf, fmt.Errorf("failed to read record at %d: %w", pointer, err)
	}
	payloadLen = int(binary.LittleEndian.Uint32(buf[0:]))
	count := int(binary.LittleEndian.Uint32(buf[4:]))
	if payloadLen > maxPayloadSize || pointer+int64(recordHeaderSize+count*tileNodeSize+payloadLen) > r.size {
		return 0, nil, buf, fmt.Errorf("%w at %d", ErrCorruptRecord, pointer)
	}

	buf = grow(buf, count*tileNodeSize)
	if _, err := r.file.ReadAt(buf, pointer+recordHeaderSize); err != nil {
		return 0, nil, buf, fmt.Errorf("failed to read record at %d: %w", pointer, err)
	}
	nodes = make([]tileNode, count)
	for i := range nodes {
		nodes[i] = decodeNode(buf[i*tileNodeSize:])
	}
	return payloadLen, nodes, buf, nil
}

func decodeNode(b []byte) tileNode {
	return tileNode{
		tile: binary.LittleEndian.Uint64(b),
		prev: int64(binary.LittleEndian.Uint64(b[8:])),
	}
}

func nodeTiles(nodes []tileNode) []uint64 {
	tiles := make([]uint64, len(nodes))
	for i, n := range nodes {
		tiles[i] = n.tile
	}
	return tiles
}

// Get reads the record at pointer. The returned buffer can be passed to the
// next call.
func (r *Reader) Get(pointer int64, buf []byte) (Entry, []byte, error) {
	payloadLen, nodes, buf, err := r.readNodes(pointer, buf)
	if err != nil {
		return Entry{}, buf, err
	}

	buf = grow(buf, payloadLen)
	offset := pointer + recordHeaderSize + int64(len(nodes)*tileNodeSize)
	if _, err := r.file.ReadAt(buf, offset); err != nil {
		return Entry{}, buf, fmt.Errorf("failed to read payload at %d: %w", pointer, err)
	}
	obj, err := osmgeo.Unmarshal(buf)
	if err != nil {
		return Entry{}, buf, fmt.Errorf("record at %d: %w", pointer, err)
	}
	return Entry{Pointer: pointer, Object: obj, Tiles: nodeTiles(nodes)}, buf, nil
}

// GetMany reads the records at the given pointers, in the given order.
func (r *Reader) GetMany(pointers []int64, buf []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, p := range pointers {
			var e Entry
			var err error
			e, buf, err = r.Get(p, buf)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// TilesFor returns every tile the record at pointer belongs to.
func (r *Reader) TilesFor(pointer int64, buf []byte) ([]uint64, []byte, error) {
	_, nodes, buf, err := r.readNodes(pointer, buf)
	if err != nil {
		return nil, buf, err
	}
	return nodeTiles(nodes), buf, nil
}

// PointersFor walks the lists starting at heads and returns the pointers of
// all records linked into those tiles, ascending and without duplicates.
func (r *Reader) PointersFor(heads []index.TileHead, buf []byte) ([]int64, []byte, error) {
	var pointers []int64
	for _, h := range heads {
		p := h.Pointer
		for p >= 0 {
			pointers = append(pointers, p)

			var nodes []tileNode
			var err error
			_, nodes, buf, err = r.readNodes(p, buf)
			if err != nil {
				return nil, buf, err
			}
			i := slices.IndexFunc(nodes, func(n tileNode) bool { return n.tile == h.Tile })
			if i < 0 || nodes[i].prev == NotLinked {
				return nil, buf, fmt.Errorf("%w: record %d is not linked into tile %d", ErrCorruptRecord, p, h.Tile)
			}
			if nodes[i].prev >= p {
				return nil, buf, fmt.Errorf("%w: tile %d list loops at %d", ErrCorruptRecord, h.Tile, p)
			}
			p = nodes[i].prev
		}
	}
	slices.Sort(pointers)
	return slices.Compact(pointers), buf, nil
}

// ForTiles yields every record linked into the given tiles once, in storage
// order.
func (r *Reader) ForTiles(heads []index.TileHead, buf []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		pointers, b, err := r.PointersFor(heads, buf)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		for e, err := range r.GetMany(pointers, b) {
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// All yields every record in storage order.
func (r *Reader) All(buf []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		br := bufio.NewReaderSize(io.NewSectionReader(r.file, 0, r.size), 1<<20)
		var header [recordHeaderSize]byte
		var pointer int64
		for pointer < r.size {
			if _, err := io.ReadFull(br, header[:]); err != nil {
				yield(Entry{}, fmt.Errorf("%w at %d: %w", ErrCorruptRecord, pointer, err))
				return
			}
			payloadLen := int(binary.LittleEndian.Uint32(header[0:]))
			count := int(binary.LittleEndian.Uint32(header[4:]))
			if payloadLen > maxPayloadSize {
				yield(Entry{}, fmt.Errorf("%w at %d", ErrCorruptRecord, pointer))
				return
			}

			buf = grow(buf, count*tileNodeSize+payloadLen)
			if _, err := io.ReadFull(br, buf); err != nil {
				yield(Entry{}, fmt.Errorf("%w at %d: %w", ErrCorruptRecord, pointer, err))
				return
			}
			tiles := make([]uint64, count)
			for i := range tiles {
				tiles[i] = decodeNode(buf[i*tileNodeSize:]).tile
			}
			obj, err := osmgeo.Unmarshal(buf[count*tileNodeSize:])
			if err != nil {
				yield(Entry{}, fmt.Errorf("record at %d: %w", pointer, err))
				return
			}

			if !yield(Entry{Pointer: pointer, Object: obj, Tiles: tiles}, nil) {
				return
			}
			pointer += int64(recordHeaderSize + len(buf))
		}
	}
}
