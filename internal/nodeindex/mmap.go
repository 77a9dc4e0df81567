package nodeindex

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

const (
	// Each entry: tile local id + 1 (uint64), zero means unknown node
	entrySize = 8
	// Ids above this go to the overflow map instead of the file
	maxNodeID = 20_000_000_000
	// Initial file size in entries; the file doubles when a larger id shows up
	initialEntries = 1 << 20
)

// MmapIndex maps node ids to the local id of the tile holding the node.
// The tile of node N is stored at offset N*8 of a sparse file, giving O(1)
// lookups while ways are being resolved.
type MmapIndex struct {
	file     *os.File
	data     mmap.MMap
	size     int64
	overflow map[int64]uint64
	count    int64
}

// NewMmapIndex creates a scratch index at path. The caller removes the file
// after Close.
func NewMmapIndex(path string) (*MmapIndex, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create node index: %w", err)
	}

	m := &MmapIndex{file: f, overflow: make(map[int64]uint64)}
	if err := m.resize(initialEntries * entrySize); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// resize grows the sparse file and maps it again.
func (m *MmapIndex) resize(size int64) error {
	if m.data != nil {
		if err := m.data.Unmap(); err != nil {
			return fmt.Errorf("failed to unmap node index: %w", err)
		}
		m.data = nil
	}
	if err := m.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate node index: %w", err)
	}
	data, err := mmap.Map(m.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap node index: %w", err)
	}
	m.data = data
	m.size = size
	return nil
}

// Put records the tile of a node.
func (m *MmapIndex) Put(nodeID int64, tile uint64) error {
	m.count++
	if nodeID < 0 || nodeID >= maxNodeID {
		m.overflow[nodeID] = tile
		return nil
	}

	offset := nodeID * entrySize
	if offset+entrySize > m.size {
		size := m.size
		for offset+entrySize > size {
			size *= 2
		}
		if err := m.resize(size); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint64(m.data[offset:], tile+1)
	return nil
}

// Get returns the tile of a node, or false if the node was never put.
func (m *MmapIndex) Get(nodeID int64) (uint64, bool) {
	if nodeID < 0 || nodeID >= maxNodeID {
		tile, ok := m.overflow[nodeID]
		return tile, ok
	}

	offset := nodeID * entrySize
	if offset+entrySize > m.size {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(m.data[offset:])
	if v == 0 {
		return 0, false
	}
	return v - 1, true
}

// Len returns the number of Put calls.
func (m *MmapIndex) Len() int64 { return m.count }

// Close unmaps and closes the file.
func (m *MmapIndex) Close() error {
	var err error
	if m.data != nil {
		err = m.data.Unmap()
		m.data = nil
	}
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
