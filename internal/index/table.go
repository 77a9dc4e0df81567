package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/edsrzf/mmap-go"
)

// Profile selects how an index file is held while it is open.
type Profile int

const (
	// InMemory reads the whole file into the heap.
	InMemory Profile = iota
	// Mapped memory-maps the file read-only and lets the kernel page it.
	Mapped
)

func (p Profile) String() string {
	if p == Mapped {
		return "mapped"
	}
	return "memory"
}

// ParseProfile parses "memory" or "mapped".
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory", "in-memory":
		return InMemory, nil
	case "mapped", "mmap":
		return Mapped, nil
	}
	return 0, fmt.Errorf("unknown cache profile %q", s)
}

var (
	ErrCorruptIndex = errors.New("corrupt index file")
)

const (
	headerSize = 16
	version    = 1
)

var magic = [4]byte{'O', 'T', 'D', 'X'}

// table is a file of fixed-size records sorted by the owning index's key.
// Layout: magic, uint16 version, uint16 record size, uint64 count, records.
type table struct {
	file    *os.File
	mapping mmap.MMap
	records []byte
	recSize int
	count   int
}

func openTable(path string, recSize int, profile Profile) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	t := &table{recSize: recSize}
	var raw []byte
	switch profile {
	case Mapped:
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to mmap index %s: %w", path, err)
		}
		t.file = f
		t.mapping = m
		raw = m
	default:
		raw, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %w", path, err)
		}
	}

	if err := t.parse(raw); err != nil {
		t.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func (t *table) parse(raw []byte) error {
	if len(raw) < headerSize || [4]byte(raw[:4]) != magic {
		return fmt.Errorf("%w: bad header", ErrCorruptIndex)
	}
	if v := binary.LittleEndian.Uint16(raw[4:]); v != version {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, v)
	}
	if rs := int(binary.LittleEndian.Uint16(raw[6:])); rs != t.recSize {
		return fmt.Errorf("%w: record size %d, want %d", ErrCorruptIndex, rs, t.recSize)
	}
	count := binary.LittleEndian.Uint64(raw[8:])
	body := raw[headerSize:]
	if uint64(len(body)) != count*uint64(t.recSize) {
		return fmt.Errorf("%w: %d bytes for %d records", ErrCorruptIndex, len(body), count)
	}
	t.records = body
	t.count = int(count)
	return nil
}

func (t *table) record(i int) []byte {
	off := i * t.recSize
	return t.records[off : off+t.recSize]
}

// search returns the first record index for which cmp(record) >= 0, and
// whether that record compares equal.
func (t *table) search(cmp func(rec []byte) int) (int, bool) {
	i := sort.Search(t.count, func(i int) bool {
		return cmp(t.record(i)) >= 0
	})
	return i, i < t.count && cmp(t.record(i)) == 0
}

// Close releases the mapping or the in-memory copy.
func (t *table) Close() error {
	t.records = nil
	if t.mapping == nil {
		return nil
	}
	err := t.mapping.Unmap()
	t.mapping = nil
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// writeTable writes a header followed by count records produced by put.
func writeTable(w io.Writer, recSize, count int, each func(put func(rec []byte) error) error) error {
	bw := bufio.NewWriterSize(w, 1<<16)

	var header [headerSize]byte
	copy(header[:], magic[:])
	binary.LittleEndian.PutUint16(header[4:], version)
	binary.LittleEndian.PutUint16(header[6:], uint16(recSize))
	binary.LittleEndian.PutUint64(header[8:], uint64(count))
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}

	written := 0
	err := each(func(rec []byte) error {
		written++
		_, err := bw.Write(rec)
		return err
	})
	if err != nil {
		return err
	}
	if written != count {
		return fmt.Errorf("wrote %d records, header says %d", written, count)
	}
	return bw.Flush()
}

// Serializer is implemented by every index builder.
type Serializer interface {
	Serialize(w io.Writer) error
}

// WriteFile serializes s into a new file at path and syncs it.
func WriteFile(path string, s Serializer) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := s.Serialize(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write index %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync index %s: %w", path, err)
	}
	return f.Close()
}
