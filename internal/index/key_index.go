package index

import (
	"encoding/binary"
	"io"
	"iter"

	"github.com/google/btree"

	"github.com/wegman-software/osmtiledb/internal/osmgeo"
)

// Deleted is the value recorded for a key removed in a layer.
const Deleted int64 = -1

// Status is the outcome of resolving a key against a single layer.
type Status int

const (
	// Absent means the layer says nothing about the key; ask its base.
	Absent Status = iota
	// Found means the layer holds the current version of the object.
	Found
	// Tombstoned means the layer deleted the object.
	Tombstoned
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Tombstoned:
		return "deleted"
	default:
		return "absent"
	}
}

// KeyValue is one index entry. Value is a store pointer, Deleted, or a tile
// mask depending on what the index was built for.
type KeyValue struct {
	Key   osmgeo.Key
	Value int64
}

const keyRecordSize = 1 + 8 + 8

func putKey(b []byte, k osmgeo.Key) {
	b[0] = byte(k.Type)
	binary.LittleEndian.PutUint64(b[1:], uint64(k.ID))
}

func readKey(b []byte) osmgeo.Key {
	return osmgeo.Key{
		Type: osmgeo.Type(b[0]),
		ID:   int64(binary.LittleEndian.Uint64(b[1:])),
	}
}

// KeyIndex maps object keys to int64 values. It backs a layer's object index.
type KeyIndex struct {
	*table
}

// OpenKeyIndex opens a file written by KeyIndexBuilder.
func OpenKeyIndex(path string, profile Profile) (*KeyIndex, error) {
	t, err := openTable(path, keyRecordSize, profile)
	if err != nil {
		return nil, err
	}
	return &KeyIndex{t}, nil
}

// Len returns the number of entries.
func (ix *KeyIndex) Len() int { return ix.count }

func (ix *KeyIndex) at(i int) KeyValue {
	rec := ix.record(i)
	return KeyValue{
		Key:   readKey(rec),
		Value: int64(binary.LittleEndian.Uint64(rec[9:])),
	}
}

// Get returns the value stored for key.
func (ix *KeyIndex) Get(key osmgeo.Key) (int64, bool) {
	i, ok := ix.search(func(rec []byte) int { return readKey(rec).Compare(key) })
	if !ok {
		return 0, false
	}
	return ix.at(i).Value, true
}

// Lookup resolves key as an object index: a pointer when Found, otherwise
// the pointer is meaningless.
func (ix *KeyIndex) Lookup(key osmgeo.Key) (int64, Status) {
	v, ok := ix.Get(key)
	switch {
	case !ok:
		return 0, Absent
	case v < 0:
		return v, Tombstoned
	default:
		return v, Found
	}
}

// GetAll yields the entries for the keys present in the index, in the
// order the keys are given. Keys without an entry are skipped.
func (ix *KeyIndex) GetAll(keys []osmgeo.Key) iter.Seq[KeyValue] {
	return func(yield func(KeyValue) bool) {
		for _, k := range keys {
			v, ok := ix.Get(k)
			if !ok {
				continue
			}
			if !yield(KeyValue{Key: k, Value: v}) {
				return
			}
		}
	}
}

// All yields every entry in key order.
func (ix *KeyIndex) All() iter.Seq[KeyValue] {
	return func(yield func(KeyValue) bool) {
		for i := 0; i < ix.count; i++ {
			if !yield(ix.at(i)) {
				return
			}
		}
	}
}

// KeyIndexBuilder collects entries in any order. Setting a key twice keeps
// the last value.
type KeyIndexBuilder struct {
	tree *btree.BTreeG[KeyValue]
}

func NewKeyIndexBuilder() *KeyIndexBuilder {
	return &KeyIndexBuilder{
		tree: btree.NewG(32, func(a, b KeyValue) bool { return a.Key.Less(b.Key) }),
	}
}

func (b *KeyIndexBuilder) Set(key osmgeo.Key, value int64) {
	b.tree.ReplaceOrInsert(KeyValue{Key: key, Value: value})
}

// SetDeleted records a tombstone for key.
func (b *KeyIndexBuilder) SetDeleted(key osmgeo.Key) {
	b.Set(key, Deleted)
}

func (b *KeyIndexBuilder) Get(key osmgeo.Key) (int64, bool) {
	kv, ok := b.tree.Get(KeyValue{Key: key})
	return kv.Value, ok
}

func (b *KeyIndexBuilder) Len() int { return b.tree.Len() }

// Serialize writes the entries in key order.
func (b *KeyIndexBuilder) Serialize(w io.Writer) error {
	return writeTable(w, keyRecordSize, b.tree.Len(), func(put func([]byte) error) error {
		var rec [keyRecordSize]byte
		var err error
		b.tree.Ascend(func(kv KeyValue) bool {
			putKey(rec[:], kv.Key)
			binary.LittleEndian.PutUint64(rec[9:], uint64(kv.Value))
			err = put(rec[:])
			return err == nil
		})
		return err
	})
}
