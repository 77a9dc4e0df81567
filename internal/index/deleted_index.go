package index

import (
	"io"
	"iter"

	"github.com/google/btree"

	"github.com/wegman-software/osmtiledb/internal/osmgeo"
)

const deletedRecordSize = 1 + 8

// DeletedIndex is the sorted set of keys a layer deleted.
type DeletedIndex struct {
	*table
}

func OpenDeletedIndex(path string, profile Profile) (*DeletedIndex, error) {
	t, err := openTable(path, deletedRecordSize, profile)
	if err != nil {
		return nil, err
	}
	return &DeletedIndex{t}, nil
}

func (ix *DeletedIndex) Len() int { return ix.count }

func (ix *DeletedIndex) Contains(key osmgeo.Key) bool {
	_, ok := ix.search(func(rec []byte) int { return readKey(rec).Compare(key) })
	return ok
}

// All yields the deleted keys in order.
func (ix *DeletedIndex) All() iter.Seq[osmgeo.Key] {
	return func(yield func(osmgeo.Key) bool) {
		for i := 0; i < ix.count; i++ {
			if !yield(readKey(ix.record(i))) {
				return
			}
		}
	}
}

type DeletedIndexBuilder struct {
	tree *btree.BTreeG[osmgeo.Key]
}

func NewDeletedIndexBuilder() *DeletedIndexBuilder {
	return &DeletedIndexBuilder{tree: btree.NewG(32, osmgeo.Key.Less)}
}

func (b *DeletedIndexBuilder) Add(key osmgeo.Key) {
	b.tree.ReplaceOrInsert(key)
}

func (b *DeletedIndexBuilder) Len() int { return b.tree.Len() }

func (b *DeletedIndexBuilder) Serialize(w io.Writer) error {
	return writeTable(w, deletedRecordSize, b.tree.Len(), func(put func([]byte) error) error {
		var rec [deletedRecordSize]byte
		var err error
		b.tree.Ascend(func(k osmgeo.Key) bool {
			putKey(rec[:], k)
			err = put(rec[:])
			return err == nil
		})
		return err
	})
}
