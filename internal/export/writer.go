package export

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/osm"
)

// TagsToJSON encodes tags as a JSON object.
func TagsToJSON(tags osm.Tags) string {
	if len(tags) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(tags.Map())
	return string(b)
}

var (
	objectSchema = arrow.NewSchema([]arrow.Field{
		{Name: "osm_type", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "osm_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "version", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ms, Nullable: false},
		{Name: "changeset", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "user", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "lat", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "lon", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "tiles", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: false},
		{Name: "geom_wkb", Type: arrow.BinaryTypes.Binary, Nullable: true},
	}, nil)

	wayNodeSchema = arrow.NewSchema([]arrow.Field{
		{Name: "way_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "seq", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "node_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}, nil)

	memberSchema = arrow.NewSchema([]arrow.Field{
		{Name: "relation_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "seq", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "type", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "ref", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "role", Type: arrow.BinaryTypes.String, Nullable: false},
	}, nil)
)

// batchWriter buffers rows in an arrow record builder and writes a row
// group every batchSize rows.
type batchWriter struct {
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
	rows      int64
}

func newBatchWriter(path string, schema *arrow.Schema, batchSize int) (*batchWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)
	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &batchWriter{
		file:      f,
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, schema),
		batchSize: batchSize,
	}, nil
}

// row is called after the fields of one row were appended.
func (w *batchWriter) row() error {
	w.count++
	w.rows++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

func (w *batchWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

func (w *batchWriter) Close() error {
	defer w.builder.Release()
	if err := w.flush(); err != nil {
		w.file.Close()
		return err
	}
	err := w.writer.Close()
	// the parquet writer may already have closed the file
	if cerr := w.file.Close(); err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}

// ObjectWriter writes one row per object.
type ObjectWriter struct{ *batchWriter }

func NewObjectWriter(path string, batchSize int) (*ObjectWriter, error) {
	w, err := newBatchWriter(path, objectSchema, batchSize)
	if err != nil {
		return nil, err
	}
	return &ObjectWriter{w}, nil
}

// Object holds the columns every element type shares.
type Object struct {
	Type      string
	ID        int64
	Version   int
	Timestamp int64
	Changeset int64
	User      string
	Tags      osm.Tags
	// Location is lat, lon and only set for nodes. It is also written as a
	// WKB point.
	Location *[2]float64
	Tiles    []string
}

func (w *ObjectWriter) Write(o Object) error {
	b := w.builder
	b.Field(0).(*array.StringBuilder).Append(o.Type)
	b.Field(1).(*array.Int64Builder).Append(o.ID)
	b.Field(2).(*array.Int32Builder).Append(int32(o.Version))
	b.Field(3).(*array.TimestampBuilder).Append(arrow.Timestamp(o.Timestamp))
	b.Field(4).(*array.Int64Builder).Append(o.Changeset)
	b.Field(5).(*array.StringBuilder).Append(o.User)
	if o.Location != nil {
		b.Field(6).(*array.Float64Builder).Append(o.Location[0])
		b.Field(7).(*array.Float64Builder).Append(o.Location[1])
	} else {
		b.Field(6).(*array.Float64Builder).AppendNull()
		b.Field(7).(*array.Float64Builder).AppendNull()
	}
	b.Field(8).(*array.StringBuilder).Append(TagsToJSON(o.Tags))

	lb := b.Field(9).(*array.ListBuilder)
	lb.Append(true)
	vb := lb.ValueBuilder().(*array.StringBuilder)
	for _, t := range o.Tiles {
		vb.Append(t)
	}

	gb := b.Field(10).(*array.BinaryBuilder)
	if o.Location != nil {
		geom, err := wkb.Marshal(orb.Point{o.Location[1], o.Location[0]})
		if err != nil {
			return err
		}
		gb.Append(geom)
	} else {
		gb.AppendNull()
	}
	return w.row()
}

// WayNodeWriter writes the node list of ways.
type WayNodeWriter struct{ *batchWriter }

func NewWayNodeWriter(path string, batchSize int) (*WayNodeWriter, error) {
	w, err := newBatchWriter(path, wayNodeSchema, batchSize)
	if err != nil {
		return nil, err
	}
	return &WayNodeWriter{w}, nil
}

func (w *WayNodeWriter) Write(wayID int64, seq int32, nodeID int64) error {
	w.builder.Field(0).(*array.Int64Builder).Append(wayID)
	w.builder.Field(1).(*array.Int32Builder).Append(seq)
	w.builder.Field(2).(*array.Int64Builder).Append(nodeID)
	return w.row()
}

// RelationMemberWriter writes the member list of relations.
type RelationMemberWriter struct{ *batchWriter }

func NewRelationMemberWriter(path string, batchSize int) (*RelationMemberWriter, error) {
	w, err := newBatchWriter(path, memberSchema, batchSize)
	if err != nil {
		return nil, err
	}
	return &RelationMemberWriter{w}, nil
}

func (w *RelationMemberWriter) Write(relationID int64, seq int32, memberType string, ref int64, role string) error {
	w.builder.Field(0).(*array.Int64Builder).Append(relationID)
	w.builder.Field(1).(*array.Int32Builder).Append(seq)
	w.builder.Field(2).(*array.StringBuilder).Append(memberType)
	w.builder.Field(3).(*array.Int64Builder).Append(ref)
	w.builder.Field(4).(*array.StringBuilder).Append(role)
	return w.row()
}
