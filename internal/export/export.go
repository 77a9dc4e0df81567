// Package export writes a view of the store to Parquet files.
package export

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/logger"
)

const (
	ObjectsFile         = "objects.parquet"
	WayNodesFile        = "way_nodes.parquet"
	RelationMembersFile = "relation_members.parquet"

	DefaultBatchSize = 65536
)

// Stats counts the rows written to each file.
type Stats struct {
	Nodes     int64
	Ways      int64
	Relations int64
	WayNodes  int64
	Members   int64
}

func (s Stats) Objects() int64 { return s.Nodes + s.Ways + s.Relations }

type writers struct {
	objects *ObjectWriter
	nodes   *WayNodeWriter
	members *RelationMemberWriter
}

func openWriters(dir string, batchSize int) (*writers, error) {
	objects, err := NewObjectWriter(filepath.Join(dir, ObjectsFile), batchSize)
	if err != nil {
		return nil, err
	}
	nodes, err := NewWayNodeWriter(filepath.Join(dir, WayNodesFile), batchSize)
	if err != nil {
		objects.Close()
		return nil, err
	}
	members, err := NewRelationMemberWriter(filepath.Join(dir, RelationMembersFile), batchSize)
	if err != nil {
		objects.Close()
		nodes.Close()
		return nil, err
	}
	return &writers{objects: objects, nodes: nodes, members: members}, nil
}

func (w *writers) close() error {
	return errors.Join(w.objects.Close(), w.nodes.Close(), w.members.Close())
}

// Write exports entries into dir, which is created if needed. The batch size
// is the number of rows per row group; zero uses DefaultBatchSize.
func Write(ctx context.Context, entries iter.Seq2[layer.Entry, error], dir string, batchSize int) (Stats, error) {
	var stats Stats
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return stats, fmt.Errorf("failed to create export directory: %w", err)
	}
	w, err := openWriters(dir, batchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to create parquet writers: %w", err)
	}

	n := 0
	for e, err := range entries {
		if err != nil {
			w.close()
			return stats, err
		}
		if n++; n%10000 == 0 {
			if err := ctx.Err(); err != nil {
				w.close()
				return stats, err
			}
		}
		if err := w.write(e, &stats); err != nil {
			w.close()
			return stats, fmt.Errorf("failed to export %v: %w", e.Key, err)
		}
	}
	if err := w.close(); err != nil {
		return stats, err
	}

	logger.Named("export").Info("Export complete",
		zap.String("dir", dir),
		zap.String("objects", humanize.Comma(stats.Objects())),
		zap.String("way_nodes", humanize.Comma(stats.WayNodes)),
		zap.String("members", humanize.Comma(stats.Members)))
	return stats, nil
}

func (w *writers) write(e layer.Entry, stats *Stats) error {
	tiles := make([]string, len(e.Tiles))
	for i, t := range e.Tiles {
		tiles[i] = t.String()
	}

	switch o := e.Object.(type) {
	case *osm.Node:
		stats.Nodes++
		return w.objects.Write(Object{
			Type: "node", ID: int64(o.ID), Version: o.Version,
			Timestamp: o.Timestamp.UnixMilli(), Changeset: int64(o.ChangesetID), User: o.User,
			Tags: o.Tags, Location: &[2]float64{o.Lat, o.Lon}, Tiles: tiles,
		})
	case *osm.Way:
		stats.Ways++
		for i, wn := range o.Nodes {
			if err := w.nodes.Write(int64(o.ID), int32(i), int64(wn.ID)); err != nil {
				return err
			}
			stats.WayNodes++
		}
		return w.objects.Write(Object{
			Type: "way", ID: int64(o.ID), Version: o.Version,
			Timestamp: o.Timestamp.UnixMilli(), Changeset: int64(o.ChangesetID), User: o.User,
			Tags: o.Tags, Tiles: tiles,
		})
	case *osm.Relation:
		stats.Relations++
		for i, m := range o.Members {
			if err := w.members.Write(int64(o.ID), int32(i), string(m.Type), m.Ref, m.Role); err != nil {
				return err
			}
			stats.Members++
		}
		return w.objects.Write(Object{
			Type: "relation", ID: int64(o.ID), Version: o.Version,
			Timestamp: o.Timestamp.UnixMilli(), Changeset: int64(o.ChangesetID), User: o.User,
			Tags: o.Tags, Tiles: tiles,
		})
	}
	return fmt.Errorf("unsupported object %T", e.Object)
}
