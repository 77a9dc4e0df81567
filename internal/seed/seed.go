// Package seed reads the planet or extract file a database is built from.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"go.uber.org/zap"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/wegman-software/osmtiledb/internal/logger"
	"github.com/wegman-software/osmtiledb/internal/style"
)

var (
	ErrNotFound          = errors.New("seed file not found")
	ErrUnsupportedFormat = errors.New("unsupported seed format")
)

// Format is the encoding of a seed file.
type Format int

const (
	PBF Format = iota
	XML
	GzipXML
)

// DetectFormat picks the format from the file name.
func DetectFormat(path string) (Format, error) {
	switch name := strings.ToLower(path); {
	case strings.HasSuffix(name, ".pbf"):
		return PBF, nil
	case strings.HasSuffix(name, ".osm"), strings.HasSuffix(name, ".xml"):
		return XML, nil
	case strings.HasSuffix(name, ".osm.gz"), strings.HasSuffix(name, ".xml.gz"):
		return GzipXML, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// Options control how a seed file is read.
type Options struct {
	// Workers decode PBF blocks in parallel; zero uses every CPU.
	Workers int
	// Progress draws a byte progress bar on stderr.
	Progress bool
	// FilterScript is a Lua file defining filter(type, id, tags).
	FilterScript string
	// StyleFile is a YAML tag filter, applied before the script.
	StyleFile string
}

// Stats count what a read produced.
type Stats struct {
	Nodes     int64
	Ways      int64
	Relations int64
	Filtered  int64
}

// Source is an opened seed file.
type Source struct {
	path   string
	format Format
	opts   Options
	filter *Filter
	style  *style.Config
	log    *zap.Logger

	nodes, ways, relations, filtered atomic.Int64
}

// Open checks the seed file and compiles the filter script. The file itself
// is read by Objects.
func Open(path string, opts Options) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	s := &Source{path: path, format: format, opts: opts, log: logger.Named("seed")}
	if opts.StyleFile != "" {
		if s.style, err = style.LoadConfig(opts.StyleFile); err != nil {
			return nil, err
		}
	}
	if opts.FilterScript != "" {
		if s.filter, err = LoadFilter(opts.FilterScript); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases the filter interpreter.
func (s *Source) Close() error {
	if s.filter != nil {
		s.filter.Close()
	}
	return nil
}

// Stats returns the counts of the objects yielded so far.
func (s *Source) Stats() Stats {
	return Stats{
		Nodes:     s.nodes.Load(),
		Ways:      s.ways.Load(),
		Relations: s.relations.Load(),
		Filtered:  s.filtered.Load(),
	}
}

func (s *Source) open() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	if !s.opts.Progress {
		return f, nil
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	bar := pb.New64(info.Size()).SetUnits(pb.U_BYTES_DEC).SetWidth(79)
	bar.Output = os.Stderr
	bar.Start()
	return &progressReader{Reader: bar.NewProxyReader(f), file: f, bar: bar}, nil
}

// progressReader clears the bar from the terminal when closed.
type progressReader struct {
	io.Reader
	file *os.File
	bar  *pb.ProgressBar
}

func (p *progressReader) Close() error {
	p.bar.Output = nil
	p.bar.NotPrint = true
	p.bar.Finish()
	fmt.Fprint(os.Stderr, "\033[2K\r")
	return p.file.Close()
}

func (s *Source) scanner(ctx context.Context, r io.Reader) (osm.Scanner, func() error, error) {
	switch s.format {
	case PBF:
		workers := s.opts.Workers
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		return osmpbf.New(ctx, r, workers), nil, nil
	case GzipXML:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", s.path, err)
		}
		return osmxml.New(ctx, gz), gz.Close, nil
	default:
		return osmxml.New(ctx, r), nil, nil
	}
}

// Objects yields the nodes, ways and relations of the file in file order,
// dropping those the filter rejects. Other elements are skipped.
func (s *Source) Objects(ctx context.Context) iter.Seq2[osm.Object, error] {
	return func(yield func(osm.Object, error) bool) {
		r, err := s.open()
		if err != nil {
			yield(nil, err)
			return
		}
		defer r.Close()

		scanner, closeExtra, err := s.scanner(ctx, r)
		if err != nil {
			yield(nil, err)
			return
		}
		defer scanner.Close()
		if closeExtra != nil {
			defer closeExtra()
		}

		for scanner.Scan() {
			obj := scanner.Object()
			var counter *atomic.Int64
			switch obj.(type) {
			case *osm.Node:
				counter = &s.nodes
			case *osm.Way:
				counter = &s.ways
			case *osm.Relation:
				counter = &s.relations
			default:
				continue
			}

			if s.style != nil && !s.style.Keep(obj) {
				s.filtered.Add(1)
				continue
			}
			if s.filter != nil {
				keep, err := s.filter.Keep(obj)
				if err != nil {
					yield(nil, err)
					return
				}
				if !keep {
					s.filtered.Add(1)
					continue
				}
			}
			counter.Add(1)
			if !yield(obj, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			yield(nil, fmt.Errorf("failed to read %s: %w", s.path, err))
			return
		}

		st := s.Stats()
		s.log.Info("Seed read",
			zap.String("file", s.path),
			zap.Int64("nodes", st.Nodes),
			zap.Int64("ways", st.Ways),
			zap.Int64("relations", st.Relations),
			zap.Int64("filtered", st.Filtered))
	}
}
