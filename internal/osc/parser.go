package osc

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"
)

// Parser parses OSC (OSM Change) files into osm.Change values.
type Parser struct {
	stats Stats
}

// NewParser creates a new OSC parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns the statistics of everything parsed so far.
func (p *Parser) Stats() Stats {
	return p.stats
}

// ParseFile parses an OSC file. Files ending in .gz are decompressed.
func (p *Parser) ParseFile(ctx context.Context, filename string) (*osm.Change, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open OSC file: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(filename, ".gz") {
		gzReader, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}
	return p.ParseReader(ctx, reader)
}

// ParseGzip parses gzip compressed OSC data, as served by replication
// servers.
func (p *Parser) ParseGzip(ctx context.Context, reader io.Reader) (*osm.Change, error) {
	gzReader, err := gzip.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()
	return p.ParseReader(ctx, gzReader)
}

// ParseReader parses OSC data from a reader
func (p *Parser) ParseReader(ctx context.Context, reader io.Reader) (*osm.Change, error) {
	change := &osm.Change{
		Create: &osm.OSM{},
		Modify: &osm.OSM{},
		Delete: &osm.OSM{},
	}
	if err := p.parse(ctx, reader, change); err != nil {
		return nil, err
	}
	p.stats.Add(Count(change))
	return change, nil
}

func section(change *osm.Change, action Action) *osm.OSM {
	switch action {
	case ActionCreate:
		return change.Create
	case ActionModify:
		return change.Modify
	case ActionDelete:
		return change.Delete
	}
	return nil
}

// parse performs the actual XML parsing
func (p *Parser) parse(ctx context.Context, reader io.Reader, change *osm.Change) error {
	decoder := xml.NewDecoder(reader)
	var currentAction Action

	for n := 0; ; n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("XML parse error: %w", err)
		}

		se, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "osmChange":
			change.Version = attr(se, "version")
			change.Generator = attr(se, "generator")
		case "create":
			currentAction = ActionCreate
		case "modify":
			currentAction = ActionModify
		case "delete":
			currentAction = ActionDelete
		case "node", "way", "relation":
			target := section(change, currentAction)
			if target == nil {
				return fmt.Errorf("XML parse error: %s %s outside create, modify or delete",
					se.Name.Local, attr(se, "id"))
			}
			visible := currentAction != ActionDelete

			switch se.Name.Local {
			case "node":
				node, err := parseNode(decoder, se, visible)
				if err != nil {
					return err
				}
				target.Nodes = append(target.Nodes, node)
			case "way":
				way, err := parseWay(decoder, se, visible)
				if err != nil {
					return err
				}
				target.Ways = append(target.Ways, way)
			default:
				rel, err := parseRelation(decoder, se, visible)
				if err != nil {
					return err
				}
				target.Relations = append(target.Relations, rel)
			}
		}
	}
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// info holds the attributes shared by every element type.
type info struct {
	id        int64
	version   int
	changeset osm.ChangesetID
	timestamp time.Time
	user      string
	uid       osm.UserID
}

func parseInfo(start xml.StartElement) info {
	var in info
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "id":
			in.id, _ = strconv.ParseInt(a.Value, 10, 64)
		case "version":
			v, _ := strconv.Atoi(a.Value)
			in.version = v
		case "changeset":
			cs, _ := strconv.ParseInt(a.Value, 10, 64)
			in.changeset = osm.ChangesetID(cs)
		case "timestamp":
			in.timestamp, _ = time.Parse(time.RFC3339, a.Value)
		case "user":
			in.user = a.Value
		case "uid":
			uid, _ := strconv.ParseInt(a.Value, 10, 64)
			in.uid = osm.UserID(uid)
		}
	}
	return in
}

// children walks the child elements of the current element until its end
// tag, calling fn for each start element.
func children(decoder *xml.Decoder, name string, fn func(se xml.StartElement)) error {
	for {
		token, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("XML parse error in %s: %w", name, err)
		}
		switch el := token.(type) {
		case xml.StartElement:
			fn(el)
		case xml.EndElement:
			if el.Name.Local == name {
				return nil
			}
		}
	}
}

func appendTag(tags osm.Tags, se xml.StartElement) osm.Tags {
	if k := attr(se, "k"); k != "" {
		return append(tags, osm.Tag{Key: k, Value: attr(se, "v")})
	}
	return tags
}

// parseNode parses a node element
func parseNode(decoder *xml.Decoder, start xml.StartElement, visible bool) (*osm.Node, error) {
	in := parseInfo(start)
	node := &osm.Node{
		ID:          osm.NodeID(in.id),
		Version:     in.version,
		ChangesetID: in.changeset,
		Timestamp:   in.timestamp,
		User:        in.user,
		UserID:      in.uid,
		Visible:     visible,
	}
	node.Lat, _ = strconv.ParseFloat(attr(start, "lat"), 64)
	node.Lon, _ = strconv.ParseFloat(attr(start, "lon"), 64)

	err := children(decoder, "node", func(se xml.StartElement) {
		if se.Name.Local == "tag" {
			node.Tags = appendTag(node.Tags, se)
		}
	})
	return node, err
}

// parseWay parses a way element
func parseWay(decoder *xml.Decoder, start xml.StartElement, visible bool) (*osm.Way, error) {
	in := parseInfo(start)
	way := &osm.Way{
		ID:          osm.WayID(in.id),
		Version:     in.version,
		ChangesetID: in.changeset,
		Timestamp:   in.timestamp,
		User:        in.user,
		UserID:      in.uid,
		Visible:     visible,
	}

	err := children(decoder, "way", func(se xml.StartElement) {
		switch se.Name.Local {
		case "nd":
			ref, _ := strconv.ParseInt(attr(se, "ref"), 10, 64)
			way.Nodes = append(way.Nodes, osm.WayNode{ID: osm.NodeID(ref)})
		case "tag":
			way.Tags = appendTag(way.Tags, se)
		}
	})
	return way, err
}

// parseRelation parses a relation element
func parseRelation(decoder *xml.Decoder, start xml.StartElement, visible bool) (*osm.Relation, error) {
	in := parseInfo(start)
	rel := &osm.Relation{
		ID:          osm.RelationID(in.id),
		Version:     in.version,
		ChangesetID: in.changeset,
		Timestamp:   in.timestamp,
		User:        in.user,
		UserID:      in.uid,
		Visible:     visible,
	}

	err := children(decoder, "relation", func(se xml.StartElement) {
		switch se.Name.Local {
		case "member":
			ref, _ := strconv.ParseInt(attr(se, "ref"), 10, 64)
			rel.Members = append(rel.Members, osm.Member{
				Type: osm.Type(attr(se, "type")),
				Ref:  ref,
				Role: attr(se, "role"),
			})
		case "tag":
			rel.Tags = appendTag(rel.Tags, se)
		}
	})
	return rel, err
}
