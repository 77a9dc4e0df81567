package osc

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"
)

const oscData = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
  <create>
    <node id="1" lat="43.7384" lon="7.4246" version="1" changeset="123" timestamp="2024-01-15T12:00:00Z" user="testuser" uid="1">
      <tag k="name" v="Test Node"/>
      <tag k="amenity" v="cafe"/>
    </node>
    <way id="100" version="1" changeset="124">
      <nd ref="1"/>
      <nd ref="2"/>
      <nd ref="3"/>
      <tag k="highway" v="primary"/>
    </way>
  </create>
  <modify>
    <node id="2" lat="43.7390" lon="7.4250" version="2">
      <tag k="name" v="Modified Node"/>
    </node>
    <relation id="200" version="2">
      <member type="way" ref="100" role="outer"/>
      <member type="way" ref="101" role="inner"/>
      <tag k="type" v="multipolygon"/>
    </relation>
  </modify>
  <delete>
    <node id="999" version="3"/>
    <way id="998" version="2"/>
  </delete>
</osmChange>`

func TestParseOSC(t *testing.T) {
	parser := NewParser()
	change, err := parser.ParseReader(context.Background(), strings.NewReader(oscData))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify counts
	stats := parser.Stats()
	if stats.NodesCreated != 1 {
		t.Errorf("expected 1 node created, got %d", stats.NodesCreated)
	}
	if stats.NodesModified != 1 {
		t.Errorf("expected 1 node modified, got %d", stats.NodesModified)
	}
	if stats.NodesDeleted != 1 {
		t.Errorf("expected 1 node deleted, got %d", stats.NodesDeleted)
	}
	if stats.WaysCreated != 1 {
		t.Errorf("expected 1 way created, got %d", stats.WaysCreated)
	}
	if stats.WaysDeleted != 1 {
		t.Errorf("expected 1 way deleted, got %d", stats.WaysDeleted)
	}
	if stats.RelationsModified != 1 {
		t.Errorf("expected 1 relation modified, got %d", stats.RelationsModified)
	}
	if stats.Total() != 6 {
		t.Errorf("expected 6 changes, got %d", stats.Total())
	}

	// Verify first node
	node := change.Create.Nodes[0]
	if node.ID != 1 || node.Version != 1 || node.ChangesetID != 123 || node.UserID != 1 {
		t.Errorf("unexpected node attributes: %+v", node)
	}
	if node.Tags.Find("name") != "Test Node" {
		t.Errorf("expected name 'Test Node', got '%s'", node.Tags.Find("name"))
	}
	if node.Lat != 43.7384 || node.Lon != 7.4246 {
		t.Errorf("unexpected coordinates %f, %f", node.Lat, node.Lon)
	}
	if !node.Visible {
		t.Error("created node should be visible")
	}

	// Verify way
	way := change.Create.Ways[0]
	if way.ID != 100 {
		t.Errorf("expected way ID 100, got %d", way.ID)
	}
	if len(way.Nodes) != 3 || way.Nodes[2].ID != 3 {
		t.Errorf("expected node refs 1, 2, 3, got %v", way.Nodes.NodeIDs())
	}

	// Verify relation
	rel := change.Modify.Relations[0]
	if rel.ID != 200 {
		t.Errorf("expected relation ID 200, got %d", rel.ID)
	}
	if len(rel.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(rel.Members))
	}
	if rel.Members[0].Type != osm.TypeWay || rel.Members[0].Role != "outer" {
		t.Errorf("unexpected first member %+v", rel.Members[0])
	}

	// Verify deletes
	if change.Delete.Nodes[0].Visible {
		t.Error("deleted node should not be visible")
	}
	if change.Delete.Ways[0].Version != 2 {
		t.Errorf("expected deleted way version 2, got %d", change.Delete.Ways[0].Version)
	}
}

func TestParseGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(oscData)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	change, err := NewParser().ParseGzip(context.Background(), &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats := Count(change)
	if got := stats.Total(); got != 6 {
		t.Errorf("expected 6 changes, got %d", got)
	}
}

func TestParseRejectsElementOutsideAction(t *testing.T) {
	_, err := NewParser().ParseReader(context.Background(),
		strings.NewReader(`<osmChange><node id="1" lat="0" lon="0"/></osmChange>`))
	if err == nil {
		t.Fatal("expected an error for a node outside an action")
	}
}

func TestParseCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewParser().ParseReader(ctx, strings.NewReader(oscData)); err == nil {
		t.Fatal("expected context error")
	}
}
