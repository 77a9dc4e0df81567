package osc

import "github.com/paulmach/osm"

// Action is a section of an osmChange document.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Stats tracks OSC parsing statistics
type Stats struct {
	NodesCreated      int64
	NodesModified     int64
	NodesDeleted      int64
	WaysCreated       int64
	WaysModified      int64
	WaysDeleted       int64
	RelationsCreated  int64
	RelationsModified int64
	RelationsDeleted  int64
}

// Total returns total number of changes
func (s *Stats) Total() int64 {
	return s.NodesCreated + s.NodesModified + s.NodesDeleted +
		s.WaysCreated + s.WaysModified + s.WaysDeleted +
		s.RelationsCreated + s.RelationsModified + s.RelationsDeleted
}

// Add accumulates the counts of other.
func (s *Stats) Add(other Stats) {
	s.NodesCreated += other.NodesCreated
	s.NodesModified += other.NodesModified
	s.NodesDeleted += other.NodesDeleted
	s.WaysCreated += other.WaysCreated
	s.WaysModified += other.WaysModified
	s.WaysDeleted += other.WaysDeleted
	s.RelationsCreated += other.RelationsCreated
	s.RelationsModified += other.RelationsModified
	s.RelationsDeleted += other.RelationsDeleted
}

// Count returns the statistics of a change.
func Count(c *osm.Change) Stats {
	var s Stats
	if c.Create != nil {
		s.NodesCreated = int64(len(c.Create.Nodes))
		s.WaysCreated = int64(len(c.Create.Ways))
		s.RelationsCreated = int64(len(c.Create.Relations))
	}
	if c.Modify != nil {
		s.NodesModified = int64(len(c.Modify.Nodes))
		s.WaysModified = int64(len(c.Modify.Ways))
		s.RelationsModified = int64(len(c.Modify.Relations))
	}
	if c.Delete != nil {
		s.NodesDeleted = int64(len(c.Delete.Nodes))
		s.WaysDeleted = int64(len(c.Delete.Ways))
		s.RelationsDeleted = int64(len(c.Delete.Relations))
	}
	return s
}
