package replication

import (
	"slices"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmtiledb/internal/osc"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
)

type squashed struct {
	action osc.Action
	obj    osm.Object
}

// Squash folds consecutive changes, oldest first, into one. The last
// action on a key wins, except that an object created in the run stays in
// the create section when it is modified again.
func Squash(changes []*osm.Change) *osm.Change {
	latest := make(map[osmgeo.Key]squashed)
	note := func(action osc.Action, o *osm.OSM) {
		for _, obj := range elements(o) {
			key, err := osmgeo.KeyOf(obj)
			if err != nil {
				continue
			}
			act := action
			if prev, ok := latest[key]; ok && prev.action == osc.ActionCreate && act == osc.ActionModify {
				act = osc.ActionCreate
			}
			latest[key] = squashed{action: act, obj: obj}
		}
	}
	for _, c := range changes {
		if c == nil {
			continue
		}
		note(osc.ActionCreate, c.Create)
		note(osc.ActionModify, c.Modify)
		note(osc.ActionDelete, c.Delete)
	}

	keys := make([]osmgeo.Key, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, osmgeo.Key.Compare)

	out := &osm.Change{Create: &osm.OSM{}, Modify: &osm.OSM{}, Delete: &osm.OSM{}}
	if n := len(changes); n > 0 && changes[n-1] != nil {
		out.Version = changes[n-1].Version
		out.Generator = changes[n-1].Generator
	}
	for _, k := range keys {
		s := latest[k]
		var target *osm.OSM
		switch s.action {
		case osc.ActionCreate:
			target = out.Create
		case osc.ActionModify:
			target = out.Modify
		default:
			target = out.Delete
		}
		switch o := s.obj.(type) {
		case *osm.Node:
			target.Nodes = append(target.Nodes, o)
		case *osm.Way:
			target.Ways = append(target.Ways, o)
		case *osm.Relation:
			target.Relations = append(target.Relations, o)
		}
	}
	return out
}

func elements(o *osm.OSM) []osm.Object {
	if o == nil {
		return nil
	}
	objs := make([]osm.Object, 0, len(o.Nodes)+len(o.Ways)+len(o.Relations))
	for _, n := range o.Nodes {
		objs = append(objs, n)
	}
	for _, w := range o.Ways {
		objs = append(objs, w)
	}
	for _, r := range o.Relations {
		objs = append(objs, r)
	}
	return objs
}
