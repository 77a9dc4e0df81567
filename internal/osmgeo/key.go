package osmgeo

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/osm"
)

// Type is the kind of an OSM object. Its numeric order is the store's sort
// order: nodes first, then ways, then relations.
type Type uint8

const (
	Node Type = iota
	Way
	Relation
)

func (t Type) String() string {
	switch t {
	case Node:
		return "node"
	case Way:
		return "way"
	case Relation:
		return "relation"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType parses "node", "way", "relation" and their one letter forms.
func ParseType(s string) (Type, error) {
	switch s {
	case "node", "n", "N":
		return Node, nil
	case "way", "w", "W":
		return Way, nil
	case "relation", "r", "R":
		return Relation, nil
	}
	return 0, fmt.Errorf("unknown object type %q", s)
}

// FromOSMType converts an osm.Type (as used in relation members).
func FromOSMType(t osm.Type) (Type, bool) {
	switch t {
	case osm.TypeNode:
		return Node, true
	case osm.TypeWay:
		return Way, true
	case osm.TypeRelation:
		return Relation, true
	}
	return 0, false
}

// Key identifies an object by type and id.
type Key struct {
	Type Type
	ID   int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Type, k.ID)
}

// ParseKey reads a key written as "node/1" or in the short form "n1".
func ParseKey(s string) (Key, error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok && len(s) > 1 {
		typ, id = s[:1], s[1:]
	}
	t, err := ParseType(typ)
	if err != nil {
		return Key{}, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid object id in %q", s)
	}
	return Key{Type: t, ID: n}, nil
}

// Compare orders keys by type, then id.
func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.Type, other.Type); c != 0 {
		return c
	}
	return cmp.Compare(k.ID, other.ID)
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// KeyOf returns the key of a node, way or relation.
func KeyOf(obj osm.Object) (Key, error) {
	switch o := obj.(type) {
	case *osm.Node:
		return Key{Type: Node, ID: int64(o.ID)}, nil
	case *osm.Way:
		return Key{Type: Way, ID: int64(o.ID)}, nil
	case *osm.Relation:
		return Key{Type: Relation, ID: int64(o.ID)}, nil
	}
	return Key{}, fmt.Errorf("%w: %T", ErrUnsupportedObject, obj)
}

// MustKey is KeyOf for objects already known to be nodes, ways or relations.
func MustKey(obj osm.Object) Key {
	k, err := KeyOf(obj)
	if err != nil {
		panic(err)
	}
	return k
}
