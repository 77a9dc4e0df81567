package osmgeo

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/osm"
)

var (
	// ErrUnsupportedObject is returned for anything that is not a node, way
	// or relation.
	ErrUnsupportedObject = errors.New("unsupported osm object")
	// ErrCorruptRecord is returned when a payload cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt object record")
)

// A record payload is one type byte followed by the object as JSON, in the
// osmjson form the osm package defines. Tags are taken out of the object and
// written as an ordered list of pairs, since the osmjson tag object does not
// keep their order.
type payload struct {
	Tags   [][2]string     `json:"tags,omitempty"`
	Object json.RawMessage `json:"object"`
}

func splitTags(tags osm.Tags) [][2]string {
	if len(tags) == 0 {
		return nil
	}
	pairs := make([][2]string, len(tags))
	for i, t := range tags {
		pairs[i] = [2]string{t.Key, t.Value}
	}
	return pairs
}

func joinTags(pairs [][2]string) osm.Tags {
	if len(pairs) == 0 {
		return nil
	}
	tags := make(osm.Tags, len(pairs))
	for i, p := range pairs {
		tags[i] = osm.Tag{Key: p[0], Value: p[1]}
	}
	return tags
}

// Marshal encodes a single object. The object is not modified.
func Marshal(obj osm.Object) ([]byte, error) {
	var (
		typ  Type
		tags osm.Tags
		body any
	)
	switch v := obj.(type) {
	case *osm.Node:
		c := *v
		typ, tags, c.Tags, body = Node, v.Tags, nil, &c
	case *osm.Way:
		c := *v
		typ, tags, c.Tags, body = Way, v.Tags, nil, &c
	case *osm.Relation:
		c := *v
		typ, tags, c.Tags, body = Relation, v.Tags, nil, &c
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedObject, obj)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", obj, err)
	}
	data, err := json.Marshal(payload{Tags: splitTags(tags), Object: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", obj, err)
	}
	return append([]byte{byte(typ)}, data...), nil
}

// Unmarshal decodes a payload written by Marshal.
func Unmarshal(data []byte) (osm.Object, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptRecord, len(data))
	}
	var p payload
	if err := json.Unmarshal(data[1:], &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	var obj osm.Object
	switch Type(data[0]) {
	case Node:
		n := &osm.Node{}
		if err := json.Unmarshal(p.Object, n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		n.Tags = joinTags(p.Tags)
		obj = n
	case Way:
		w := &osm.Way{}
		if err := json.Unmarshal(p.Object, w); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		w.Tags = joinTags(p.Tags)
		obj = w
	case Relation:
		r := &osm.Relation{}
		if err := json.Unmarshal(p.Object, r); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		r.Tags = joinTags(p.Tags)
		obj = r
	default:
		return nil, fmt.Errorf("%w: unknown type byte %d", ErrCorruptRecord, data[0])
	}
	return obj, nil
}

// Members returns the keys an object references: a way's nodes, or a
// relation's members. Nodes reference nothing.
func Members(obj osm.Object) []Key {
	switch o := obj.(type) {
	case *osm.Way:
		keys := make([]Key, 0, len(o.Nodes))
		for _, n := range o.Nodes {
			keys = append(keys, Key{Type: Node, ID: int64(n.ID)})
		}
		return keys
	case *osm.Relation:
		keys := make([]Key, 0, len(o.Members))
		for _, m := range o.Members {
			t, ok := FromOSMType(m.Type)
			if !ok {
				continue
			}
			keys = append(keys, Key{Type: t, ID: m.Ref})
		}
		return keys
	}
	return nil
}
