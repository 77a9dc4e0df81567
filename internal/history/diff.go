package history

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmtiledb/internal/layer"
	"github.com/wegman-software/osmtiledb/internal/osmgeo"
)

// action is the final effect of a changeset on one key.
type action struct {
	obj     osm.Object
	version int
	deleted bool
}

// collectActions reduces a changeset to one action per key. The higher
// version wins; a deletion wins a tie.
func collectActions(change *osm.Change) map[osmgeo.Key]action {
	actions := make(map[osmgeo.Key]action)
	add := func(obj osm.Object, deleted bool) {
		key, err := osmgeo.KeyOf(obj)
		if err != nil {
			return
		}
		a := action{obj: obj, version: versionOf(obj), deleted: deleted}
		if prev, ok := actions[key]; ok {
			if a.version < prev.version || (a.version == prev.version && prev.deleted) {
				return
			}
		}
		actions[key] = a
	}

	for _, obj := range objectsOf(change.Create) {
		add(obj, false)
	}
	for _, obj := range objectsOf(change.Modify) {
		add(obj, false)
	}
	for _, obj := range objectsOf(change.Delete) {
		add(obj, true)
	}
	return actions
}

// record is an object queued for a new layer.
type record struct {
	key osmgeo.Key
	obj osm.Object
	ids []uint64
}

func sortRecords(records []record) {
	slices.SortFunc(records, func(a, b record) int { return a.key.Compare(b.key) })
}

// ApplyDiff writes the changes of one replication cycle as a new layer on
// top of the latest one. ts is the end of the period the change covers.
//
// Created and modified objects get fresh tile sets, resolving members from
// the change first and the current chain second. Deleted objects become
// tombstones. Every tile touched by the change, old tiles of moved or deleted
// objects included, is copied forward whole so the new layer can answer it
// alone.
func (db *DB) ApplyDiff(ctx context.Context, change *osm.Change, ts time.Time) (*layer.Layer, error) {
	latest := db.Latest()
	if latest == nil {
		return nil, ErrEmpty
	}
	if change == nil {
		change = &osm.Change{}
	}
	if ts.Before(latest.Meta().EndTimestamp) {
		return nil, fmt.Errorf("%w: %s before %s", ErrStaleTimestamp,
			ts.UTC().Format(time.RFC3339), latest.Meta().EndTimestamp.Format(time.RFC3339))
	}

	actions := collectActions(change)
	changed := make([]osmgeo.Key, 0, len(actions))
	for k := range actions {
		changed = append(changed, k)
	}
	slices.SortFunc(changed, osmgeo.Key.Compare)

	oldTiles, err := tileSets(latest, changed)
	if err != nil {
		return nil, err
	}
	newTiles, dangling, err := db.resolveTiles(latest, changed, actions)
	if err != nil {
		return nil, err
	}
	if dangling > 0 {
		db.log.Debug("Changed objects reference unknown members", zap.Int("references", dangling))
	}

	touched := make(map[uint64]struct{})
	for _, set := range oldTiles {
		for _, id := range set {
			touched[id] = struct{}{}
		}
	}
	for _, set := range newTiles {
		for _, id := range set {
			touched[id] = struct{}{}
		}
	}

	records := make([]record, 0, len(changed))
	var deletes []osmgeo.Key
	for _, k := range changed {
		a := actions[k]
		if a.deleted {
			deletes = append(deletes, k)
			continue
		}
		records = append(records, record{key: k, obj: a.obj, ids: newTiles[k]})
	}

	// complete the touched tiles with everything else they hold, and keep
	// going while re-derived tile sets reach tiles not yet held
	var copied []record
	have := make(map[osmgeo.Key]struct{})
	pending := sortedIDs(touched)
	for len(pending) > 0 {
		more, err := copyForward(latest, pending, actions, have)
		if err != nil {
			return nil, err
		}
		copied = append(copied, more...)
		stored := make([][]uint64, len(copied))
		for i, r := range copied {
			stored[i] = r.ids
		}
		if err := rederive(latest, copied, actions, newTiles); err != nil {
			return nil, err
		}

		grown := make(map[uint64]struct{})
		reach := func(ids []uint64) {
			for _, id := range ids {
				if _, ok := touched[id]; !ok {
					touched[id] = struct{}{}
					grown[id] = struct{}{}
				}
			}
		}
		for i, r := range copied {
			if !slices.Equal(stored[i], r.ids) {
				reach(stored[i])
				reach(r.ids)
			}
		}
		for _, set := range newTiles {
			reach(set)
		}
		pending = sortedIDs(grown)
	}
	for i := range records {
		records[i].ids = newTiles[records[i].key]
	}
	records = append(records, copied...)
	sortRecords(records)

	base := latest.ID()
	meta := layer.Meta{
		ID:           db.nextID(),
		Zoom:         latest.Zoom(),
		Base:         &base,
		Type:         layer.Diff,
		EndTimestamp: ts.UTC(),
		CreatedAt:    db.opts.Now().UTC(),
	}
	l, err := db.write(ctx, meta, records, deletes, touched)
	if err != nil {
		return nil, err
	}
	db.log.Info("Applied diff",
		zap.Stringer("layer", l),
		zap.Int("changed", len(changed)-len(deletes)),
		zap.Int("deleted", len(deletes)),
		zap.Int("touched_tiles", len(touched)))
	return l, nil
}

// tileSets returns the current tile sets of the keys that exist in l.
func tileSets(l *layer.Layer, keys []osmgeo.Key) (map[osmgeo.Key][]uint64, error) {
	sets := make(map[osmgeo.Key][]uint64, len(keys))
	for kt, err := range l.TilesFor(keys) {
		if err != nil {
			return nil, err
		}
		sets[kt.Key] = localIDs(kt.Tiles)
	}
	return sets, nil
}

// resolveTiles computes the tile sets of the created and modified objects in
// key order, so nodes are placed before the ways that use them and ways
// before relations. A member that the change deletes contributes nothing; a
// member the change does not mention keeps its tiles from the chain.
func (db *DB) resolveTiles(latest *layer.Layer, changed []osmgeo.Key, actions map[osmgeo.Key]action) (map[osmgeo.Key][]uint64, int, error) {
	computed := make(map[osmgeo.Key][]uint64, len(changed))

	// members not in the change are asked of the chain in one batch
	var external []osmgeo.Key
	for _, k := range changed {
		a := actions[k]
		if a.deleted {
			continue
		}
		for _, m := range osmgeo.Members(a.obj) {
			if _, inChange := actions[m]; !inChange {
				external = append(external, m)
			}
		}
	}
	chain, err := tileSets(latest, external)
	if err != nil {
		return nil, 0, err
	}

	lookup := func(m osmgeo.Key) ([]uint64, bool) {
		if a, inChange := actions[m]; inChange {
			if a.deleted {
				return nil, false
			}
			if ids, ok := computed[m]; ok {
				return ids, true
			}
			// a relation later in the change; fall back to its stored tiles
		}
		ids, ok := chain[m]
		if !ok {
			if ids, ok = oldTilesOf(latest, m); ok {
				chain[m] = ids
			}
		}
		return ids, ok
	}

	dangling := 0
	for _, k := range changed {
		a := actions[k]
		if a.deleted {
			continue
		}
		if n, ok := a.obj.(*osm.Node); ok {
			computed[k] = []uint64{nodeTile(n, latest.Zoom())}
			continue
		}
		ids, missing := memberTiles(a.obj, lookup)
		computed[k] = ids
		dangling += missing
	}
	return computed, dangling, nil
}

// copyForward returns the live objects in the given tiles that the change
// does not mention and that are not in have yet, adding them to have. Objects
// are read again by key so each copy carries its newest record and tile set,
// not the one stored with the tile that answered.
func copyForward(latest *layer.Layer, ids []uint64, actions map[osmgeo.Key]action, have map[osmgeo.Key]struct{}) ([]record, error) {
	var keys []osmgeo.Key
	for e, err := range latest.GetTiles(toTiles(latest.Zoom(), ids), nil) {
		if err != nil {
			return nil, err
		}
		if _, ok := actions[e.Key]; ok {
			continue
		}
		if _, ok := have[e.Key]; ok {
			continue
		}
		have[e.Key] = struct{}{}
		keys = append(keys, e.Key)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([]record, 0, len(keys))
	for e, err := range latest.Get(keys, nil) {
		if err != nil {
			return nil, err
		}
		out = append(out, record{key: e.Key, obj: e.Object, ids: localIDs(e.Tiles)})
	}
	return out, nil
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// rederive refreshes the tile sets of ways and relations whose members moved.
// A record is stale when a member is in the change or is itself stale, so a
// relation over a copied way follows the nodes of that way. Stale ways are
// settled before relations; relations are repeated until their sets stop
// changing, bounded by their count since membership may be cyclic. Changed
// ways and relations in computed are refreshed the same way.
func rederive(latest *layer.Layer, copied []record, actions map[osmgeo.Key]action, computed map[osmgeo.Key][]uint64) error {
	pos := make(map[osmgeo.Key]int, len(copied))
	users := make(map[osmgeo.Key][]osmgeo.Key)
	for i, r := range copied {
		pos[r.key] = i
		for _, m := range osmgeo.Members(r.obj) {
			users[m] = append(users[m], r.key)
		}
	}
	for k, a := range actions {
		if a.deleted {
			continue
		}
		for _, m := range osmgeo.Members(a.obj) {
			users[m] = append(users[m], k)
		}
	}

	stale := make(map[osmgeo.Key]struct{})
	queue := make([]osmgeo.Key, 0, len(actions))
	for k := range actions {
		queue = append(queue, k)
	}
	for len(queue) > 0 {
		m := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, u := range users[m] {
			if _, ok := stale[u]; !ok {
				stale[u] = struct{}{}
				queue = append(queue, u)
			}
		}
	}
	if len(stale) == 0 {
		return nil
	}

	objOf := func(k osmgeo.Key) osm.Object {
		if a, ok := actions[k]; ok {
			return a.obj
		}
		return copied[pos[k]].obj
	}
	var external []osmgeo.Key
	keys := make([]osmgeo.Key, 0, len(stale))
	for k := range stale {
		keys = append(keys, k)
		for _, m := range osmgeo.Members(objOf(k)) {
			_, inChange := actions[m]
			_, isCopy := pos[m]
			if !inChange && !isCopy {
				external = append(external, m)
			}
		}
	}
	slices.SortFunc(keys, osmgeo.Key.Compare)

	chain, err := tileSets(latest, external)
	if err != nil {
		return err
	}
	lookup := func(m osmgeo.Key) ([]uint64, bool) {
		if a, ok := actions[m]; ok {
			if a.deleted {
				return nil, false
			}
			ids, ok := computed[m]
			return ids, ok
		}
		if i, ok := pos[m]; ok {
			return copied[i].ids, true
		}
		ids, ok := chain[m]
		return ids, ok
	}
	update := func(k osmgeo.Key) bool {
		ids, _ := memberTiles(objOf(k), lookup)
		if _, ok := actions[k]; ok {
			if slices.Equal(computed[k], ids) {
				return false
			}
			computed[k] = ids
			return true
		}
		i := pos[k]
		if slices.Equal(copied[i].ids, ids) {
			return false
		}
		copied[i].ids = ids
		return true
	}

	var relations []osmgeo.Key
	for _, k := range keys {
		switch k.Type {
		case osmgeo.Way:
			update(k)
		case osmgeo.Relation:
			relations = append(relations, k)
		}
	}
	for pass := 0; pass <= len(relations); pass++ {
		moved := false
		for _, k := range relations {
			if update(k) {
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return nil
}

func oldTilesOf(l *layer.Layer, k osmgeo.Key) ([]uint64, bool) {
	for kt, err := range l.TilesFor([]osmgeo.Key{k}) {
		if err != nil {
			return nil, false
		}
		return localIDs(kt.Tiles), true
	}
	return nil, false
}

// write builds a layer holding the given tiles from key sorted records and
// tombstones, and publishes it. The staging directory is removed on failure.
func (db *DB) write(ctx context.Context, meta layer.Meta, records []record, deletes []osmgeo.Key, held map[uint64]struct{}) (*layer.Layer, error) {
	staged, err := db.stage()
	if err != nil {
		return nil, err
	}
	l, err := db.writeStaged(ctx, staged, meta, records, deletes, held)
	if err != nil {
		os.RemoveAll(staged)
		return nil, err
	}
	return l, nil
}

func (db *DB) writeStaged(ctx context.Context, dir string, meta layer.Meta, records []record, deletes []osmgeo.Key, held map[uint64]struct{}) (*layer.Layer, error) {
	b, err := layer.NewBuilder(dir, func(id uint64) bool {
		_, ok := held[id]
		return ok
	})
	if err != nil {
		return nil, err
	}
	defer b.Abort()

	for id := range held {
		b.Hold(id)
	}

	for i, r := range records {
		if i%cancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := b.Add(r.obj, r.ids); err != nil {
			return nil, err
		}
	}
	for _, k := range deletes {
		if err := b.Delete(k); err != nil {
			return nil, err
		}
	}
	meta, err = b.Finish(ctx, meta)
	if err != nil {
		return nil, err
	}
	return db.publish(dir, meta)
}
