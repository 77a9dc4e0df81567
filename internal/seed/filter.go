package seed

import (
	"fmt"

	"github.com/paulmach/osm"
	lua "github.com/yuin/gopher-lua"

	"github.com/wegman-software/osmtiledb/internal/osmgeo"
)

// Filter runs a Lua function deciding which seed objects are kept:
//
//	function filter(type, id, tags)
//	    return tags.highway ~= nil
//	end
//
// type is "node", "way" or "relation" and tags is a table of strings. A
// false or nil result drops the object. A Filter is not safe for concurrent
// use.
type Filter struct {
	L  *lua.LState
	fn lua.LValue
}

// LoadFilter compiles the script at path.
func LoadFilter(path string) (*Filter, error) {
	f := &Filter{L: lua.NewState()}
	if err := f.L.DoFile(path); err != nil {
		f.L.Close()
		return nil, fmt.Errorf("failed to load filter script: %w", err)
	}
	return f, f.init()
}

// LoadFilterString compiles a script held in memory.
func LoadFilterString(code string) (*Filter, error) {
	f := &Filter{L: lua.NewState()}
	if err := f.L.DoString(code); err != nil {
		f.L.Close()
		return nil, fmt.Errorf("failed to load filter script: %w", err)
	}
	return f, f.init()
}

func (f *Filter) init() error {
	f.fn = f.L.GetGlobal("filter")
	if f.fn.Type() != lua.LTFunction {
		f.L.Close()
		return fmt.Errorf("filter script does not define a filter function")
	}
	return nil
}

func (f *Filter) Close() {
	f.L.Close()
}

// Keep reports whether obj passes the filter.
func (f *Filter) Keep(obj osm.Object) (bool, error) {
	key, err := osmgeo.KeyOf(obj)
	if err != nil {
		return false, err
	}

	tags := f.L.NewTable()
	for _, t := range tagsOf(obj) {
		tags.RawSetString(t.Key, lua.LString(t.Value))
	}

	if err := f.L.CallByParam(lua.P{
		Fn:      f.fn,
		NRet:    1,
		Protect: true,
	}, lua.LString(key.Type.String()), lua.LNumber(key.ID), tags); err != nil {
		return false, fmt.Errorf("filter failed on %v: %w", key, err)
	}
	ret := f.L.Get(-1)
	f.L.Pop(1)
	return lua.LVAsBool(ret), nil
}

func tagsOf(obj osm.Object) osm.Tags {
	switch o := obj.(type) {
	case *osm.Node:
		return o.Tags
	case *osm.Way:
		return o.Tags
	case *osm.Relation:
		return o.Tags
	}
	return nil
}
