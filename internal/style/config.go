// Package style is a declarative tag filter for the objects a database is
// built from, read from YAML:
//
//	nodes:
//	  require_any: [amenity, shop]
//	ways:
//	  include:
//	    highway: []
//	    railway: [rail, tram]
//	  exclude:
//	    access: [private]
//
// An element type without a section is kept whole.
package style

import (
	"fmt"
	"os"

	"github.com/paulmach/osm"
	"gopkg.in/yaml.v3"
)

// Config holds one filter per element type.
type Config struct {
	Nodes     *FilterConfig `yaml:"nodes,omitempty"`
	Ways      *FilterConfig `yaml:"ways,omitempty"`
	Relations *FilterConfig `yaml:"relations,omitempty"`
}

// FilterConfig is the rule set of one element type.
type FilterConfig struct {
	// Include keeps objects with one of the listed tags. An empty value list
	// accepts any value and "*" does the same inside a list.
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude drops objects with one of the listed tags, after Include.
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny keeps objects carrying at least one of these keys.
	RequireAny []string `yaml:"require_any,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse style YAML: %w", err)
	}
	return &cfg, nil
}

// Keep reports whether obj passes the filter of its element type.
func (c *Config) Keep(obj osm.Object) bool {
	switch o := obj.(type) {
	case *osm.Node:
		return NewFilter(c.Nodes).Match(o.Tags.Map())
	case *osm.Way:
		return NewFilter(c.Ways).Match(o.Tags.Map())
	case *osm.Relation:
		return NewFilter(c.Relations).Match(o.Tags.Map())
	}
	return true
}

// Filter applies one FilterConfig.
type Filter struct {
	cfg *FilterConfig
}

func NewFilter(cfg *FilterConfig) *Filter {
	if cfg == nil {
		return &Filter{cfg: &FilterConfig{}}
	}
	return &Filter{cfg: cfg}
}

func listed(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, want := range values {
		if want == v || want == "*" {
			return true
		}
	}
	return false
}

// Match reports whether tags pass the rules.
func (f *Filter) Match(tags map[string]string) bool {
	if len(f.cfg.RequireAny) > 0 {
		found := false
		for _, key := range f.cfg.RequireAny {
			if _, ok := tags[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.cfg.Include) > 0 {
		matched := false
		for key, values := range f.cfg.Include {
			if v, ok := tags[key]; ok && listed(values, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for key, values := range f.cfg.Exclude {
		if v, ok := tags[key]; ok && listed(values, v) {
			return false
		}
	}
	return true
}

// HasFilter reports whether any rule is set.
func (f *Filter) HasFilter() bool {
	return len(f.cfg.Include) > 0 || len(f.cfg.Exclude) > 0 || len(f.cfg.RequireAny) > 0
}
