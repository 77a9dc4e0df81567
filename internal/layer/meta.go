package layer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Type tags how a layer relates to its base.
type Type string

const (
	// Full is a root layer holding every object.
	Full Type = "full"
	// Diff holds the changes of one replication cycle.
	Diff Type = "diff"
	// Snapshot consolidates a run of diffs on top of an older layer.
	Snapshot Type = "snapshot"
)

func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case Full, Diff, Snapshot:
		return t, nil
	}
	return "", fmt.Errorf("unknown layer type %q", s)
}

const (
	metaFile    = "meta.json"
	dataFile    = "data.bin"
	keysFile    = "keys.idx"
	tilesFile   = "tiles.idx"
	deletedFile = "deleted.idx"
)

// Stats are counted while a layer is written.
type Stats struct {
	Objects int64 `json:"objects"`
	Deleted int64 `json:"deleted"`
	Tiles   int64 `json:"tiles"`
	Bytes   int64 `json:"bytes"`
}

// Meta is stored as meta.json in every layer directory.
type Meta struct {
	ID           int64     `json:"id"`
	Zoom         uint32    `json:"zoom"`
	Base         *int64    `json:"base"`
	Type         Type      `json:"type"`
	EndTimestamp time.Time `json:"end_timestamp"`
	CreatedAt    time.Time `json:"created_at"`
	Stats        Stats     `json:"stats"`
}

// IsRoot reports whether the layer has no base.
func (m Meta) IsRoot() bool { return m.Base == nil }

// DirName is the directory name of a published layer.
func (m Meta) DirName() string {
	return DirName(m.Type, m.ID)
}

func DirName(t Type, id int64) string {
	return fmt.Sprintf("%s-%d", t, id)
}

// ParseDirName splits a layer directory name into type and id.
func ParseDirName(name string) (Type, int64, error) {
	typ, idStr, ok := strings.Cut(name, "-")
	if !ok {
		return "", 0, fmt.Errorf("not a layer directory: %q", name)
	}
	t, err := ParseType(typ)
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("not a layer directory: %q", name)
	}
	return t, id, nil
}

func (m Meta) validate() error {
	if _, err := ParseType(string(m.Type)); err != nil {
		return err
	}
	if m.Type == Full && m.Base != nil {
		return fmt.Errorf("full layer %d has a base", m.ID)
	}
	if m.Type != Full && m.Base == nil {
		return fmt.Errorf("%s layer %d has no base", m.Type, m.ID)
	}
	if m.Base != nil && *m.Base >= m.ID {
		return fmt.Errorf("layer %d has a newer base %d", m.ID, *m.Base)
	}
	return nil
}

// ReadMeta reads meta.json from a layer directory.
func ReadMeta(dir string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return m, fmt.Errorf("failed to read layer metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse %s: %w", filepath.Join(dir, metaFile), err)
	}
	if err := m.validate(); err != nil {
		return m, fmt.Errorf("invalid metadata in %s: %w", dir, err)
	}
	return m, nil
}

func writeMeta(dir string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, metaFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create layer metadata: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write layer metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
