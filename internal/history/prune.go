package history

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Prune removes published layers the latest chain no longer reaches, and
// any staging directories left by interrupted writes. It must not run while
// readers hold layers outside the latest chain. The removed directory names
// are returned.
func (db *DB) Prune() ([]string, error) {
	chain, err := db.Chain()
	if err != nil {
		return nil, err
	}
	keep := make(map[int64]bool, len(chain))
	for _, l := range chain {
		keep[l.ID()] = true
	}

	published, err := db.published()
	if err != nil {
		return nil, err
	}
	var removed []string
	for id, name := range published {
		if keep[id] {
			continue
		}
		if l, ok := db.layers.Peek(id); ok {
			l.Close()
			db.layers.Remove(id)
		}
		if err := os.RemoveAll(filepath.Join(db.root, name)); err != nil {
			return removed, fmt.Errorf("failed to remove layer %s: %w", name, err)
		}
		removed = append(removed, name)
		db.log.Info("Pruned layer", zap.String("layer", name))
	}

	staging := filepath.Join(db.root, stagingDir)
	entries, err := os.ReadDir(staging)
	if err != nil && !os.IsNotExist(err) {
		return removed, err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(staging, e.Name())); err != nil {
			return removed, err
		}
		removed = append(removed, filepath.Join(stagingDir, e.Name()))
	}
	return removed, nil
}
