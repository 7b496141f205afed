package cacheguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PruneStats reports what a prune removed.
type PruneStats struct {
	Files int `json:"files"`
	Dirs  int `json:"dirs"`
}

// Prune deletes files under dir not modified for olderThan, then the
// directories left empty. dir itself is kept when keepRoot is set.
// olderThan <= 0 removes everything. A missing dir is not an error.
func Prune(dir string, olderThan time.Duration, keepRoot bool) (PruneStats, error) {
	var st PruneStats
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	cutoff := time.Now().Add(-olderThan)

	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if olderThan > 0 {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
		}
		// Locks and their part files belong to running producers.
		if strings.HasSuffix(path, lockSuffix) && olderThan <= 0 {
			return nil
		}
		if strings.HasSuffix(path, partSuffix) {
			if _, err := os.Stat(lockOf(path)); err == nil {
				return nil
			}
		}
		if err := os.Remove(path); err == nil {
			st.Files++
		}
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("cacheguard: prune %s: %w", dir, err)
	}

	// Deepest first so parents empty out as children go.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if keepRoot && d == dir {
			continue
		}
		if os.Remove(d) == nil {
			st.Dirs++
		}
	}
	return st, nil
}

// lockOf maps "<file>.<random>.part" to "<file>.lock".
func lockOf(part string) string {
	name := strings.TrimSuffix(part, partSuffix)
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name + lockSuffix
}

// PruneKey prunes the subtree at key, e.g. one work's derivatives.
func (g *Guard) PruneKey(key string, olderThan time.Duration) (PruneStats, error) {
	path, err := g.Path(key)
	if err != nil {
		return PruneStats{}, err
	}
	return Prune(path, olderThan, false)
}

// PruneAll prunes the whole cache, keeping the root.
func (g *Guard) PruneAll(olderThan time.Duration) (PruneStats, error) {
	st, err := Prune(g.root, olderThan, true)
	if err == nil && (st.Files > 0 || st.Dirs > 0) {
		g.opts.Logger.Info("cacheguard: pruned", "root", g.root, "files", st.Files, "dirs", st.Dirs, "older_than", olderThan)
	}
	return st, err
}
