package rundir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultStalePatterns match configuration artifacts generated for a previous
// submission that must not leak into a restart.
var DefaultStalePatterns = []string{
	"namelist.hrldas",
	"hydro.namelist",
	"diag_hydro.*",
}

// RemoveStale deletes files in dir matching any of the glob patterns and
// returns how many were removed. Patterns are relative to dir and may use **.
// Launch scripts and marker files are never removed.
func RemoveStale(dir string, patterns []string) (int, error) {
	fsys := os.DirFS(dir)
	removed := 0
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return removed, fmt.Errorf("invalid stale pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return removed, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, rel := range matches {
			if protected(rel) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return removed, fmt.Errorf("remove %s: %w", rel, err)
			}
			removed++
		}
	}
	return removed, nil
}

func protected(rel string) bool {
	switch filepath.Base(rel) {
	case LockMarker, ModelScript, SecondaryScript, SecondaryComplete:
		return true
	}
	return false
}
