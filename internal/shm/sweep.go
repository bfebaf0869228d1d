package shm

import (
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"
)

// walkAndRemoveOrphans is grounded on the original's startup cleanup
// of stale POSIX shm objects: it mirrors aistore's preference for
// godirwalk over filepath.Walk for directory scans (avoids a lstat per
// entry on most platforms).
func walkAndRemoveOrphans(dir string, keep map[string]struct{}) error {
	entries, err := godirwalk.ReadDirents(dir, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if _, ok := keep[ent.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
