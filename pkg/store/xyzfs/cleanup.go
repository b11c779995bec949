package xyzfs

import (
	"os"
	"path/filepath"
	"strings"
)

var tileExtensions = map[string]bool{
	".gif": true, ".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
}

// PruneEmptyDirectories walks the archive root bottom-up and removes any
// directory whose descendants contain no tile files, the post-pass spec
// section 4.2 runs after a bulk delete leaves sparse z/x subtrees behind.
func (s *Store) PruneEmptyDirectories() error {
	return pruneEmptyDirectories(s.root)
}

func pruneEmptyDirectories(root string) error {
	_, err := pruneDir(root, root)
	return err
}

// pruneDir returns whether dir still contains a tile file after pruning
// its empty subdirectories.
func pruneDir(root, dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	hasTile := false
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			childHasTile, err := pruneDir(root, full)
			if err != nil {
				return false, err
			}
			if childHasTile {
				hasTile = true
			} else {
				os.Remove(full)
			}
			continue
		}
		if tileExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			hasTile = true
		}
	}

	return hasTile, nil
}
