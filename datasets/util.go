package datasets

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// FindTiles returns the sorted tile ids (paths without the raster suffix) of
// every imagery raster in dir.
// Missing label rasters surface when the tile is loaded.
func FindTiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list tiles in %s", dir)
	}
	var ids []string
	for _, e := range entries {
		id, ok := tileID(dir, e.Name())
		if !ok || e.IsDir() {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.Wrapf(ErrNoTiles, "no *%s rasters in %s", ImagerySuffix, dir)
	}
	sort.Strings(ids)
	return ids, nil
}

// tileID strips the imagery suffix from a file name.
func tileID(dir, name string) (string, bool) {
	if !strings.HasSuffix(name, ImagerySuffix) || len(name) == len(ImagerySuffix) {
		return "", false
	}
	return filepath.Join(dir, strings.TrimSuffix(name, ImagerySuffix)), true
}
