package raster

import (
	"image"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
)

// WriteTIFF encodes img as a deflate-compressed TIFF at path, creating the
// parent directory if needed. The file is written to a temporary name and
// renamed into place.
func WriteTIFF(path string, img image.Image) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp tiff")
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := tiff.Encode(tmp, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp tiff")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename temp tiff to %s", path)
	}
	return nil
}
