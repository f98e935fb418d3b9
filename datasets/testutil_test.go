package datasets

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/landCover/raster"
)

// memTile builds an in-memory tile whose imagery encodes the pixel position
// and whose labels come from class(y, x).
func memTile(id string, h, w int, class func(y, x int) uint8) *Tile {
	img := raster.NewImagery(4, h, w)
	for c := 0; c < 4; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Set(c, y, x, float32(c*1000000+y*1000+x))
			}
		}
	}
	lab := raster.NewLabels(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			lab.Pix[y*w+x] = class(y, x)
		}
	}
	return &Tile{ID: id, Imagery: img, Labels: lab}
}

func constClass(c uint8) func(y, x int) uint8 {
	return func(int, int) uint8 { return c }
}

// writeTilePair writes <dir>/<name>_NAIP.tif and <dir>/<name>_LandCover.tif
// and returns the tile id.
func writeTilePair(t *testing.T, dir, name string, h, w int, class func(y, x int) uint8) string {
	t.Helper()
	id := filepath.Join(dir, name)

	naip := image.NewNRGBA(image.Rect(0, 0, w, h))
	lc := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			naip.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
			lc.SetGray(x, y, color.Gray{Y: class(y, x)})
		}
	}
	if err := raster.WriteTIFF(ImageryPath(id), naip); err != nil {
		t.Fatalf("failed to write imagery for %s: %v", name, err)
	}
	if err := raster.WriteTIFF(LabelsPath(id), lc); err != nil {
		t.Fatalf("failed to write labels for %s: %v", name, err)
	}
	return id
}
