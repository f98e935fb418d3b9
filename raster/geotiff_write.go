package raster

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
)

const (
	keyModelType          = 1024
	modelTypeProjected    = 1
	modelTypeGeographic   = 2
	rasterPixelIsArea     = 1
	firstProjectedEPSG    = 2000
	lastGeographicEPSG    = 4999
	geographicEPSGMinimum = 4000
)

// AttachGeoReference rewrites the first IFD of an encoded classic TIFF so
// that it carries g as GeoTIFF tags. The image data is left in place; the
// new directory and its payload are appended to the end of the file.
func AttachGeoReference(data []byte, g *GeoReference) ([]byte, error) {
	d, err := readDirectory(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	d.drop(tagModelPixelScale, tagModelTiepoint, tagModelTransform, tagGeoKeyDirectory)

	t := g.GeoTransform
	if t[2] == 0 && t[4] == 0 {
		d.setDoubles(tagModelPixelScale, t[1], -t[5], 0)
		d.setDoubles(tagModelTiepoint, 0, 0, 0, t[0], t[3], 0)
	} else {
		d.setDoubles(tagModelTransform,
			t[1], t[2], 0, t[0],
			t[4], t[5], 0, t[3],
			0, 0, 0, 0,
			0, 0, 0, 1,
		)
	}

	keys := [][4]uint16{{keyRasterType, 0, 1, rasterPixelIsArea}}
	if g.EPSG >= geographicEPSGMinimum && g.EPSG <= lastGeographicEPSG {
		keys = append(keys, [4]uint16{keyModelType, 0, 1, modelTypeGeographic}, [4]uint16{keyGeographicType, 0, 1, uint16(g.EPSG)})
	} else if g.EPSG >= firstProjectedEPSG {
		keys = append(keys, [4]uint16{keyModelType, 0, 1, modelTypeProjected}, [4]uint16{keyProjectedCSType, 0, 1, uint16(g.EPSG)})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i][0] < keys[j][0] })
	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k[:]...)
	}
	d.setShorts(tagGeoKeyDirectory, dir...)
	return d.appendTo(data), nil
}

// WriteGeoTIFF encodes img as a TIFF georeferenced by g. A nil g writes a
// plain TIFF.
func WriteGeoTIFF(path string, img image.Image, g *GeoReference) error {
	if g == nil {
		return WriteTIFF(path, img)
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	data, err := AttachGeoReference(buf.Bytes(), g)
	if err != nil {
		return errors.Wrapf(err, "georeference %s", path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// Shifted returns a copy of g whose origin moved to pixel (col, row) of the
// original raster, matching a crop taken at that offset.
func (g *GeoReference) Shifted(col, row int) *GeoReference {
	out := *g
	x, y := g.PixelToModel(float64(col), float64(row))
	out.GeoTransform[0] = x
	out.GeoTransform[3] = y
	return &out
}
