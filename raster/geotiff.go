package raster

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrNoGeoReference is returned for TIFFs that lack model tiepoint/pixel
// scale or model transformation tags.
var ErrNoGeoReference = errors.New("raster carries no georeferencing tags")

// TIFF and GeoTIFF tag ids.
const (
	tagModelPixelScale    = 33550
	tagModelTiepoint      = 33922
	tagModelTransform     = 34264
	tagGeoKeyDirectory    = 34735
	keyRasterType         = 1025
	keyGeographicType     = 2048
	keyProjectedCSType    = 3072
	rasterPixelIsPoint    = 2
	userDefinedGeoKey     = 32767
	geoKeyEntryComponents = 4
)

// GeoReference is the georeferencing read from a GeoTIFF.
type GeoReference struct {
	// GeoTransform maps a pixel corner (col, row) to model coordinates:
	//   X = T[0] + col*T[1] + row*T[2]
	//   Y = T[3] + col*T[4] + row*T[5]
	GeoTransform [6]float64

	// EPSG is the projected (or, failing that, geographic) CRS code, 0 if
	// the file does not name one.
	EPSG int
}

// PixelToModel applies the geotransform.
func (g *GeoReference) PixelToModel(col, row float64) (x, y float64) {
	t := g.GeoTransform
	return t[0] + col*t[1] + row*t[2], t[3] + col*t[4] + row*t[5]
}

// ReadGeoReference reads the georeferencing tags of the TIFF at path.
func ReadGeoReference(path string) (*GeoReference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	g, err := DecodeGeoReference(f)
	if err != nil {
		return nil, errors.Wrapf(err, "georeference %s", path)
	}
	return g, nil
}

// DecodeGeoReference reads the GeoTIFF tags of the first IFD of a classic
// TIFF. BigTIFF is not supported.
func DecodeGeoReference(r io.ReaderAt) (*GeoReference, error) {
	d, err := readDirectory(r)
	if err != nil {
		return nil, err
	}
	return d.geoReference()
}

func (d *directory) geoReference() (*GeoReference, error) {
	g := &GeoReference{}
	keys, err := d.ints(tagGeoKeyDirectory)
	if err != nil {
		return nil, errors.Wrap(err, "read GeoKeyDirectory")
	}
	var rasterType, geographic, projected int
	for i := geoKeyEntryComponents; i+geoKeyEntryComponents <= len(keys); i += geoKeyEntryComponents {
		id, location, value := keys[i], keys[i+1], keys[i+3]
		if location != 0 {
			continue
		}
		switch id {
		case keyRasterType:
			rasterType = value
		case keyGeographicType:
			geographic = value
		case keyProjectedCSType:
			projected = value
		}
	}
	switch {
	case projected != 0 && projected != userDefinedGeoKey:
		g.EPSG = projected
	case geographic != 0 && geographic != userDefinedGeoKey:
		g.EPSG = geographic
	}

	m, err := d.floats(tagModelTransform)
	if err != nil {
		return nil, errors.Wrap(err, "read ModelTransformation")
	}
	if m != nil {
		if len(m) < 16 {
			return nil, errors.Errorf("ModelTransformation has %d values, want 16", len(m))
		}
		g.GeoTransform = [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
	} else {
		t, err := d.floats(tagModelTiepoint)
		if err != nil {
			return nil, errors.Wrap(err, "read ModelTiepoint")
		}
		s, err := d.floats(tagModelPixelScale)
		if err != nil {
			return nil, errors.Wrap(err, "read ModelPixelScale")
		}
		if t == nil || s == nil {
			return nil, ErrNoGeoReference
		}
		if len(t) < 6 || len(s) < 2 {
			return nil, errors.Errorf("short tiepoint (%d) or pixel scale (%d)", len(t), len(s))
		}
		g.GeoTransform = [6]float64{t[3] - t[0]*s[0], s[0], 0, t[4] + t[1]*s[1], 0, -s[1]}
	}

	if rasterType == rasterPixelIsPoint {
		t := &g.GeoTransform
		t[0] -= 0.5*t[1] + 0.5*t[2]
		t[3] -= 0.5*t[4] + 0.5*t[5]
	}
	return g, nil
}
