// Package geo converts geographic points of interest into raster pixel
// coordinates.
package geo

import (
	"math"

	"github.com/Noofbiz/landCover/raster"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Pixel is an integer raster position; X is the column and Y the row.
type Pixel struct {
	X int
	Y int
}

// Locator maps (lat, lon) points to pixels of a georeferenced raster.
type Locator struct {
	// Georeference loads the georeferencing of a raster. Defaults to
	// raster.ReadGeoReference.
	Georeference func(path string) (*raster.GeoReference, error)
}

// NewLocator returns a Locator reading GeoTIFF tags from disk.
func NewLocator() *Locator {
	return &Locator{Georeference: raster.ReadGeoReference}
}

// Locate returns the pixel of rasterPath containing the WGS84 point
// (lat, lon). The result may lie outside the raster; callers cropping around
// it check bounds themselves.
func (l *Locator) Locate(rasterPath string, lat, lon float64) (Pixel, error) {
	read := l.Georeference
	if read == nil {
		read = raster.ReadGeoReference
	}
	g, err := read(rasterPath)
	if err != nil {
		return Pixel{}, err
	}
	if g.EPSG == 0 {
		return Pixel{}, errors.Wrapf(ErrUnsupportedCRS, "%s names no EPSG code", rasterPath)
	}

	x, y, err := Project(g.EPSG, lat, lon)
	if err != nil {
		return Pixel{}, errors.Wrapf(err, "project (%g, %g) into %s", lat, lon, rasterPath)
	}
	col, row, err := ModelToPixel(g, x, y)
	if err != nil {
		return Pixel{}, errors.Wrapf(err, "invert geotransform of %s", rasterPath)
	}

	p := Pixel{X: int(math.Floor(col)), Y: int(math.Floor(row))}
	klog.V(1).InfoS("located point", "raster", rasterPath, "lat", lat, "lon", lon, "epsg", g.EPSG, "x", p.X, "y", p.Y)
	return p, nil
}

// ModelToPixel inverts the geotransform of g, returning the fractional
// (col, row) of model point (x, y).
func ModelToPixel(g *raster.GeoReference, x, y float64) (col, row float64, err error) {
	t := g.GeoTransform
	a := mat.NewDense(2, 2, []float64{
		t[1], t[2],
		t[4], t[5],
	})
	b := mat.NewVecDense(2, []float64{x - t[0], y - t[3]})

	var p mat.VecDense
	if err := p.SolveVec(a, b); err != nil {
		return 0, 0, errors.Wrap(err, "singular geotransform")
	}
	return p.AtVec(0), p.AtVec(1), nil
}
