package geo

import (
	"github.com/pkg/errors"
	"github.com/wroge/wgs84"
)

// ErrUnsupportedCRS is returned when a raster's CRS has no projection here.
var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

// EPSG codes with dedicated handling.
const (
	EPSGWGS84       = 4326
	EPSGNAD83       = 4269
	EPSGWebMercator = 3857
	epsgGoogle      = 900913
)

// isGeographic reports whether coordinates in epsg are plain lon/lat degrees.
func isGeographic(epsg int) bool {
	return epsg == EPSGWGS84 || epsg == EPSGNAD83
}

// utmZone decodes the WGS84 (326zz north, 327zz south) and NAD83 (269zz,
// north only) UTM families. NAD83 is treated as WGS84; the datums agree to
// well under a NAIP pixel.
func utmZone(epsg int) (zone int, northern, ok bool) {
	switch {
	case epsg >= 32601 && epsg <= 32660:
		return epsg - 32600, true, true
	case epsg >= 32701 && epsg <= 32760:
		return epsg - 32700, false, true
	case epsg >= 26901 && epsg <= 26923:
		return epsg - 26900, true, true
	}
	return 0, false, false
}

// Project converts a WGS84 latitude/longitude to model coordinates of the
// CRS named by epsg.
func Project(epsg int, lat, lon float64) (x, y float64, err error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, errors.Errorf("point (%g, %g) outside valid latitude/longitude range", lat, lon)
	}
	if isGeographic(epsg) {
		return lon, lat, nil
	}

	var crs wgs84.CoordinateReferenceSystem
	if zone, northern, ok := utmZone(epsg); ok {
		crs = wgs84.UTM(float64(zone), northern)
	} else if epsg == EPSGWebMercator || epsg == epsgGoogle {
		crs = wgs84.WebMercator()
	} else {
		return 0, 0, errors.Wrapf(ErrUnsupportedCRS, "EPSG:%d", epsg)
	}

	x, y, _ = wgs84.LonLat().To(crs)(lon, lat, 0)
	return x, y, nil
}
