package datasets

import (
	"github.com/Noofbiz/landCover/raster"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Land-cover classes. Labels above ClassBarren are clamped into it at load.
const (
	ClassNoData = iota
	ClassWater
	ClassTrees
	ClassHerbaceous
	ClassBarren

	NumClasses
)

// File name suffixes of a tile's imagery and label rasters.
const (
	ImagerySuffix = "_NAIP.tif"
	LabelsSuffix  = "_LandCover.tif"
)

// Tile is a co-registered imagery/label raster pair. Both rasters share the
// same height and width. A Tile is read-only once loaded.
type Tile struct {
	ID      string
	Imagery *raster.Imagery
	Labels  *raster.Labels
}

// ImageryPath returns the imagery raster path of tile id.
func ImageryPath(id string) string { return id + ImagerySuffix }

// LabelsPath returns the label raster path of tile id.
func LabelsPath(id string) string { return id + LabelsSuffix }

// ClampLabel folds every class id above ClassBarren into ClassBarren.
func ClampLabel(v uint8) uint8 {
	if v > ClassBarren {
		return ClassBarren
	}
	return v
}

// LoadTile reads the raster pair of tile id and clamps its labels.
func LoadTile(id string) (*Tile, error) {
	img, err := raster.ReadImagery(ImageryPath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "load imagery of tile %s", id)
	}
	lab, err := raster.ReadLabels(LabelsPath(id))
	if err != nil {
		return nil, errors.Wrapf(err, "load labels of tile %s", id)
	}
	tile, err := NewTile(id, img, lab)
	if err != nil {
		return nil, err
	}
	klog.V(1).InfoS("loaded tile", "id", id, "height", img.Height, "width", img.Width,
		"channels", img.Channels, "memory", humanize.IBytes(img.SizeBytes()+lab.SizeBytes()))
	return tile, nil
}

// NewTile pairs in-memory rasters, checking they are co-registered. Labels are
// clamped in place.
func NewTile(id string, img *raster.Imagery, lab *raster.Labels) (*Tile, error) {
	if img.Height != lab.Height || img.Width != lab.Width {
		return nil, errors.Errorf("tile %s: imagery is %dx%d but labels are %dx%d",
			id, img.Height, img.Width, lab.Height, lab.Width)
	}
	for i, v := range lab.Pix {
		lab.Pix[i] = ClampLabel(v)
	}
	return &Tile{ID: id, Imagery: img, Labels: lab}, nil
}
