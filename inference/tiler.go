package inference

import (
	"image"

	"github.com/Noofbiz/landCover/raster"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrRegionSize is returned for a region side that is not a positive
	// multiple of the core block size.
	ErrRegionSize = errors.New("region side must be a positive multiple of the core size")
	// ErrRegionOutOfBounds is returned when the padded region leaves the tile.
	ErrRegionOutOfBounds = errors.New("padded region outside the tile")
)

// Window geometry. Each WindowSize input contributes only its CoreSize centre,
// so every core sees Padding pixels of context on each side.
const (
	CoreSize   = 128
	WindowSize = 256
	Padding    = (WindowSize - CoreSize) / 2
)

// Window is one model input. Row and Col locate its top-left corner in the
// padded region, which is also the top-left corner of its core in the
// output canvas.
type Window struct {
	Row, Col int
}

// Windows lists the windows covering a region of the given side, row by row.
func Windows(side int) ([]Window, error) {
	if side <= 0 || side%CoreSize != 0 {
		return nil, errors.Wrapf(ErrRegionSize, "side %d", side)
	}
	n := side / CoreSize
	out := make([]Window, 0, n*n)
	for r := range n {
		for c := range n {
			out = append(out, Window{Row: r * CoreSize, Col: c * CoreSize})
		}
	}
	return out, nil
}

// Result is the stitched output of one region.
type Result struct {
	Side       int
	NumClasses int
	// Scores is the class-major (NumClasses, Side, Side) canvas.
	Scores []float32
	// Imagery is the padded input crop, Side+2*Padding on each axis.
	Imagery *raster.Imagery
	// Labels is the unpadded ground truth crop, nil when none was given.
	Labels *raster.Labels
	// Origin is the tile pixel of the canvas's top-left corner.
	Origin image.Point
}

// CoreImagery returns the unpadded imagery under the canvas.
func (r *Result) CoreImagery() (*raster.Imagery, error) {
	return r.Imagery.SubImage(Padding, Padding, r.Side, r.Side)
}

// Tiler runs a Segmenter window by window.
type Tiler struct {
	Segmenter  Segmenter
	NumClasses int
}

// NewTiler returns a tiler for a model scoring numClasses classes.
func NewTiler(seg Segmenter, numClasses int) *Tiler {
	return &Tiler{Segmenter: seg, NumClasses: numClasses}
}

// Infer scores the side x side region of img centred on center. labels may be
// nil; otherwise it is cropped to the same region.
func (t *Tiler) Infer(img *raster.Imagery, labels *raster.Labels, center image.Point, side int) (*Result, error) {
	windows, err := Windows(side)
	if err != nil {
		return nil, err
	}
	if t.NumClasses < 1 {
		return nil, errors.Errorf("tiler needs at least one class, has %d", t.NumClasses)
	}

	origin := center.Sub(image.Pt(side/2, side/2))
	padded := image.Rect(origin.X-Padding, origin.Y-Padding, origin.X+side+Padding, origin.Y+side+Padding)
	if !padded.In(img.Bounds()) {
		return nil, errors.Wrapf(ErrRegionOutOfBounds, "region %v around %v, tile %v", padded, center, img.Bounds())
	}

	res := &Result{
		Side:       side,
		NumClasses: t.NumClasses,
		Scores:     make([]float32, t.NumClasses*side*side),
		Origin:     origin,
	}
	if res.Imagery, err = img.SubImage(padded.Min.Y, padded.Min.X, padded.Dy(), padded.Dx()); err != nil {
		return nil, err
	}
	if labels != nil {
		if res.Labels, err = labels.SubLabels(origin.Y, origin.X, side, side); err != nil {
			return nil, errors.Wrap(ErrRegionOutOfBounds, err.Error())
		}
	}

	input := make([]float32, img.Channels*WindowSize*WindowSize)
	for i, w := range windows {
		if err := res.Imagery.CropRect(input, w.Row, w.Col, WindowSize, WindowSize); err != nil {
			return nil, err
		}
		out, err := t.Segmenter.Segment(input, img.Channels, WindowSize)
		if err != nil {
			return nil, errors.Wrapf(err, "segment window %d at (%d,%d)", i, w.Row, w.Col)
		}
		if err := res.place(out, w); err != nil {
			return nil, errors.Wrapf(err, "window %d", i)
		}
		klog.V(2).InfoS("window scored", "index", i, "row", w.Row, "col", w.Col)
	}
	klog.InfoS("region inferred", "center", center, "side", side, "windows", len(windows))
	return res, nil
}

// place copies the core of a window's scores into the canvas.
func (r *Result) place(out []float32, w Window) error {
	var size, off int
	switch len(out) {
	case r.NumClasses * CoreSize * CoreSize:
		size, off = CoreSize, 0
	case r.NumClasses * WindowSize * WindowSize:
		size, off = WindowSize, Padding
	default:
		return errors.Errorf("segmenter returned %d scores, want %d classes of %dx%d or %dx%d",
			len(out), r.NumClasses, CoreSize, CoreSize, WindowSize, WindowSize)
	}
	for k := range r.NumClasses {
		for y := range CoreSize {
			src := (k*size+off+y)*size + off
			dst := (k*r.Side+w.Row+y)*r.Side + w.Col
			copy(r.Scores[dst:dst+CoreSize], out[src:src+CoreSize])
		}
	}
	return nil
}
