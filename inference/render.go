package inference

import (
	"image"
	"image/color"
	"math"

	"github.com/Noofbiz/landCover/datasets"
	"github.com/Noofbiz/landCover/raster"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ColorMap is the RGB colour in [0,1] of each land-cover class.
var ColorMap = [datasets.NumClasses][3]float64{
	datasets.ClassNoData:     {0, 0, 0},
	datasets.ClassWater:      {0, 0, 1},
	datasets.ClassTrees:      {0, 0.5, 0},
	datasets.ClassHerbaceous: {0.5, 1, 0.5},
	datasets.ClassBarren:     {0.5, 0.375, 0.375},
}

func toRGBA(c [3]float64) color.RGBA {
	q := func(v float64) uint8 {
		return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
	}
	return color.RGBA{R: q(c[0]), G: q(c[1]), B: q(c[2]), A: 255}
}

func checkScores(scores []float32, numClasses, side int) error {
	if numClasses < 1 || numClasses > len(ColorMap) {
		return errors.Errorf("%d classes, colour map has %d", numClasses, len(ColorMap))
	}
	if len(scores) != numClasses*side*side {
		return errors.Errorf("%d scores for %d classes of %dx%d", len(scores), numClasses, side, side)
	}
	return nil
}

// pixelScores gathers the class scores of pixel i into v.
func pixelScores(v []float64, scores []float32, plane, i int) {
	for k := range v {
		v[k] = float64(scores[k*plane+i])
	}
}

// HardLabelImage colours each pixel by its highest-scoring class.
func HardLabelImage(scores []float32, numClasses, side int) (*image.RGBA, error) {
	if err := checkScores(scores, numClasses, side); err != nil {
		return nil, err
	}
	var palette [len(ColorMap)]color.RGBA
	for k := range palette {
		palette[k] = toRGBA(ColorMap[k])
	}
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	plane := side * side
	v := make([]float64, numClasses)
	for i := range plane {
		pixelScores(v, scores, plane, i)
		img.SetRGBA(i%side, i/side, palette[floats.MaxIdx(v)])
	}
	return img, nil
}

// SoftLabelImage blends the class colours of each pixel weighted by the
// softmax of its scores.
func SoftLabelImage(scores []float32, numClasses, side int) (*image.RGBA, error) {
	if err := checkScores(scores, numClasses, side); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	plane := side * side
	v := make([]float64, numClasses)
	for i := range plane {
		pixelScores(v, scores, plane, i)
		lse := floats.LogSumExp(v)
		var c [3]float64
		for k, s := range v {
			p := math.Exp(s - lse)
			for ch := range c {
				c[ch] += p * ColorMap[k][ch]
			}
		}
		img.SetRGBA(i%side, i/side, toRGBA(c))
	}
	return img, nil
}

// LabelImage renders ground truth by expanding it to one-hot scores first, so
// it shares the prediction colouring.
func LabelImage(labels *raster.Labels) (*image.RGBA, error) {
	if labels.Height != labels.Width {
		return nil, errors.Errorf("labels are %dx%d, want a square", labels.Height, labels.Width)
	}
	ids := make([]int32, len(labels.Pix))
	for i, v := range labels.Pix {
		ids[i] = int32(datasets.ClampLabel(v))
	}
	oh, err := datasets.OneHot(ids, datasets.NumClasses)
	if err != nil {
		return nil, err
	}
	return HardLabelImage(oh, datasets.NumClasses, labels.Width)
}

// ImageryRGB converts the first three channels of img back to 8-bit colour,
// dropping the near-infrared band.
func ImageryRGB(img *raster.Imagery) (*image.NRGBA, error) {
	if img.Channels < 3 {
		return nil, errors.Errorf("imagery has %d channels, need 3", img.Channels)
	}
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	q := func(v float32) uint8 {
		return uint8(math.Max(0, math.Min(255, math.Floor(float64(v)*raster.ReflectanceScale))))
	}
	for y := range img.Height {
		for x := range img.Width {
			out.SetNRGBA(x, y, color.NRGBA{R: q(img.At(0, y, x)), G: q(img.At(1, y, x)), B: q(img.At(2, y, x)), A: 255})
		}
	}
	return out, nil
}
