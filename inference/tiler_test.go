package inference

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Noofbiz/landCover/datasets"
	"github.com/Noofbiz/landCover/raster"

	"github.com/pkg/errors"
)

// positionImagery encodes each pixel's position in every channel.
func positionImagery(channels, h, w int) *raster.Imagery {
	img := raster.NewImagery(channels, h, w)
	for c := range channels {
		for y := range h {
			for x := range w {
				img.Set(c, y, x, float32(c*1000000+y*1000+x))
			}
		}
	}
	return img
}

// echoSegmenter returns the first input channel as the score of every class,
// either over the whole window or over its core only.
type echoSegmenter struct {
	classes  int
	coreOnly bool
	calls    int
}

func (e *echoSegmenter) Segment(window []float32, channels, size int) ([]float32, error) {
	e.calls++
	n, off := size, 0
	if e.coreOnly {
		n, off = size/2, size/4
	}
	out := make([]float32, e.classes*n*n)
	for k := range e.classes {
		for y := range n {
			for x := range n {
				out[(k*n+y)*n+x] = window[(y+off)*size+x+off] + float32(k)*0.25
			}
		}
	}
	return out, nil
}

func TestWindowsCoverRegion(t *testing.T) {
	ws, err := Windows(256)
	if err != nil {
		t.Fatalf("Windows(256): %v", err)
	}
	if want := []Window{{0, 0}, {0, 128}, {128, 0}, {128, 128}}; !reflect.DeepEqual(ws, want) {
		t.Fatalf("Windows(256) = %v, want %v", ws, want)
	}

	ws, err = Windows(1024)
	if err != nil {
		t.Fatalf("Windows(1024): %v", err)
	}
	if len(ws) != 64 {
		t.Fatalf("Windows(1024) gave %d windows, want 64", len(ws))
	}

	for _, side := range []int{0, -128, 100, 200} {
		if _, err := Windows(side); !errors.Is(err, ErrRegionSize) {
			t.Fatalf("side %d: err = %v, want ErrRegionSize", side, err)
		}
	}
}

func TestInferStitchesEveryPixelOnce(t *testing.T) {
	// Each window writes its index; any overlap or gap would show up.
	const side = 256
	calls := 0
	seg := SegmenterFunc(func(window []float32, channels, size int) ([]float32, error) {
		out := make([]float32, CoreSize*CoreSize)
		for i := range out {
			out[i] = float32(calls + 1)
		}
		calls++
		return out, nil
	})
	img := positionImagery(4, 600, 600)
	res, err := NewTiler(seg, 1).Infer(img, nil, image.Pt(300, 300), side)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if calls != 4 {
		t.Fatalf("segmenter called %d times, want 4", calls)
	}

	counts := map[float32]int{}
	for _, v := range res.Scores {
		counts[v]++
	}
	want := map[float32]int{1: CoreSize * CoreSize, 2: CoreSize * CoreSize, 3: CoreSize * CoreSize, 4: CoreSize * CoreSize}
	if !reflect.DeepEqual(counts, want) {
		t.Fatalf("pixels per window = %v, want %v", counts, want)
	}
	if got := res.Scores[0*side+200]; got != 2 {
		t.Fatalf("top right pixel came from window %v, want 2", got)
	}
	if got := res.Scores[200*side+0]; got != 3 {
		t.Fatalf("bottom left pixel came from window %v, want 3", got)
	}
}

func TestInferAlignsWindowCores(t *testing.T) {
	img := positionImagery(4, 700, 640)
	center := image.Pt(320, 350)
	for _, coreOnly := range []bool{false, true} {
		seg := &echoSegmenter{classes: 2, coreOnly: coreOnly}
		res, err := NewTiler(seg, 2).Infer(img, nil, center, 384)
		if err != nil {
			t.Fatalf("coreOnly=%v: Infer: %v", coreOnly, err)
		}
		if seg.calls != 9 {
			t.Fatalf("coreOnly=%v: %d segmenter calls, want 9", coreOnly, seg.calls)
		}
		if want := image.Pt(128, 158); res.Origin != want {
			t.Fatalf("coreOnly=%v: origin = %v, want %v", coreOnly, res.Origin, want)
		}

		for _, p := range []image.Point{{0, 0}, {127, 128}, {383, 383}, {200, 17}} {
			want := img.At(0, res.Origin.Y+p.Y, res.Origin.X+p.X)
			if got := res.Scores[p.Y*384+p.X]; got != want {
				t.Fatalf("coreOnly=%v: class 0 at %v = %v, want %v", coreOnly, p, got, want)
			}
			if got := res.Scores[(384+p.Y)*384+p.X]; got != want+0.25 {
				t.Fatalf("coreOnly=%v: class 1 at %v = %v, want %v", coreOnly, p, got, want+0.25)
			}
		}

		core, err := res.CoreImagery()
		if err != nil {
			t.Fatalf("CoreImagery: %v", err)
		}
		if got, want := core.At(2, 0, 0), img.At(2, 158, 128); got != want {
			t.Fatalf("core imagery origin = %v, want %v", got, want)
		}
	}
}

func TestInferValidation(t *testing.T) {
	img := positionImagery(4, 512, 512)
	tiler := NewTiler(&echoSegmenter{classes: 5}, 5)

	if _, err := tiler.Infer(img, nil, image.Pt(256, 256), 100); !errors.Is(err, ErrRegionSize) {
		t.Fatalf("side 100: err = %v, want ErrRegionSize", err)
	}

	// 256 + 2*64 fits around the centre, 384 + 2*64 does not.
	if _, err := tiler.Infer(img, nil, image.Pt(256, 256), 256); err != nil {
		t.Fatalf("side 256: %v", err)
	}
	if _, err := tiler.Infer(img, nil, image.Pt(256, 256), 512); !errors.Is(err, ErrRegionOutOfBounds) {
		t.Fatalf("side 512: err = %v, want ErrRegionOutOfBounds", err)
	}
	if _, err := tiler.Infer(img, nil, image.Pt(150, 256), 256); !errors.Is(err, ErrRegionOutOfBounds) {
		t.Fatalf("off-centre: err = %v, want ErrRegionOutOfBounds", err)
	}

	bad := SegmenterFunc(func([]float32, int, int) ([]float32, error) { return make([]float32, 7), nil })
	if _, err := NewTiler(bad, 5).Infer(img, nil, image.Pt(256, 256), 128); err == nil {
		t.Fatalf("expected error for a mis-sized segmenter output")
	}
}

func TestInferCropsLabels(t *testing.T) {
	img := positionImagery(4, 400, 400)
	lab := raster.NewLabels(400, 400)
	lab.Pix[136*400+136] = datasets.ClassWater
	res, err := NewTiler(&echoSegmenter{classes: 5}, 5).Infer(img, lab, image.Pt(200, 200), 128)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Labels == nil || res.Labels.Width != 128 {
		t.Fatalf("labels not cropped to the region: %+v", res.Labels)
	}
	if got := res.Labels.At(0, 0); got != datasets.ClassWater {
		t.Fatalf("label at origin = %d, want %d", got, datasets.ClassWater)
	}
}

func TestColorMap(t *testing.T) {
	want := []color.RGBA{
		{0, 0, 0, 255},
		{0, 0, 255, 255},
		{0, 128, 0, 255},
		{128, 255, 128, 255},
		{128, 96, 96, 255},
	}
	for k, w := range want {
		scores := make([]float32, datasets.NumClasses)
		scores[k] = 1
		img, err := HardLabelImage(scores, datasets.NumClasses, 1)
		if err != nil {
			t.Fatalf("HardLabelImage: %v", err)
		}
		if got := img.RGBAAt(0, 0); got != w {
			t.Fatalf("class %d = %v, want %v", k, got, w)
		}

		scores[k] = 40
		soft, err := SoftLabelImage(scores, datasets.NumClasses, 1)
		if err != nil {
			t.Fatalf("SoftLabelImage: %v", err)
		}
		if got := soft.RGBAAt(0, 0); got != w {
			t.Fatalf("confident class %d = %v, want %v", k, got, w)
		}
	}

	uniform, err := SoftLabelImage(make([]float32, datasets.NumClasses), datasets.NumClasses, 1)
	if err != nil {
		t.Fatalf("SoftLabelImage: %v", err)
	}
	if got, want := uniform.RGBAAt(0, 0), (color.RGBA{51, 96, 96, 255}); got != want {
		t.Fatalf("uniform blend = %v, want %v", got, want)
	}

	if _, err := HardLabelImage(make([]float32, 3), datasets.NumClasses, 1); err == nil {
		t.Fatalf("expected error for a short score buffer")
	}
}

func TestLabelImageMatchesPrediction(t *testing.T) {
	lab := raster.NewLabels(2, 2)
	copy(lab.Pix, []uint8{0, 1, 3, 9})
	img, err := LabelImage(lab)
	if err != nil {
		t.Fatalf("LabelImage: %v", err)
	}
	if got, want := img.RGBAAt(1, 0), (color.RGBA{0, 0, 255, 255}); got != want {
		t.Fatalf("water = %v, want %v", got, want)
	}
	if got, want := img.RGBAAt(1, 1), (color.RGBA{128, 96, 96, 255}); got != want {
		t.Fatalf("clamped class 9 = %v, want %v", got, want)
	}
}

func TestWriteOutputs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	img := raster.NewImagery(4, 400, 400)
	for i := range img.Pix {
		img.Pix[i] = float32(i%256) / raster.ReflectanceScale
	}
	lab := raster.NewLabels(400, 400)
	res, err := NewTiler(&echoSegmenter{classes: 5}, 5).Infer(img, lab, image.Pt(200, 200), 256)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	g := &raster.GeoReference{GeoTransform: [6]float64{500000, 1, 0, 4000000, 0, -1}, EPSG: 32610}
	if err := WriteOutputs(dir, res, g, true); err != nil {
		t.Fatalf("WriteOutputs: %v", err)
	}

	for _, name := range []string{ImageryFile, PredictionFile, SoftFile, TruthFile, ScoresFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	naip, err := raster.ReadImagery(filepath.Join(dir, ImageryFile))
	if err != nil {
		t.Fatalf("ReadImagery: %v", err)
	}
	core, err := res.CoreImagery()
	if err != nil {
		t.Fatalf("CoreImagery: %v", err)
	}
	if naip.Width != 256 || naip.At(1, 10, 20) != core.At(1, 10, 20) {
		t.Fatalf("NAIP.tif does not hold the core imagery")
	}

	rg, err := raster.ReadGeoReference(filepath.Join(dir, PredictionFile))
	if err != nil {
		t.Fatalf("ReadGeoReference: %v", err)
	}
	if math.Abs(rg.GeoTransform[0]-500072) > 1e-6 || math.Abs(rg.GeoTransform[3]-(4000000-72)) > 1e-6 {
		t.Fatalf("prediction origin = (%v, %v), want (500072, 3999928)", rg.GeoTransform[0], rg.GeoTransform[3])
	}

	scores, k, side, origin, err := ReadScores(filepath.Join(dir, ScoresFile))
	if err != nil {
		t.Fatalf("ReadScores: %v", err)
	}
	if k != 5 || side != 256 {
		t.Fatalf("scores shape (%d, %d), want (5, 256)", k, side)
	}
	if origin != res.Origin {
		t.Fatalf("scores origin = %v, want %v", origin, res.Origin)
	}
	if !reflect.DeepEqual(scores, res.Scores) {
		t.Fatalf("scores changed in the round trip")
	}
}
