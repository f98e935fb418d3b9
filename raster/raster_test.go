package raster

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
)

func encodeTIFF(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// retag rewrites the first IFD of data through edit.
func retag(t *testing.T, data []byte, edit func(d *directory)) []byte {
	t.Helper()
	d, err := readDirectory(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("readDirectory: %v", err)
	}
	edit(d)
	return d.appendTo(data)
}

// interleavedBands encodes an uncompressed w x h raster of n 8-bit samples
// per pixel, tagged the way GDAL writes multi-band imagery: MinIsBlack with
// unspecified extra samples. Sample c of pixel (x, y) is 10*c + x + 4*y.
func interleavedBands(t *testing.T, n, w, h int) []byte {
	t.Helper()
	wide := image.NewGray(image.Rect(0, 0, n*w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < n; c++ {
				wide.Pix[y*wide.Stride+x*n+c] = uint8(10*c + x + 4*y)
			}
		}
	}
	return retag(t, encodeTIFF(t, wide), func(d *directory) {
		d.setShorts(tagImageWidth, uint16(w))
		d.setShorts(tagSamplesPerPixel, uint16(n))
		bits := make([]uint16, n)
		for i := range bits {
			bits[i] = 8
		}
		d.setShorts(tagBitsPerSample, bits...)
		if n > 1 {
			d.setShorts(tagExtraSamples, make([]uint16, n-1)...)
		}
	})
}

func checkBands(t *testing.T, m *Imagery, n, w, h int) {
	t.Helper()
	if m.Channels != n || m.Width != w || m.Height != h {
		t.Fatalf("decoded %dx%dx%d, want %dx%dx%d", m.Channels, m.Height, m.Width, n, h, w)
	}
	for c := 0; c < n; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				want := float32(10*c+x+4*y) / ReflectanceScale
				if got := m.At(c, y, x); got != want {
					t.Fatalf("band %d at (%d,%d) = %v, want %v", c, y, x, got, want)
				}
			}
		}
	}
}

func TestDecodeImageryKeepsFourBands(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.SetNRGBA(0, 0, color.NRGBA{R: 128, G: 64, B: 32, A: 16})
	src.SetNRGBA(2, 1, color.NRGBA{R: 255, G: 0, B: 1, A: 200})

	m, err := DecodeImagery(bytes.NewReader(encodeTIFF(t, src)))
	if err != nil {
		t.Fatalf("DecodeImagery: %v", err)
	}
	if m.Channels != 4 || m.Height != 2 || m.Width != 3 {
		t.Fatalf("shape %dx%dx%d, want 4x2x3", m.Channels, m.Height, m.Width)
	}
	cases := []struct {
		c, y, x int
		want    uint8
	}{
		{0, 0, 0, 128}, {1, 0, 0, 64}, {2, 0, 0, 32}, {3, 0, 0, 16},
		{0, 1, 2, 255}, {3, 1, 2, 200},
	}
	for _, tc := range cases {
		if got := m.At(tc.c, tc.y, tc.x); got != float32(tc.want)/256 {
			t.Fatalf("band %d at (%d,%d) = %v, want %v", tc.c, tc.y, tc.x, got, float32(tc.want)/256)
		}
	}
}

func TestDecodeImageryUnspecifiedExtraSample(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = uint8(3 * i)
	}
	data := retag(t, encodeTIFF(t, src), func(d *directory) {
		d.setShorts(tagExtraSamples, 0)
	})
	if _, err := tiff.Decode(bytes.NewReader(data)); err == nil {
		t.Fatalf("fixture should be rejected by the plain decoder")
	}

	m, err := DecodeImagery(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeImagery: %v", err)
	}
	if m.Channels != 4 {
		t.Fatalf("channels = %d, want 4", m.Channels)
	}
	if got, want := m.At(3, 1, 2), float32(src.Pix[1*src.Stride+2*4+3])/256; got != want {
		t.Fatalf("near-infrared = %v, want %v", got, want)
	}
}

func TestDecodeImageryMinIsBlackFourBands(t *testing.T) {
	m, err := DecodeImagery(bytes.NewReader(interleavedBands(t, 4, 5, 3)))
	if err != nil {
		t.Fatalf("DecodeImagery: %v", err)
	}
	checkBands(t, m, 4, 5, 3)
}

func TestDecodeImageryThreeBandsHasNoExtraChannel(t *testing.T) {
	data := retag(t, interleavedBands(t, 3, 4, 2), func(d *directory) {
		d.drop(tagExtraSamples)
		d.setShorts(tagPhotometric, photometricRGB)
	})
	m, err := DecodeImagery(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeImagery: %v", err)
	}
	checkBands(t, m, 3, 4, 2)
}

func TestDecodeImageryRejectsUnsupportedLayouts(t *testing.T) {
	cases := map[string][]byte{
		"five bands": interleavedBands(t, 5, 2, 2),
		"band interleaved": retag(t, interleavedBands(t, 4, 2, 2), func(d *directory) {
			d.setShorts(tagPlanarConfiguration, planarSeparate)
		}),
	}
	for name, data := range cases {
		if _, err := DecodeImagery(bytes.NewReader(data)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeLabelsGray(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 3))
	for i := range src.Pix {
		src.Pix[i] = uint8(i % 7)
	}
	l, err := DecodeLabels(bytes.NewReader(encodeTIFF(t, src)))
	if err != nil {
		t.Fatalf("DecodeLabels: %v", err)
	}
	if l.Height != 3 || l.Width != 4 {
		t.Fatalf("shape %dx%d, want 3x4", l.Height, l.Width)
	}
	if !bytes.Equal(src.Pix, l.Pix) {
		t.Fatalf("pixels = %v, want %v", l.Pix, src.Pix)
	}
	if got := l.At(1, 2); got != 6 {
		t.Fatalf("At(1,2) = %d, want 6", got)
	}
}

func TestImageryCrop(t *testing.T) {
	m := NewImagery(2, 4, 5)
	for i := range m.Pix {
		m.Pix[i] = float32(i)
	}

	dst := make([]float32, 2*2*2)
	if err := m.Crop(dst, 1, 3, 2); err != nil {
		t.Fatalf("Crop: %v", err)
	}
	if want := []float32{8, 9, 13, 14, 28, 29, 33, 34}; !reflect.DeepEqual(dst, want) {
		t.Fatalf("crop = %v, want %v", dst, want)
	}

	if err := m.Crop(dst, 3, 3, 2); err == nil {
		t.Fatalf("window leaving the bottom edge: expected error")
	}
	if err := m.Crop(dst, 0, 4, 2); err == nil {
		t.Fatalf("window leaving the right edge: expected error")
	}
	if err := m.Crop(make([]float32, 3), 0, 0, 2); err == nil {
		t.Fatalf("short destination buffer: expected error")
	}

	sub, err := m.SubImage(0, 1, 2, 3)
	if err != nil {
		t.Fatalf("SubImage: %v", err)
	}
	if sub.At(1, 1, 2) != m.At(1, 1, 3) {
		t.Fatalf("SubImage is not aligned with the source")
	}
}

func TestSubLabels(t *testing.T) {
	l := NewLabels(3, 3)
	for i := range l.Pix {
		l.Pix[i] = uint8(i)
	}
	sub, err := l.SubLabels(1, 1, 2, 2)
	if err != nil {
		t.Fatalf("SubLabels: %v", err)
	}
	if want := []uint8{4, 5, 7, 8}; !bytes.Equal(sub.Pix, want) {
		t.Fatalf("sub = %v, want %v", sub.Pix, want)
	}
	if _, err := l.SubLabels(2, 2, 2, 2); err == nil {
		t.Fatalf("expected error for a window past the edge")
	}
}

func TestGeoReferenceRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))

	cases := []struct {
		name string
		geo  GeoReference
	}{
		{"utm", GeoReference{GeoTransform: [6]float64{500000, 1, 0, 4000000, 0, -1}, EPSG: 32610}},
		{"geographic", GeoReference{GeoTransform: [6]float64{-122.5, 0.001, 0, 47.5, 0, -0.001}, EPSG: 4326}},
		{"rotated", GeoReference{GeoTransform: [6]float64{1000, 0.5, 0.1, 2000, 0.1, -0.5}, EPSG: 3857}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(tmp, tc.name+".tif")
			if err := WriteGeoTIFF(path, img, &tc.geo); err != nil {
				t.Fatalf("WriteGeoTIFF: %v", err)
			}

			got, err := ReadGeoReference(path)
			if err != nil {
				t.Fatalf("ReadGeoReference: %v", err)
			}
			if got.EPSG != tc.geo.EPSG {
				t.Fatalf("EPSG = %d, want %d", got.EPSG, tc.geo.EPSG)
			}
			for i := range got.GeoTransform {
				if math.Abs(got.GeoTransform[i]-tc.geo.GeoTransform[i]) > 1e-9 {
					t.Fatalf("transform[%d] = %v, want %v", i, got.GeoTransform[i], tc.geo.GeoTransform[i])
				}
			}

			m, err := ReadImagery(path)
			if err != nil {
				t.Fatalf("georeferenced file must still decode: %v", err)
			}
			if m.Height != 6 || m.Width != 8 {
				t.Fatalf("shape %dx%d, want 6x8", m.Height, m.Width)
			}
		})
	}
}

func TestReadGeoReferencePixelIsPoint(t *testing.T) {
	g := &GeoReference{GeoTransform: [6]float64{100, 2, 0, 50, 0, -2}, EPSG: 32610}
	data, err := AttachGeoReference(encodeTIFF(t, image.NewGray(image.Rect(0, 0, 2, 2))), g)
	if err != nil {
		t.Fatalf("AttachGeoReference: %v", err)
	}
	data = retag(t, data, func(d *directory) {
		d.setShorts(tagGeoKeyDirectory,
			1, 1, 0, 2,
			keyRasterType, 0, 1, rasterPixelIsPoint,
			keyProjectedCSType, 0, 1, 32610,
		)
	})

	got, err := DecodeGeoReference(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeGeoReference: %v", err)
	}
	if want := [6]float64{99, 2, 0, 51, 0, -2}; got.GeoTransform != want {
		t.Fatalf("transform = %v, want %v", got.GeoTransform, want)
	}
}

func TestReadGeoReferenceMissingTags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.tif")
	if err := WriteTIFF(path, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("WriteTIFF: %v", err)
	}
	_, err := ReadGeoReference(path)
	if !errors.Is(err, ErrNoGeoReference) {
		t.Fatalf("err = %v, want ErrNoGeoReference", err)
	}
}

func TestShifted(t *testing.T) {
	g := &GeoReference{GeoTransform: [6]float64{100, 2, 0, 50, 0, -2}, EPSG: 32610}
	s := g.Shifted(10, 5)
	if want := [6]float64{120, 2, 0, 40, 0, -2}; s.GeoTransform != want {
		t.Fatalf("shifted = %v, want %v", s.GeoTransform, want)
	}
	if s.EPSG != 32610 {
		t.Fatalf("EPSG = %d, want 32610", s.EPSG)
	}
	if g.GeoTransform[0] != 100 {
		t.Fatalf("original must not change")
	}
}
