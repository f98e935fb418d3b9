package raster

import (
	"bytes"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
)

// ReflectanceScale divides raw 8-bit band values into normalized reflectance.
const ReflectanceScale = 256.0

// ReadImagery decodes the multi-band TIFF at path.
func ReadImagery(path string) (*Imagery, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open imagery %s", path)
	}
	defer f.Close()

	m, err := DecodeImagery(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode imagery %s", path)
	}
	return m, nil
}

// DecodeImagery decodes a TIFF stream into channel-major reflectance values.
//
// The channel count is the file's sample count. Four-sample rasters keep the
// near-infrared band whether the writer tagged it as alpha, as an unspecified
// extra sample or stored the bands as MinIsBlack. 16-bit samples are scaled by
// 65536 instead of 256.
func DecodeImagery(r io.Reader) (*Imagery, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data, samples, err := normalizeBands(data)
	if err != nil {
		return nil, err
	}
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()

	switch src := img.(type) {
	case *image.NRGBA:
		return fromInterleaved8(src.Pix, src.Stride, 4, samples, h, w), nil
	case *image.RGBA:
		return fromInterleaved8(src.Pix, src.Stride, 4, samples, h, w), nil
	case *image.Gray:
		return fromInterleaved8(src.Pix, src.Stride, 1, 1, h, w), nil
	case *image.NRGBA64:
		return fromInterleaved16(src.Pix, src.Stride, 4, samples, h, w), nil
	case *image.RGBA64:
		return fromInterleaved16(src.Pix, src.Stride, 4, samples, h, w), nil
	case *image.Gray16:
		return fromInterleaved16(src.Pix, src.Stride, 1, 1, h, w), nil
	}

	out := NewImagery(3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			out.Set(0, y, x, float32(c.R)/65536)
			out.Set(1, y, x, float32(c.G)/65536)
			out.Set(2, y, x, float32(c.B)/65536)
		}
	}
	return out, nil
}

// normalizeBands retags a pixel-interleaved four-band raster as RGB plus an
// unassociated extra sample, the only four-sample layout x/image/tiff decodes,
// and reports the sample count.
func normalizeBands(data []byte) ([]byte, int, error) {
	d, err := readDirectory(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	bits, err := d.ints(tagBitsPerSample, 1)
	if err != nil {
		return nil, 0, err
	}
	samples := len(bits)
	if spp, err := d.ints(tagSamplesPerPixel, samples); err != nil {
		return nil, 0, err
	} else if spp[0] != samples {
		return nil, 0, errors.Errorf("%d samples per pixel but %d bit depths", spp[0], samples)
	}
	if samples == 1 || samples == 3 {
		return data, samples, nil
	}
	if samples != 4 {
		return nil, 0, errors.Errorf("unsupported %d-band raster", samples)
	}

	planar, err := d.ints(tagPlanarConfiguration, 1)
	if err != nil {
		return nil, 0, err
	}
	if planar[0] == planarSeparate {
		return nil, 0, errors.New("band-interleaved rasters are not supported")
	}
	photometric, err := d.ints(tagPhotometric, photometricBlackIsZero)
	if err != nil {
		return nil, 0, err
	}
	extra, err := d.ints(tagExtraSamples, 0)
	if err != nil {
		return nil, 0, err
	}
	switch photometric[0] {
	case photometricRGB:
		if extra[0] != 0 {
			return data, samples, nil
		}
	case photometricBlackIsZero:
	default:
		return nil, 0, errors.Errorf("unsupported photometric interpretation %d for 4 bands", photometric[0])
	}
	d.setShorts(tagPhotometric, photometricRGB)
	d.setShorts(tagExtraSamples, extraUnassociatedAlpha)
	return d.appendTo(data), samples, nil
}

// fromInterleaved8 copies the first channels samples of each pixelSize-byte
// pixel into planes.
func fromInterleaved8(pix []uint8, stride, pixelSize, channels, h, w int) *Imagery {
	out := NewImagery(channels, h, w)
	plane := h * w
	for y := 0; y < h; y++ {
		row := pix[y*stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < channels; c++ {
				out.Pix[c*plane+y*w+x] = float32(row[x*pixelSize+c]) / ReflectanceScale
			}
		}
	}
	return out
}

func fromInterleaved16(pix []uint8, stride, pixelSize, channels, h, w int) *Imagery {
	out := NewImagery(channels, h, w)
	plane := h * w
	for y := 0; y < h; y++ {
		row := pix[y*stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < channels; c++ {
				i := 2 * (x*pixelSize + c)
				v := uint16(row[i])<<8 | uint16(row[i+1])
				out.Pix[c*plane+y*w+x] = float32(v) / 65536
			}
		}
	}
	return out
}

// ReadLabels decodes the single-band class TIFF at path.
func ReadLabels(path string) (*Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open labels %s", path)
	}
	defer f.Close()

	l, err := DecodeLabels(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode labels %s", path)
	}
	return l, nil
}

// DecodeLabels decodes a TIFF stream of class ids. Paletted rasters yield
// their palette indices; 16-bit values above 255 saturate.
func DecodeLabels(r io.Reader) (*Labels, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	out := NewLabels(h, w)

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			copy(out.Pix[y*w:(y+1)*w], src.Pix[y*src.Stride:y*src.Stride+w])
		}
		return out, nil
	case *image.Paletted:
		for y := 0; y < h; y++ {
			copy(out.Pix[y*w:(y+1)*w], src.Pix[y*src.Stride:y*src.Stride+w])
		}
		return out, nil
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*src.Stride + 2*x
				v := uint16(src.Pix[i])<<8 | uint16(src.Pix[i+1])
				if v > 255 {
					v = 255
				}
				out.Pix[y*w+x] = uint8(v)
			}
		}
		return out, nil
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*w+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return out, nil
}
