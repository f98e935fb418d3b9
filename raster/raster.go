// Package raster decodes and encodes the GeoTIFF rasters used for land-cover
// training and inference.
//
// Imagery is held channel-major (channels x height x width) as float32
// reflectance in [0, 1); label rasters are held as one byte per pixel.
// Rows run along the raster's y axis and columns along its x axis.
package raster

import (
	"image"

	"github.com/pkg/errors"
)

// Imagery is a multi-band image stored channel-major.
type Imagery struct {
	Channels int
	Height   int
	Width    int

	// Pix holds Channels*Height*Width values, indexed by c*Height*Width + y*Width + x.
	Pix []float32
}

// NewImagery allocates a zeroed Imagery.
func NewImagery(channels, height, width int) *Imagery {
	return &Imagery{
		Channels: channels,
		Height:   height,
		Width:    width,
		Pix:      make([]float32, channels*height*width),
	}
}

// At returns the value of channel c at row y, column x.
func (m *Imagery) At(c, y, x int) float32 {
	return m.Pix[c*m.Height*m.Width+y*m.Width+x]
}

// Set stores v at channel c, row y, column x.
func (m *Imagery) Set(c, y, x int, v float32) {
	m.Pix[c*m.Height*m.Width+y*m.Width+x] = v
}

// Bounds returns the pixel rectangle covered by the image.
func (m *Imagery) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// SizeBytes returns the in-memory size of the pixel buffer.
func (m *Imagery) SizeBytes() uint64 {
	return uint64(len(m.Pix)) * 4
}

// Crop copies the square window of side size whose top-left corner is at
// (row, col) into dst, which must hold Channels*size*size values. It returns
// an error if the window leaves the image.
func (m *Imagery) Crop(dst []float32, row, col, size int) error {
	return m.CropRect(dst, row, col, size, size)
}

// CropRect copies a height x width window at (row, col) into dst.
func (m *Imagery) CropRect(dst []float32, row, col, height, width int) error {
	if !image.Rect(col, row, col+width, row+height).In(m.Bounds()) {
		return errors.Errorf("crop %dx%d at (%d,%d) outside %dx%d imagery", height, width, row, col, m.Height, m.Width)
	}
	if len(dst) != m.Channels*height*width {
		return errors.Errorf("crop buffer holds %d values, need %d", len(dst), m.Channels*height*width)
	}
	plane := m.Height * m.Width
	for c := 0; c < m.Channels; c++ {
		for y := 0; y < height; y++ {
			src := c*plane + (row+y)*m.Width + col
			copy(dst[(c*height+y)*width:(c*height+y+1)*width], m.Pix[src:src+width])
		}
	}
	return nil
}

// SubImage returns a copy of the height x width window at (row, col).
func (m *Imagery) SubImage(row, col, height, width int) (*Imagery, error) {
	out := NewImagery(m.Channels, height, width)
	if err := m.CropRect(out.Pix, row, col, height, width); err != nil {
		return nil, err
	}
	return out, nil
}

// Labels is a single-band class raster.
type Labels struct {
	Height int
	Width  int

	// Pix holds Height*Width class ids, indexed by y*Width + x.
	Pix []uint8
}

// NewLabels allocates a zeroed Labels raster.
func NewLabels(height, width int) *Labels {
	return &Labels{Height: height, Width: width, Pix: make([]uint8, height*width)}
}

// At returns the class id at row y, column x.
func (l *Labels) At(y, x int) uint8 {
	return l.Pix[y*l.Width+x]
}

// Bounds returns the pixel rectangle covered by the raster.
func (l *Labels) Bounds() image.Rectangle {
	return image.Rect(0, 0, l.Width, l.Height)
}

// SizeBytes returns the in-memory size of the pixel buffer.
func (l *Labels) SizeBytes() uint64 {
	return uint64(len(l.Pix))
}

// SubLabels returns a copy of the height x width window at (row, col).
func (l *Labels) SubLabels(row, col, height, width int) (*Labels, error) {
	if !image.Rect(col, row, col+width, row+height).In(l.Bounds()) {
		return nil, errors.Errorf("crop %dx%d at (%d,%d) outside %dx%d labels", height, width, row, col, l.Height, l.Width)
	}
	out := NewLabels(height, width)
	for y := 0; y < height; y++ {
		src := (row+y)*l.Width + col
		copy(out.Pix[y*width:(y+1)*width], l.Pix[src:src+width])
	}
	return out, nil
}
