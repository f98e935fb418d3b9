// Package inference runs a segmentation model over a square region of a tile
// by stitching the centres of overlapping windows.
package inference

// Segmenter scores every pixel of a channel-major (channels, size, size)
// window. The result is class-major, either (K, size, size) or only the
// central (K, size/2, size/2) block.
type Segmenter interface {
	Segment(window []float32, channels, size int) ([]float32, error)
}

// SegmenterFunc adapts a function to the Segmenter interface.
type SegmenterFunc func(window []float32, channels, size int) ([]float32, error)

// Segment calls f.
func (f SegmenterFunc) Segment(window []float32, channels, size int) ([]float32, error) {
	return f(window, channels, size)
}
