// Package simple is a small pure-Go per-pixel classifier used as the
// segmentation model. Each pixel's band values go through an MLP that emits
// one logit per land-cover class, so the model needs no external
// deep-learning runtime and trains deterministically in tests.
package simple

import (
	"math"
	"math/rand"
	"time"

	"github.com/Noofbiz/landCover/datasets"

	"github.com/pkg/errors"
)

// Config holds configurable hyperparameters for the model and training.
type Config struct {
	// HiddenSizes is the list of hidden layer sizes. If empty, a single
	// hidden layer of size 16 will be used.
	HiddenSizes []int `json:"hidden_sizes"`

	// Channels is the number of imagery bands per pixel (default 4).
	Channels int `json:"channels"`

	// NumClasses is the number of output classes (default 5).
	NumClasses int `json:"num_classes"`

	// LearningRate is the base SGD step. It is divided by DecayFactor every
	// DecayEvery epochs, at most DecaySteps times.
	LearningRate float64 `json:"learning_rate"`
	DecayEvery   int     `json:"decay_every"`
	DecaySteps   int     `json:"decay_steps"`
	DecayFactor  float64 `json:"decay_factor"`

	// BlockSize is the patch side and Padding the border excluded from the
	// loss (default BlockSize/4).
	BlockSize int `json:"block_size"`
	Padding   int `json:"padding"`

	// ClassWeights scale each class's loss; class 0 (no data) defaults to 0.
	ClassWeights []float32 `json:"class_weights"`

	// PixelsPerPatch is the number of centre pixels drawn from each patch
	// per gradient step.
	PixelsPerPatch int `json:"pixels_per_patch"`

	// Seed controls RNG for weight init and pixel draws. If zero, time-based
	// seed is used.
	Seed int64 `json:"seed"`

	// ClipNorm is the global gradient norm threshold.
	ClipNorm float32 `json:"clip_norm"`
}

// Model is a per-pixel MLP with ReLU hidden layers and linear logits.
type Model struct {
	// Config used for training / initialization.
	Config Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] is a matrix of shape [out][in] for layer l -> l+1
	weights [][][]float32

	// biases[l] is a vector of length out for layer l -> l+1
	biases [][]float32

	rng *rand.Rand
}

func (cfg *Config) fill() {
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{16}
	}
	if cfg.Channels == 0 {
		cfg.Channels = 4
	}
	if cfg.NumClasses == 0 {
		cfg.NumClasses = datasets.NumClasses
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-4
	}
	if cfg.DecayEvery == 0 {
		cfg.DecayEvery = 30
	}
	if cfg.DecaySteps == 0 {
		cfg.DecaySteps = 2
	}
	if cfg.DecayFactor == 0 {
		cfg.DecayFactor = 0.1
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = datasets.DefaultBlockSize
	}
	if cfg.Padding == 0 {
		cfg.Padding = cfg.BlockSize / 4
	}
	if len(cfg.ClassWeights) == 0 {
		cfg.ClassWeights = make([]float32, cfg.NumClasses)
		for k := 1; k < cfg.NumClasses; k++ {
			cfg.ClassWeights[k] = 1
		}
	}
	if cfg.PixelsPerPatch == 0 {
		cfg.PixelsPerPatch = 64
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.ClipNorm == 0 {
		cfg.ClipNorm = 5
	}
}

// NewModel creates a new Model instance with the provided configuration.
// Unset fields take their defaults and weights get small random values.
func NewModel(cfg Config) (*Model, error) {
	cfg.fill()
	if len(cfg.ClassWeights) != cfg.NumClasses {
		return nil, errors.Errorf("%d class weights for %d classes", len(cfg.ClassWeights), cfg.NumClasses)
	}
	if 2*cfg.Padding >= cfg.BlockSize {
		return nil, errors.Errorf("padding %d leaves no centre in a %d block", cfg.Padding, cfg.BlockSize)
	}

	m := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.Channels)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.NumClasses)
	m.layerSizes = sizes

	L := len(sizes) - 1
	m.weights = make([][][]float32, L)
	m.biases = make([][]float32, L)
	for l := range L {
		in, out := sizes[l], sizes[l+1]
		// Xavier/Glorot uniform initialization heuristic
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		m.weights[l] = make([][]float32, out)
		for j := range out {
			row := make([]float32, in)
			for i := range row {
				row[i] = (m.rng.Float32()*2 - 1) * limit
			}
			m.weights[l][j] = row
		}
		m.biases[l] = make([]float32, out)
	}
	return m, nil
}

// LearningRateAt returns the step size for a zero-based epoch.
func (cfg Config) LearningRateAt(epoch int) float64 {
	steps := 0
	if cfg.DecayEvery > 0 {
		steps = min(epoch/cfg.DecayEvery, cfg.DecaySteps)
	}
	return cfg.LearningRate * math.Pow(cfg.DecayFactor, float64(steps))
}

// CenterRGB subtracts from each of the first three bands of a channel-major
// (channels, size, size) window its mean over the window. Near-infrared and
// later bands are left as they are.
func CenterRGB(window []float32, channels, size int) {
	plane := size * size
	for c := range min(3, channels) {
		band := window[c*plane : (c+1)*plane]
		var sum float64
		for _, v := range band {
			sum += float64(v)
		}
		mean := float32(sum / float64(plane))
		for i := range band {
			band[i] -= mean
		}
	}
}

// activationReLU applies ReLU in-place over the slice.
func activationReLU(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

// forwardPixel runs one pixel through the network, returning the
// pre-activations per layer (len L) and activations (len L+1, acts[0] is
// the input, acts[L] the logits).
func (m *Model) forwardPixel(input []float32) (preActs [][]float32, acts [][]float32) {
	L := len(m.weights)
	acts = make([][]float32, L+1)
	acts[0] = input
	preActs = make([][]float32, L)
	for l := range L {
		pre := make([]float32, len(m.biases[l]))
		for j, row := range m.weights[l] {
			sum := m.biases[l][j]
			for i, w := range row {
				sum += w * acts[l][i]
			}
			pre[j] = sum
		}
		preActs[l] = pre

		// Activation: ReLU for hidden, linear for last layer
		act := append([]float32(nil), pre...)
		if l < L-1 {
			activationReLU(act)
		}
		acts[l+1] = act
	}
	return preActs, acts
}

// Segment implements inference.Segmenter, returning (NumClasses, size, size)
// logits for a channel-major window. The window is not modified.
func (m *Model) Segment(window []float32, channels, size int) ([]float32, error) {
	if channels != m.layerSizes[0] {
		return nil, errors.Errorf("model takes %d bands, window has %d", m.layerSizes[0], channels)
	}
	plane := size * size
	if len(window) != channels*plane {
		return nil, errors.Errorf("window holds %d values, need %d", len(window), channels*plane)
	}
	x := append([]float32(nil), window...)
	CenterRGB(x, channels, size)

	K := m.Config.NumClasses
	out := make([]float32, K*plane)
	px := make([]float32, channels)
	for i := range plane {
		for c := range channels {
			px[c] = x[c*plane+i]
		}
		_, acts := m.forwardPixel(px)
		for k, v := range acts[len(acts)-1] {
			out[k*plane+i] = v
		}
	}
	return out, nil
}
