package datasets

import (
	"math/rand"

	"github.com/pkg/errors"
)

// ErrTileTooSmall is returned when a tile cannot hold a single patch.
var ErrTileTooSmall = errors.New("tile smaller than patch size")

// Sampler defaults.
const (
	DefaultBlockSize         = 256
	DefaultRareFraction      = 0.003
	DefaultAcceptProbability = 0.5
)

// DefaultRareClasses are under-represented in NAIP land cover and drive the
// rejection test.
var DefaultRareClasses = []uint8{ClassWater, ClassBarren}

// Patch is a square crop of a tile. Features are channel-major (C,S,S) and
// labels row-major (S,S).
type Patch struct {
	Row, Col int
	Size     int
	Channels int
	Features []float32
	Labels   []int32
}

// Proposal is a candidate patch offset and its label crop, before the
// imagery is copied.
type Proposal struct {
	Row, Col int
	Labels   []int32
	// Rare counts the pixels belonging to a rare class.
	Rare int
}

// PatchSampler draws patches uniformly and keeps those that are either rich
// in rare classes or pass an independent coin flip.
type PatchSampler struct {
	BlockSize         int
	RareFraction      float64
	AcceptProbability float64
	RareClasses       []uint8

	rng  *rand.Rand
	rare [256]bool
}

// NewPatchSampler returns a sampler with the default thresholds drawing from
// rng.
func NewPatchSampler(blockSize int, rng *rand.Rand) *PatchSampler {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &PatchSampler{
		BlockSize:         blockSize,
		RareFraction:      DefaultRareFraction,
		AcceptProbability: DefaultAcceptProbability,
		RareClasses:       DefaultRareClasses,
		rng:               rng,
	}
}

func (s *PatchSampler) rareTable() {
	s.rare = [256]bool{}
	for _, c := range s.RareClasses {
		s.rare[c] = true
	}
}

// Propose draws a uniform offset inside tile and crops its labels.
func (s *PatchSampler) Propose(tile *Tile) (*Proposal, error) {
	size := s.BlockSize
	h, w := tile.Labels.Height, tile.Labels.Width
	if h < size || w < size {
		return nil, errors.Wrapf(ErrTileTooSmall, "tile %s is %dx%d, patch is %d", tile.ID, h, w, size)
	}
	s.rareTable()

	p := &Proposal{
		Row:    s.rng.Intn(h - size + 1),
		Col:    s.rng.Intn(w - size + 1),
		Labels: make([]int32, size*size),
	}
	for y := range size {
		src := tile.Labels.Pix[(p.Row+y)*w+p.Col:]
		dst := p.Labels[y*size : (y+1)*size]
		for x := range dst {
			v := src[x]
			dst[x] = int32(v)
			if s.rare[v] {
				p.Rare++
			}
		}
	}
	return p, nil
}

// Accept reports whether a proposal is kept. The coin flip is consumed only
// when the rare-class test fails.
func (s *PatchSampler) Accept(p *Proposal) bool {
	if float64(p.Rare) > s.RareFraction*float64(s.BlockSize*s.BlockSize) {
		return true
	}
	return s.rng.Float64() < s.AcceptProbability
}

// Sample redraws proposals until one is accepted and returns it with its
// imagery.
func (s *PatchSampler) Sample(tile *Tile) (*Patch, error) {
	for {
		p, err := s.Propose(tile)
		if err != nil {
			return nil, err
		}
		if !s.Accept(p) {
			continue
		}
		patch := &Patch{
			Row:      p.Row,
			Col:      p.Col,
			Size:     s.BlockSize,
			Channels: tile.Imagery.Channels,
			Features: make([]float32, tile.Imagery.Channels*s.BlockSize*s.BlockSize),
			Labels:   p.Labels,
		}
		if err := tile.Imagery.Crop(patch.Features, p.Row, p.Col, s.BlockSize); err != nil {
			return nil, errors.Wrapf(err, "crop tile %s", tile.ID)
		}
		return patch, nil
	}
}
