// Package survey runs Monte Carlo draws through the patch sampler to measure
// how rejection sampling reshapes the class balance of a tile.
package survey

import (
	"encoding/json"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Noofbiz/landCover/datasets"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// ClassNames labels the classes in reports and plots.
var ClassNames = [datasets.NumClasses]string{"no data", "water", "trees", "herbaceous", "barren"}

// Survey draws proposals from tiles with the same thresholds a training
// stream would use.
type Survey struct {
	BlockSize         int
	RareFraction      float64
	AcceptProbability float64
	RareClasses       []uint8

	// Workers bounds the goroutines used by Run; 0 means NumCPU.
	Workers int

	rng *rand.Rand
}

// NewSurvey returns a survey with the sampler defaults. A zero seed is
// replaced by the current time.
func NewSurvey(blockSize int, seed int64) *Survey {
	if blockSize <= 0 {
		blockSize = datasets.DefaultBlockSize
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Survey{
		BlockSize:         blockSize,
		RareFraction:      datasets.DefaultRareFraction,
		AcceptProbability: datasets.DefaultAcceptProbability,
		RareClasses:       datasets.DefaultRareClasses,
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// SamplerConfig is the "sampler" block of a training config. Absent fields
// keep their current values.
type SamplerConfig struct {
	RareFraction      *float64 `json:"rare_fraction"`
	AcceptProbability *float64 `json:"accept_probability"`
	RareClasses       []uint8  `json:"rare_classes"`
}

func (c *SamplerConfig) apply(rareFraction, acceptProbability *float64, rareClasses *[]uint8) {
	if c == nil {
		return
	}
	if c.RareFraction != nil {
		*rareFraction = *c.RareFraction
	}
	if c.AcceptProbability != nil {
		*acceptProbability = *c.AcceptProbability
	}
	if c.RareClasses != nil {
		*rareClasses = c.RareClasses
	}
}

// ApplyTo overrides the thresholds of a training stream's sampler.
func (c *SamplerConfig) ApplyTo(ps *datasets.PatchSampler) {
	c.apply(&ps.RareFraction, &ps.AcceptProbability, &ps.RareClasses)
}

// LoadConfig overrides the thresholds with the "sampler" block of the JSON
// training config at path, e.g.
//
//	{"sampler": {"rare_fraction": 0.003, "accept_probability": 0.5, "rare_classes": [1, 4]}}
//
// Other keys are ignored.
func (s *Survey) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read survey config")
	}
	var raw struct {
		Sampler *SamplerConfig `json:"sampler"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrapf(err, "unmarshal survey config %s", path)
	}
	raw.Sampler.apply(&s.RareFraction, &s.AcceptProbability, &s.RareClasses)
	return nil
}

// Report summarises the draws taken from one tile.
type Report struct {
	TileID   string
	Draws    int
	Accepted int
	// RareRich counts proposals accepted by the rare-class test alone.
	RareRich int
	// Proposed and Kept count label pixels per class over all proposals and
	// over accepted proposals.
	Proposed [datasets.NumClasses]int64
	Kept     [datasets.NumClasses]int64
}

// AcceptanceRate is the fraction of proposals kept.
func (r *Report) AcceptanceRate() float64 {
	if r.Draws == 0 {
		return 0
	}
	return float64(r.Accepted) / float64(r.Draws)
}

func fractions(counts [datasets.NumClasses]int64) [datasets.NumClasses]float64 {
	var total int64
	for _, c := range counts {
		total += c
	}
	var out [datasets.NumClasses]float64
	if total == 0 {
		return out
	}
	for k, c := range counts {
		out[k] = float64(c) / float64(total)
	}
	return out
}

// ProposedFractions is the class balance before rejection.
func (r *Report) ProposedFractions() [datasets.NumClasses]float64 { return fractions(r.Proposed) }

// KeptFractions is the class balance of accepted patches.
func (r *Report) KeptFractions() [datasets.NumClasses]float64 { return fractions(r.Kept) }

func (r *Report) merge(o *Report) {
	r.Draws += o.Draws
	r.Accepted += o.Accepted
	r.RareRich += o.RareRich
	for k := range r.Proposed {
		r.Proposed[k] += o.Proposed[k]
		r.Kept[k] += o.Kept[k]
	}
}

// Run takes draws proposals from tile in parallel. Seeds for each worker are
// taken serially from the survey's rng, so a seeded survey is reproducible
// for a fixed worker count.
func (s *Survey) Run(tile *datasets.Tile, draws int) (*Report, error) {
	if draws <= 0 {
		return nil, errors.Errorf("draws must be > 0, got %d", draws)
	}
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, draws)

	seeds := make([]int64, workers)
	for i := range seeds {
		seeds[i] = s.rng.Int63()
	}
	parts := make([]*Report, workers)
	var eg errgroup.Group
	for w := range workers {
		n := draws / workers
		if w < draws%workers {
			n++
		}
		eg.Go(func() error {
			part, err := s.draw(tile, n, seeds[w])
			parts[w] = part
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	report := &Report{TileID: tile.ID}
	for _, p := range parts {
		report.merge(p)
	}
	klog.InfoS("survey finished", "tile", tile.ID, "draws", report.Draws,
		"acceptance", report.AcceptanceRate(), "rareRich", report.RareRich)
	return report, nil
}

func (s *Survey) draw(tile *datasets.Tile, n int, seed int64) (*Report, error) {
	sampler := datasets.NewPatchSampler(s.BlockSize, rand.New(rand.NewSource(seed)))
	sampler.RareFraction = s.RareFraction
	sampler.AcceptProbability = s.AcceptProbability
	sampler.RareClasses = s.RareClasses
	threshold := s.RareFraction * float64(s.BlockSize*s.BlockSize)

	r := &Report{Draws: n}
	var counts [datasets.NumClasses]int64
	for range n {
		p, err := sampler.Propose(tile)
		if err != nil {
			return nil, err
		}
		counts = [datasets.NumClasses]int64{}
		for _, c := range p.Labels {
			counts[c]++
		}
		for k, c := range counts {
			r.Proposed[k] += c
		}
		if !sampler.Accept(p) {
			continue
		}
		r.Accepted++
		if float64(p.Rare) > threshold {
			r.RareRich++
		}
		for k, c := range counts {
			r.Kept[k] += c
		}
	}
	return r, nil
}

// SavePlot writes a grouped bar chart of the class balance before and after
// rejection to path as PNG.
func (r *Report) SavePlot(path string) error {
	p := plot.New()
	p.Title.Text = "Class balance: proposed (grey), kept (blue)"
	p.Y.Label.Text = "pixel fraction"
	p.Y.Min = 0

	proposed, kept := r.ProposedFractions(), r.KeptFractions()
	width := vg.Points(18)

	before, err := plotter.NewBarChart(plotter.Values(proposed[:]), width)
	if err != nil {
		return err
	}
	before.Color = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	before.LineStyle.Width = vg.Length(0)
	before.Offset = -width / 2
	p.Add(before)
	p.Legend.Add("proposed", before)

	after, err := plotter.NewBarChart(plotter.Values(kept[:]), width)
	if err != nil {
		return err
	}
	after.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	after.LineStyle.Width = vg.Length(0)
	after.Offset = width / 2
	p.Add(after)
	p.Legend.Add("kept", after)
	p.Legend.Top = true

	p.NominalX(ClassNames[:]...)
	p.Add(plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "mkdir for %s", path)
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save plot %s", path)
	}
	return nil
}
