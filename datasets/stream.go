package datasets

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoTilesLoaded is returned when none of a worker's tiles could be read.
var ErrNoTilesLoaded = errors.New("no tiles loaded")

// Streaming defaults.
const (
	DefaultBatchSize           = 10
	DefaultMinibatchesPerImage = 160
	DefaultMinibatchesPerEpoch = 1600
)

// StreamConfig tunes a worker stream. Zero fields take the defaults.
type StreamConfig struct {
	BlockSize           int   `json:"block_size"`
	BatchSize           int   `json:"batch_size"`
	MinibatchesPerImage int   `json:"minibatches_per_image"`
	MinibatchesPerEpoch int   `json:"minibatches_per_epoch"`
	Seed                int64 `json:"seed"`
}

func (c *StreamConfig) fill() {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MinibatchesPerImage <= 0 {
		c.MinibatchesPerImage = DefaultMinibatchesPerImage
	}
	if c.MinibatchesPerEpoch <= 0 {
		c.MinibatchesPerEpoch = DefaultMinibatchesPerEpoch
	}
}

// Minibatch holds BatchSize patches of one tile: features (B,C,S,S) and
// one-hot labels (B,K,S,S), both flat and row-major.
type Minibatch struct {
	Features   []float32
	Labels     []float32
	BatchSize  int
	Channels   int
	BlockSize  int
	NumClasses int
	TileID     string
}

// ToGomlxTensors converts the minibatch into gomlx tensors.
func (b *Minibatch) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	if len(b.Features) != b.BatchSize*b.Channels*b.BlockSize*b.BlockSize {
		return nil, nil, errors.Errorf("features hold %d values, shape is (%d,%d,%d,%d)",
			len(b.Features), b.BatchSize, b.Channels, b.BlockSize, b.BlockSize)
	}
	if len(b.Labels) != b.BatchSize*b.NumClasses*b.BlockSize*b.BlockSize {
		return nil, nil, errors.Errorf("labels hold %d values, shape is (%d,%d,%d,%d)",
			len(b.Labels), b.BatchSize, b.NumClasses, b.BlockSize, b.BlockSize)
	}
	in := tensors.FromFlatDataAndDimensions(b.Features, b.BatchSize, b.Channels, b.BlockSize, b.BlockSize)
	lab := tensors.FromFlatDataAndDimensions(b.Labels, b.BatchSize, b.NumClasses, b.BlockSize, b.BlockSize)
	return in, lab, nil
}

// TileLoader reads one tile by id.
type TileLoader func(id string) (*Tile, error)

// WorkerStream is the training data source of one worker. It is not safe for
// concurrent use; each worker goroutine owns its stream.
type WorkerStream struct {
	Rank int
	IDs  []string

	cfg      StreamConfig
	load     TileLoader
	rng      *rand.Rand
	sampler  *PatchSampler
	tiles    []*Tile
	loaded   bool
	rotation *Rotation
}

// NewWorkerStream returns a stream over ids seeded with cfg.Seed+rank. Tiles
// are read on the first minibatch request.
func NewWorkerStream(rank int, ids []string, cfg StreamConfig, load TileLoader) *WorkerStream {
	cfg.fill()
	if load == nil {
		load = LoadTile
	}
	rng := rand.New(rand.NewSource(cfg.Seed + int64(rank)))
	return &WorkerStream{
		Rank:    rank,
		IDs:     ids,
		cfg:     cfg,
		load:    load,
		rng:     rng,
		sampler: NewPatchSampler(cfg.BlockSize, rng),
	}
}

// Sampler exposes the stream's sampler so its thresholds can be tuned.
func (s *WorkerStream) Sampler() *PatchSampler { return s.sampler }

// Config returns the filled-in configuration.
func (s *WorkerStream) Config() StreamConfig { return s.cfg }

// Tiles returns the loaded tiles, loading them first if needed.
func (s *WorkerStream) Tiles() ([]*Tile, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.tiles, nil
}

func (s *WorkerStream) ensureLoaded() error {
	if s.loaded {
		if len(s.tiles) == 0 {
			return errors.Wrapf(ErrNoTilesLoaded, "worker %d", s.Rank)
		}
		return nil
	}
	s.loaded = true
	for _, id := range s.IDs {
		tile, err := s.load(id)
		if err != nil {
			klog.ErrorS(err, "skipping tile", "worker", s.Rank, "id", id)
			continue
		}
		s.tiles = append(s.tiles, tile)
	}
	if len(s.tiles) == 0 {
		return errors.Wrapf(ErrNoTilesLoaded, "worker %d had %d tile ids", s.Rank, len(s.IDs))
	}
	s.rotation = NewRotation(len(s.tiles), s.cfg.MinibatchesPerImage)
	klog.InfoS("worker tiles loaded", "worker", s.Rank, "tiles", len(s.tiles), "requested", len(s.IDs))
	return nil
}

// Next assembles a minibatch of batchSize patches from the active tile. A
// non-positive batchSize uses the configured one.
func (s *WorkerStream) Next(batchSize int) (*Minibatch, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	tile := s.tiles[s.rotation.Next()]

	size := s.cfg.BlockSize
	plane := size * size
	mb := &Minibatch{
		BatchSize:  batchSize,
		Channels:   tile.Imagery.Channels,
		BlockSize:  size,
		NumClasses: NumClasses,
		TileID:     tile.ID,
	}
	mb.Features = make([]float32, batchSize*mb.Channels*plane)
	mb.Labels = make([]float32, batchSize*NumClasses*plane)
	for i := range batchSize {
		p, err := s.sampler.Sample(tile)
		if err != nil {
			return nil, err
		}
		copy(mb.Features[i*mb.Channels*plane:], p.Features)
		if err := OneHotInto(mb.Labels[i*NumClasses*plane:(i+1)*NumClasses*plane], p.Labels, NumClasses); err != nil {
			return nil, errors.Wrapf(err, "tile %s", tile.ID)
		}
	}
	klog.V(2).InfoS("minibatch", "worker", s.Rank, "tile", tile.ID, "served", s.rotation.Served())
	return mb, nil
}

// Assembler owns one stream per worker rank.
type Assembler struct {
	streams []*WorkerStream
}

// NewAssembler builds one stream per entry of shard.
func NewAssembler(shard WorkerShard, cfg StreamConfig, load TileLoader) *Assembler {
	a := &Assembler{streams: make([]*WorkerStream, len(shard))}
	for rank, ids := range shard {
		a.streams[rank] = NewWorkerStream(rank, ids, cfg, load)
	}
	return a
}

// Workers returns the number of worker streams.
func (a *Assembler) Workers() int { return len(a.streams) }

// Stream returns the stream of worker rank.
func (a *Assembler) Stream(rank int) *WorkerStream { return a.streams[rank] }

// NextMinibatch returns the next minibatch of worker rank. Different ranks may
// be called from different goroutines; a single rank may not.
func (a *Assembler) NextMinibatch(rank, batchSize int) (*Minibatch, error) {
	if rank < 0 || rank >= len(a.streams) {
		return nil, errors.Errorf("worker rank %d outside [0,%d)", rank, len(a.streams))
	}
	return a.streams[rank].Next(batchSize)
}

// GomlxDataset adapts a worker stream to gomlx's train.Dataset. Each epoch
// yields MinibatchesPerEpoch minibatches.
type GomlxDataset struct {
	Stream *WorkerStream

	yielded int
}

// Name implements train.Dataset.
func (d *GomlxDataset) Name() string {
	return fmt.Sprintf("landcover-worker-%d", d.Stream.Rank)
}

// Yield implements train.Dataset. It returns io.EOF at the end of an epoch.
func (d *GomlxDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.yielded >= d.Stream.cfg.MinibatchesPerEpoch {
		return nil, nil, nil, io.EOF
	}
	mb, err := d.Stream.Next(0)
	if err != nil {
		return nil, nil, nil, err
	}
	in, lab, err := mb.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	d.yielded++
	return mb.TileID, []*tensors.Tensor{in}, []*tensors.Tensor{lab}, nil
}

// Reset implements train.Dataset by starting a new epoch. The sampling
// sequence continues.
func (d *GomlxDataset) Reset() {
	d.yielded = 0
}
