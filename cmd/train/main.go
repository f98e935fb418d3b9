package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/Noofbiz/landCover/datasets"
	"github.com/Noofbiz/landCover/simple"
	"github.com/Noofbiz/landCover/survey"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	checkpointName = "trained_checkpoint.gob"
	finalName      = "trained.gob"

	defaultEpochs  = 1
	defaultWorkers = 1
	defaultSeed    = 1
)

// tunables is the optional JSON configuration. Values for -num_epochs,
// -workers and -seed only apply when the flag was left at its default.
type tunables struct {
	Epochs  *int           `json:"num_epochs"`
	Workers *int           `json:"workers"`
	Seed    *int64         `json:"seed"`
	Model   *simple.Config `json:"model"`
	Stream  *struct {
		BatchSize           *int `json:"batch_size"`
		MinibatchesPerImage *int `json:"minibatches_per_image"`
		MinibatchesPerEpoch *int `json:"minibatches_per_epoch"`
		BlockSize           *int `json:"block_size"`
	} `json:"stream"`
	Sampler *survey.SamplerConfig `json:"sampler"`
}

type options struct {
	inputDir   string
	modelDir   string
	epochs     int
	workers    int
	seed       int64
	configPath string
	surveyN    int
	printCfg   bool

	model  simple.Config
	stream datasets.StreamConfig
	tun    tunables
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.inputDir, "input_dir", "", "directory with *_NAIP.tif / *_LandCover.tif training pairs")
	flag.StringVar(&o.inputDir, "i", "", "shorthand for -input_dir")
	flag.StringVar(&o.modelDir, "model_dir", "", "directory for checkpoints and the trained model")
	flag.StringVar(&o.modelDir, "o", "", "shorthand for -model_dir")
	flag.IntVar(&o.epochs, "num_epochs", defaultEpochs, "number of epochs to train (> 0)")
	flag.IntVar(&o.epochs, "n", defaultEpochs, "shorthand for -num_epochs")
	flag.IntVar(&o.workers, "workers", defaultWorkers, "number of data-parallel workers")
	flag.Int64Var(&o.seed, "seed", defaultSeed, "random seed for tile assignment, sampling and weights")
	flag.StringVar(&o.configPath, "config", "", "optional JSON tunables file")
	flag.IntVar(&o.surveyN, "survey", 0, "if > 0, survey the sampler with this many draws before training")
	flag.BoolVar(&o.printCfg, "print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	flag.Parse()
	return o
}

// applyConfig merges the JSON tunables into o.
func (o *options) applyConfig() error {
	if o.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(o.configPath)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, &o.tun); err != nil {
		return errors.Wrapf(err, "unmarshal config %s", o.configPath)
	}
	t := o.tun
	if t.Epochs != nil && o.epochs == defaultEpochs {
		o.epochs = *t.Epochs
	}
	if t.Workers != nil && o.workers == defaultWorkers {
		o.workers = *t.Workers
	}
	if t.Seed != nil && o.seed == defaultSeed {
		o.seed = *t.Seed
	}
	if t.Model != nil {
		o.model = *t.Model
	}
	if s := t.Stream; s != nil {
		if s.BatchSize != nil {
			o.stream.BatchSize = *s.BatchSize
		}
		if s.MinibatchesPerImage != nil {
			o.stream.MinibatchesPerImage = *s.MinibatchesPerImage
		}
		if s.MinibatchesPerEpoch != nil {
			o.stream.MinibatchesPerEpoch = *s.MinibatchesPerEpoch
		}
		if s.BlockSize != nil {
			o.stream.BlockSize = *s.BlockSize
		}
	}
	return nil
}

func (o *options) validate() error {
	if o.inputDir == "" {
		return errors.New("-input_dir is required")
	}
	if fi, err := os.Stat(o.inputDir); err != nil || !fi.IsDir() {
		return errors.Errorf("-input_dir %q is not a directory", o.inputDir)
	}
	if o.modelDir == "" {
		return errors.New("-model_dir is required")
	}
	if o.epochs <= 0 {
		return errors.Errorf("-num_epochs must be > 0, got %d", o.epochs)
	}
	if o.workers <= 0 {
		return errors.Errorf("-workers must be > 0, got %d", o.workers)
	}
	return nil
}

// tuneSampler applies the JSON sampler thresholds to every stream.
func (o *options) tuneSampler(a *datasets.Assembler) {
	for rank := range a.Workers() {
		o.tun.Sampler.ApplyTo(a.Stream(rank).Sampler())
	}
}

// runSurvey samples the first tile of worker 0 and plots its class balance
// next to the checkpoints.
func runSurvey(o *options, a *datasets.Assembler) error {
	tiles, err := a.Stream(0).Tiles()
	if err != nil {
		return err
	}
	s := survey.NewSurvey(a.Stream(0).Sampler().BlockSize, o.seed)
	if o.configPath != "" {
		if err := s.LoadConfig(o.configPath); err != nil {
			return err
		}
	}
	report, err := s.Run(tiles[0], o.surveyN)
	if err != nil {
		return err
	}
	before, after := report.ProposedFractions(), report.KeptFractions()
	for k, name := range survey.ClassNames {
		klog.InfoS("class balance", "class", name, "proposed", before[k], "kept", after[k])
	}
	return report.SavePlot(filepath.Join(o.modelDir, "survey.png"))
}

func main() {
	klog.InitFlags(nil)
	o := parseFlags()
	defer klog.Flush()

	if err := o.applyConfig(); err != nil {
		klog.Exitf("failed to load config: %v", err)
	}
	o.stream.Seed = o.seed
	if o.model.Seed == 0 {
		o.model.Seed = o.seed
	}
	if o.model.BlockSize == 0 {
		o.model.BlockSize = o.stream.BlockSize
	}
	if o.printCfg {
		out, err := json.MarshalIndent(map[string]any{
			"input_dir": o.inputDir, "model_dir": o.modelDir, "num_epochs": o.epochs,
			"workers": o.workers, "seed": o.seed, "model": o.model, "stream": o.stream,
			"sampler": o.tun.Sampler,
		}, "", "  ")
		if err != nil {
			klog.Exitf("failed to encode effective config: %v", err)
		}
		fmt.Println(string(out))
		return
	}
	if err := o.validate(); err != nil {
		klog.Exitf("invalid arguments: %v", err)
	}
	if err := os.MkdirAll(o.modelDir, 0755); err != nil {
		klog.Exitf("failed to create model dir: %v", err)
	}

	ids, err := datasets.FindTiles(o.inputDir)
	if err != nil {
		klog.Exitf("failed to find tiles: %v", err)
	}
	shard, err := datasets.AssignTiles(ids, o.workers, rand.New(rand.NewSource(o.seed)))
	if err != nil {
		klog.Exitf("failed to assign tiles: %v", err)
	}
	assembler := datasets.NewAssembler(shard, o.stream, nil)
	o.tuneSampler(assembler)
	streamCfg := assembler.Stream(0).Config()
	klog.InfoS("tiles assigned", "tiles", len(ids), "workers", o.workers,
		"batch", streamCfg.BatchSize, "stepsPerEpoch", streamCfg.MinibatchesPerEpoch)

	if o.surveyN > 0 {
		if err := runSurvey(o, assembler); err != nil {
			klog.Exitf("survey failed: %v", err)
		}
	}

	ckpt := filepath.Join(o.modelDir, checkpointName)
	model, start, err := resume(ckpt, o.model)
	if err != nil {
		klog.Exitf("failed to prepare model: %v", err)
	}

	sources := make([]datasets.Source, assembler.Workers())
	for rank := range sources {
		sources[rank] = assembler.Stream(rank)
	}
	trainer := simple.NewTrainer(model, sources, streamCfg.MinibatchesPerEpoch, streamCfg.BatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	for epoch := start; epoch < o.epochs; epoch++ {
		if _, err := trainer.RunEpoch(ctx, epoch); err != nil {
			klog.Exitf("training failed: %v", err)
		}
		if err := model.Save(ckpt, epoch); err != nil {
			klog.Exitf("failed to save checkpoint: %v", err)
		}
	}

	final := filepath.Join(o.modelDir, finalName)
	if err := model.Save(final, o.epochs-1); err != nil {
		klog.Exitf("failed to save model: %v", err)
	}
	klog.InfoS("training finished", "model", final, "epochs", o.epochs)
}

// resume loads the checkpoint at path when it exists and returns the epoch to
// continue from; otherwise it builds a fresh model from cfg.
func resume(path string, cfg simple.Config) (*simple.Model, int, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, 0, errors.Wrapf(err, "stat %s", path)
		}
		m, err := simple.NewModel(cfg)
		return m, 0, err
	}
	m, epoch, err := simple.Load(path)
	if err != nil {
		return nil, 0, err
	}
	klog.InfoS("resuming from checkpoint", "path", path, "epoch", epoch)
	return m, epoch + 1, nil
}
