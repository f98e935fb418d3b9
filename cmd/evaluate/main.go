package main

import (
	"flag"
	"image"
	"math"
	"os"
	"strings"

	"github.com/Noofbiz/landCover/datasets"
	"github.com/Noofbiz/landCover/geo"
	"github.com/Noofbiz/landCover/inference"
	"github.com/Noofbiz/landCover/raster"
	"github.com/Noofbiz/landCover/simple"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type options struct {
	input     string
	model     string
	outputDir string
	lat, lon  float64
	regionDim int
	soft      bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.input, "input_filename", "", "NAIP GeoTIFF (<base>_NAIP.tif) to run on")
	flag.StringVar(&o.input, "i", "", "shorthand for -input_filename")
	flag.StringVar(&o.model, "model_filename", "", "trained model checkpoint (.gob)")
	flag.StringVar(&o.model, "m", "", "shorthand for -model_filename")
	flag.StringVar(&o.outputDir, "output_dir", "", "directory for the rendered outputs")
	flag.StringVar(&o.outputDir, "o", "", "shorthand for -output_dir")
	flag.Float64Var(&o.lat, "center_lat", math.NaN(), "latitude of the region centre (WGS84)")
	flag.Float64Var(&o.lat, "t", math.NaN(), "shorthand for -center_lat")
	flag.Float64Var(&o.lon, "center_lon", math.NaN(), "longitude of the region centre (WGS84)")
	flag.Float64Var(&o.lon, "n", math.NaN(), "shorthand for -center_lon")
	flag.IntVar(&o.regionDim, "region_dim", 1024, "side of the output region in pixels (multiple of 128)")
	flag.IntVar(&o.regionDim, "r", 1024, "shorthand for -region_dim")
	flag.BoolVar(&o.soft, "soft", false, "also write the softmax-blended rendering")
	flag.Parse()
	return o
}

func (o *options) validate() error {
	required := []struct{ name, value string }{
		{"-input_filename", o.input},
		{"-model_filename", o.model},
		{"-output_dir", o.outputDir},
	}
	for _, r := range required {
		if r.value == "" {
			return errors.Errorf("%s is required", r.name)
		}
	}
	for _, path := range []string{o.input, o.model} {
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, "cannot read %s", path)
		}
	}
	if math.IsNaN(o.lat) || o.lat < -90 || o.lat > 90 {
		return errors.Errorf("-center_lat must be in [-90, 90], got %v", o.lat)
	}
	if math.IsNaN(o.lon) || o.lon < -180 || o.lon > 180 {
		return errors.Errorf("-center_lon must be in [-180, 180], got %v", o.lon)
	}
	if o.regionDim <= 0 || o.regionDim%inference.CoreSize != 0 {
		return errors.Wrapf(inference.ErrRegionSize, "-region_dim %d", o.regionDim)
	}
	return nil
}

// labelsFor returns the land-cover raster paired with a NAIP raster, or ""
// when there is none.
func labelsFor(input string) string {
	if !strings.HasSuffix(input, datasets.ImagerySuffix) {
		return ""
	}
	path := datasets.LabelsPath(strings.TrimSuffix(input, datasets.ImagerySuffix))
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func main() {
	klog.InitFlags(nil)
	o := parseFlags()
	defer klog.Flush()

	if err := o.validate(); err != nil {
		klog.Exitf("invalid arguments: %v", err)
	}

	center, err := geo.NewLocator().Locate(o.input, o.lat, o.lon)
	if err != nil {
		klog.Exitf("failed to locate (%v, %v): %v", o.lat, o.lon, err)
	}
	georef, err := raster.ReadGeoReference(o.input)
	if err != nil {
		klog.Exitf("failed to read georeferencing: %v", err)
	}

	img, err := raster.ReadImagery(o.input)
	if err != nil {
		klog.Exitf("failed to read imagery: %v", err)
	}
	var labels *raster.Labels
	if path := labelsFor(o.input); path != "" {
		if labels, err = raster.ReadLabels(path); err != nil {
			klog.Exitf("failed to read labels: %v", err)
		}
	} else {
		klog.InfoS("no land-cover raster found, skipping ground truth", "input", o.input)
	}

	model, epoch, err := simple.Load(o.model)
	if err != nil {
		klog.Exitf("failed to load model: %v", err)
	}
	if model.Config.Channels != img.Channels {
		klog.Exitf("model expects %d bands, %s has %d", model.Config.Channels, o.input, img.Channels)
	}
	klog.InfoS("model loaded", "path", o.model, "epoch", epoch)

	tiler := inference.NewTiler(model, model.Config.NumClasses)
	res, err := tiler.Infer(img, labels, image.Pt(center.X, center.Y), o.regionDim)
	if err != nil {
		klog.Exitf("inference failed: %v", err)
	}
	if err := inference.WriteOutputs(o.outputDir, res, georef, o.soft); err != nil {
		klog.Exitf("failed to write outputs: %v", err)
	}
}
