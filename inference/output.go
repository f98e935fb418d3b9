package inference

import (
	"image"
	"os"
	"path/filepath"
	"slices"

	"github.com/Noofbiz/landCover/raster"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Output file names written by WriteOutputs.
const (
	ImageryFile    = "NAIP.tif"
	PredictionFile = "pred_labels.tif"
	SoftFile       = "pred_soft.tif"
	TruthFile      = "true_labels.tif"
	ScoresFile     = "pred_scores.npz"
)

// Array names inside the scores archive.
const (
	scoresArray = "scores"
	originArray = "origin"
)

// WriteScores stores a (numClasses, side, side) float32 canvas and the
// (x, y) pixel origin of its region as a NumPy .npz archive.
func WriteScores(path string, scores []float32, numClasses, side int, origin image.Point) error {
	if len(scores) != numClasses*side*side {
		return errors.Errorf("%d scores for %d classes of %dx%d", len(scores), numClasses, side, side)
	}
	arrays := map[string]*tensors.Tensor{
		scoresArray: tensors.FromFlatDataAndDimensions(slices.Clone(scores), numClasses, side, side),
		originArray: tensors.FromFlatDataAndDimensions([]int64{int64(origin.X), int64(origin.Y)}, 2),
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if err := numpy.ToNpzWriter(arrays, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "rename %s", tmp)
}

// ReadScores loads a canvas written by WriteScores.
func ReadScores(path string) (scores []float32, numClasses, side int, origin image.Point, err error) {
	arrays, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, 0, 0, origin, err
	}
	s, ok := arrays[scoresArray]
	if !ok {
		return nil, 0, 0, origin, errors.Errorf("%s has no %q array", path, scoresArray)
	}
	dims := s.Shape().Dimensions
	if s.DType() != dtypes.Float32 || len(dims) != 3 || dims[1] != dims[2] {
		return nil, 0, 0, origin, errors.Errorf("%s: unexpected scores array %s", path, s.Shape())
	}
	if o, ok := arrays[originArray]; ok && o.DType() == dtypes.Int64 && o.Size() == 2 {
		xy := tensors.CopyFlatData[int64](o)
		origin = image.Pt(int(xy[0]), int(xy[1]))
	}
	return tensors.CopyFlatData[float32](s), dims[0], dims[1], origin, nil
}

// WriteOutputs renders res into dir. When g is not nil every raster is
// georeferenced to the region; soft adds the blended rendering.
func WriteOutputs(dir string, res *Result, g *raster.GeoReference, soft bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	var region *raster.GeoReference
	if g != nil {
		region = g.Shifted(res.Origin.X, res.Origin.Y)
	}

	core, err := res.CoreImagery()
	if err != nil {
		return err
	}
	rgb, err := ImageryRGB(core)
	if err != nil {
		return err
	}
	if err := raster.WriteGeoTIFF(filepath.Join(dir, ImageryFile), rgb, region); err != nil {
		return err
	}

	hard, err := HardLabelImage(res.Scores, res.NumClasses, res.Side)
	if err != nil {
		return err
	}
	if err := raster.WriteGeoTIFF(filepath.Join(dir, PredictionFile), hard, region); err != nil {
		return err
	}

	if soft {
		img, err := SoftLabelImage(res.Scores, res.NumClasses, res.Side)
		if err != nil {
			return err
		}
		if err := raster.WriteGeoTIFF(filepath.Join(dir, SoftFile), img, region); err != nil {
			return err
		}
	}

	if res.Labels != nil {
		truth, err := LabelImage(res.Labels)
		if err != nil {
			return err
		}
		if err := raster.WriteGeoTIFF(filepath.Join(dir, TruthFile), truth, region); err != nil {
			return err
		}
	}

	if err := WriteScores(filepath.Join(dir, ScoresFile), res.Scores, res.NumClasses, res.Side, res.Origin); err != nil {
		return err
	}
	klog.InfoS("wrote outputs", "dir", dir, "side", res.Side, "truth", res.Labels != nil, "soft", soft)
	return nil
}
