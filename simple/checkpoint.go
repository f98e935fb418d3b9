package simple

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// checkpointHeader precedes the layer tensors in a checkpoint. Each layer
// follows as a (out, in) weight tensor and an (out) bias tensor.
type checkpointHeader struct {
	Config Config
	Epoch  int
	Layers int
}

// Save writes the configuration, epoch and weights to path as a gob stream
// of gomlx tensors. The file is written to a temporary name and renamed into
// place.
func (m *Model) Save(path string, epoch int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()

	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(checkpointHeader{Config: m.Config, Epoch: epoch, Layers: len(m.weights)}); err != nil {
		return errors.Wrapf(err, "encode %s header", path)
	}
	for l := range m.weights {
		out, in := len(m.weights[l]), m.layerSizes[l]
		flat := make([]float32, 0, out*in)
		for _, row := range m.weights[l] {
			flat = append(flat, row...)
		}
		if err := tensors.FromFlatDataAndDimensions(flat, out, in).GobSerialize(enc); err != nil {
			return errors.Wrapf(err, "layer %d weights", l)
		}
		if err := tensors.FromFlatDataAndDimensions(slices.Clone(m.biases[l]), out).GobSerialize(enc); err != nil {
			return errors.Wrapf(err, "layer %d biases", l)
		}
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename temp checkpoint to %s", path)
	}
	return nil
}

// Load reads a model written by Save and the epoch it was saved at.
func Load(path string) (*Model, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	var h checkpointHeader
	if err := dec.Decode(&h); err != nil {
		return nil, 0, errors.Wrapf(err, "%s: decode header", path)
	}
	m, err := NewModel(h.Config)
	if err != nil {
		return nil, 0, err
	}
	if h.Layers != len(m.weights) {
		return nil, 0, errors.Errorf("%s: %d layers stored, config describes %d", path, h.Layers, len(m.weights))
	}

	for l := range m.weights {
		out, in := len(m.weights[l]), m.layerSizes[l]
		w, err := readF32(dec, out, in)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "%s: layer %d weights", path, l)
		}
		for j := range m.weights[l] {
			copy(m.weights[l][j], w[j*in:(j+1)*in])
		}
		b, err := readF32(dec, out)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "%s: layer %d biases", path, l)
		}
		copy(m.biases[l], b)
	}
	return m, h.Epoch, nil
}

// readF32 decodes the next tensor and checks it is float32 of shape dims.
func readF32(dec *gob.Decoder, dims ...int) ([]float32, error) {
	t, err := tensors.GobDeserialize(dec)
	if err != nil {
		return nil, err
	}
	defer t.FinalizeAll()
	if t.DType() != dtypes.Float32 || !slices.Equal(t.Shape().Dimensions, dims) {
		return nil, errors.Errorf("got %s, want float32 %v", t.Shape(), dims)
	}
	return tensors.CopyFlatData[float32](t), nil
}
