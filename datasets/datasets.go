// Package datasets streams training patches out of NAIP land-cover tiles.
//
// Tiles are imagery/label raster pairs named <id>_NAIP.tif and
// <id>_LandCover.tif. AssignTiles shards tile ids over workers, each worker
// owns a WorkerStream that loads its tiles on first use, and every minibatch
// comes from a single tile picked by a Rotation. Patches are drawn by a
// PatchSampler that rejects class-poor crops half of the time.
//
// Notes on gomlx tensors:
//   - Minibatches keep contiguous float32 buffers plus shape metadata, and
//     ToGomlxTensors wraps them without reshaping. GomlxDataset exposes a
//     stream as a gomlx train.Dataset.
package datasets

// Source yields minibatches for one worker. WorkerStream implements it;
// trainers take a Source so tests can feed synthetic batches.
type Source interface {
	Next(batchSize int) (*Minibatch, error)
}

var _ Source = (*WorkerStream)(nil)
