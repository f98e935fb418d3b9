package datasets

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoTiles is returned when there are no tiles to distribute.
var ErrNoTiles = errors.New("no tiles available")

const (
	// MaxTilesPerWorker bounds how many tiles a worker keeps in memory.
	MaxTilesPerWorker = 5
	// OversubscribedTilesPerWorker is the number of random tiles each worker
	// draws when there are more workers than tiles.
	OversubscribedTilesPerWorker = 2
)

// WorkerShard lists, for each worker rank, the tile ids it owns.
type WorkerShard [][]string

// AssignTiles distributes tile ids over workers.
//
// With at least as many tiles as workers, the sorted ids are split into
// contiguous groups whose sizes differ by at most one (the first len%workers
// groups take the extra tile) and each group is truncated to
// MaxTilesPerWorker. Otherwise every worker draws
// OversubscribedTilesPerWorker ids uniformly with replacement from rng.
func AssignTiles(ids []string, workers int, rng *rand.Rand) (WorkerShard, error) {
	if len(ids) == 0 {
		return nil, ErrNoTiles
	}
	if workers < 1 {
		return nil, errors.Errorf("need at least one worker, got %d", workers)
	}

	shard := make(WorkerShard, workers)
	if workers > len(ids) {
		for w := range shard {
			shard[w] = make([]string, OversubscribedTilesPerWorker)
			for i := range shard[w] {
				shard[w][i] = ids[rng.Intn(len(ids))]
			}
		}
		klog.InfoS("more workers than tiles, sampling with replacement", "workers", workers, "tiles", len(ids))
		return shard, nil
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	base, extra := len(sorted)/workers, len(sorted)%workers
	start := 0
	dropped := 0
	for w := range shard {
		n := base
		if w < extra {
			n++
		}
		group := sorted[start : start+n]
		start += n
		if len(group) > MaxTilesPerWorker {
			dropped += len(group) - MaxTilesPerWorker
			group = group[:MaxTilesPerWorker]
		}
		shard[w] = append([]string(nil), group...)
	}
	if dropped > 0 {
		klog.InfoS("tiles beyond the per-worker cap are unused", "dropped", dropped, "cap", MaxTilesPerWorker)
	}
	return shard, nil
}
