package datasets

import "github.com/pkg/errors"

// OneHot expands row-major class ids of n pixels into a channel-major
// (numClasses, n) float32 buffer.
func OneHot(labels []int32, numClasses int) ([]float32, error) {
	n := len(labels)
	out := make([]float32, numClasses*n)
	if err := OneHotInto(out, labels, numClasses); err != nil {
		return nil, err
	}
	return out, nil
}

// OneHotInto writes the expansion of labels into dst, which must be zeroed.
func OneHotInto(dst []float32, labels []int32, numClasses int) error {
	n := len(labels)
	if len(dst) != numClasses*n {
		return errors.Errorf("one-hot buffer holds %d values, need %d", len(dst), numClasses*n)
	}
	for i, c := range labels {
		if c < 0 || int(c) >= numClasses {
			return errors.Errorf("class %d at pixel %d outside [0,%d)", c, i, numClasses)
		}
		dst[int(c)*n+i] = 1
	}
	return nil
}

// ArgMax collapses a channel-major (numClasses, n) buffer into class ids,
// taking the lowest class on ties.
func ArgMax(scores []float32, numClasses int) ([]int32, error) {
	if numClasses < 1 || len(scores)%numClasses != 0 {
		return nil, errors.Errorf("%d scores do not split into %d classes", len(scores), numClasses)
	}
	n := len(scores) / numClasses
	out := make([]int32, n)
	for i := range out {
		best := scores[i]
		for c := 1; c < numClasses; c++ {
			if v := scores[c*n+i]; v > best {
				best = v
				out[i] = int32(c)
			}
		}
	}
	return out, nil
}
