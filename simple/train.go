package simple

import (
	"context"
	"math"
	"math/rand"

	"github.com/Noofbiz/landCover/datasets"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Gradients accumulates unnormalised loss gradients. Loss and Weight are the
// class-weighted loss sum and weight sum of the pixels that contributed.
type Gradients struct {
	W      [][][]float32
	B      [][]float32
	Loss   float64
	Weight float64
}

func (m *Model) newGradients() *Gradients {
	g := &Gradients{
		W: make([][][]float32, len(m.weights)),
		B: make([][]float32, len(m.biases)),
	}
	for l := range m.weights {
		g.W[l] = make([][]float32, len(m.weights[l]))
		for j := range g.W[l] {
			g.W[l][j] = make([]float32, len(m.weights[l][j]))
		}
		g.B[l] = make([]float32, len(m.biases[l]))
	}
	return g
}

// MeanLoss returns the weighted mean loss, 0 when nothing contributed.
func (g *Gradients) MeanLoss() float64 {
	if g.Weight == 0 {
		return 0
	}
	return g.Loss / g.Weight
}

// Add accumulates o into g.
func (g *Gradients) Add(o *Gradients) {
	for l := range g.W {
		for j := range g.W[l] {
			for i, v := range o.W[l][j] {
				g.W[l][j][i] += v
			}
		}
		for j, v := range o.B[l] {
			g.B[l][j] += v
		}
	}
	g.Loss += o.Loss
	g.Weight += o.Weight
}

// ComputeGradients draws PixelsPerPatch centre pixels from every patch of mb
// and accumulates the class-weighted cross-entropy gradient. Pixels in the
// Padding border and pixels of zero-weight classes do not contribute. The
// model is only read, so workers may call it concurrently.
func (m *Model) ComputeGradients(mb *datasets.Minibatch, rng *rand.Rand) (*Gradients, error) {
	cfg := m.Config
	if mb.Channels != m.layerSizes[0] || mb.NumClasses != cfg.NumClasses {
		return nil, errors.Errorf("minibatch has %d bands and %d classes, model %d and %d",
			mb.Channels, mb.NumClasses, m.layerSizes[0], cfg.NumClasses)
	}
	size := mb.BlockSize
	pad := cfg.Padding * size / cfg.BlockSize
	inner := size - 2*pad
	if inner <= 0 {
		return nil, errors.Errorf("block %d has no centre inside padding %d", size, pad)
	}

	g := m.newGradients()
	plane := size * size
	K := cfg.NumClasses
	x := make([]float32, mb.Channels*plane)
	px := make([]float32, mb.Channels)
	probs := make([]float64, K)
	for b := range mb.BatchSize {
		copy(x, mb.Features[b*mb.Channels*plane:(b+1)*mb.Channels*plane])
		CenterRGB(x, mb.Channels, size)
		onehot := mb.Labels[b*K*plane : (b+1)*K*plane]

		for range cfg.PixelsPerPatch {
			i := (pad+rng.Intn(inner))*size + pad + rng.Intn(inner)
			label := -1
			for k := range K {
				if onehot[k*plane+i] == 1 {
					label = k
					break
				}
			}
			if label < 0 {
				return nil, errors.Errorf("pixel %d of sample %d has no label", i, b)
			}
			w := cfg.ClassWeights[label]
			if w == 0 {
				continue
			}
			for c := range px {
				px[c] = x[c*plane+i]
			}
			preActs, acts := m.forwardPixel(px)
			logits := acts[len(acts)-1]
			softmax(probs, logits)

			g.Loss += float64(w) * -math.Log(math.Max(probs[label], 1e-12))
			g.Weight += float64(w)
			delta := make([]float32, K)
			for k := range delta {
				delta[k] = w * float32(probs[k])
			}
			delta[label] -= w
			m.backprop(g, delta, preActs, acts)
		}
	}
	return g, nil
}

func softmax(dst []float64, logits []float32) {
	hi := math.Inf(-1)
	for _, v := range logits {
		hi = math.Max(hi, float64(v))
	}
	var sum float64
	for k, v := range logits {
		dst[k] = math.Exp(float64(v) - hi)
		sum += dst[k]
	}
	for k := range dst {
		dst[k] /= sum
	}
}

// backprop accumulates the gradients of one pixel whose output delta is
// dLoss/dLogits.
func (m *Model) backprop(g *Gradients, delta []float32, preActs, acts [][]float32) {
	for l := len(m.weights) - 1; l >= 0; l-- {
		inAct := acts[l]
		for j, d := range delta {
			g.B[l][j] += d
			for i, a := range inAct {
				g.W[l][j][i] += d * a
			}
		}
		if l == 0 {
			break
		}
		prev := make([]float32, len(inAct))
		for i := range prev {
			if preActs[l-1][i] <= 0 {
				continue
			}
			var sum float32
			for j, d := range delta {
				sum += m.weights[l][j][i] * d
			}
			prev[i] = sum
		}
		delta = prev
	}
}

// Apply takes one SGD step of size lr along the mean of g, clipped to
// Config.ClipNorm.
func (m *Model) Apply(g *Gradients, lr float64) {
	if g.Weight == 0 {
		return
	}
	scale := 1 / g.Weight
	var norm float64
	for l := range g.W {
		for j := range g.W[l] {
			for _, v := range g.W[l][j] {
				norm += float64(v) * float64(v)
			}
		}
		for _, v := range g.B[l] {
			norm += float64(v) * float64(v)
		}
	}
	norm = math.Sqrt(norm) * scale
	if clip := float64(m.Config.ClipNorm); clip > 0 && norm > clip {
		scale *= clip / norm
	}
	step := float32(lr * scale)
	for l := range m.weights {
		for j := range m.weights[l] {
			for i, v := range g.W[l][j] {
				m.weights[l][j][i] -= step * v
			}
			m.biases[l][j] -= step * g.B[l][j]
		}
	}
}

// Trainer runs synchronous data-parallel SGD: every step each source yields a
// minibatch on its own goroutine, the gradients are summed and one update is
// applied.
type Trainer struct {
	Model   *Model
	Sources []datasets.Source

	// StepsPerEpoch is the number of updates per epoch.
	StepsPerEpoch int
	// BatchSize is passed to each source; 0 uses the source's default.
	BatchSize int

	rngs []*rand.Rand
}

// NewTrainer returns a trainer drawing pixels with one rng per source seeded
// from the model seed.
func NewTrainer(m *Model, sources []datasets.Source, stepsPerEpoch, batchSize int) *Trainer {
	if stepsPerEpoch <= 0 {
		stepsPerEpoch = datasets.DefaultMinibatchesPerEpoch
	}
	t := &Trainer{
		Model:         m,
		Sources:       sources,
		StepsPerEpoch: stepsPerEpoch,
		BatchSize:     batchSize,
		rngs:          make([]*rand.Rand, len(sources)),
	}
	for i := range t.rngs {
		t.rngs[i] = rand.New(rand.NewSource(m.Config.Seed + int64(i) + 1))
	}
	return t
}

// Step runs one synchronous update and returns its mean loss.
func (t *Trainer) Step(ctx context.Context, lr float64) (float64, error) {
	if len(t.Sources) == 0 {
		return 0, errors.New("trainer has no sources")
	}
	grads := make([]*Gradients, len(t.Sources))
	eg, ctx := errgroup.WithContext(ctx)
	for i, src := range t.Sources {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			mb, err := src.Next(t.BatchSize)
			if err != nil {
				return errors.Wrapf(err, "worker %d", i)
			}
			grads[i], err = t.Model.ComputeGradients(mb, t.rngs[i])
			return errors.Wrapf(err, "worker %d", i)
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	total := grads[0]
	for _, g := range grads[1:] {
		total.Add(g)
	}
	t.Model.Apply(total, lr)
	return total.MeanLoss(), nil
}

// RunEpoch runs StepsPerEpoch updates at the learning rate scheduled for
// epoch and returns the mean step loss.
func (t *Trainer) RunEpoch(ctx context.Context, epoch int) (float64, error) {
	lr := t.Model.Config.LearningRateAt(epoch)
	var sum float64
	for step := range t.StepsPerEpoch {
		loss, err := t.Step(ctx, lr)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d step %d", epoch, step)
		}
		sum += loss
		klog.V(2).InfoS("training step", "epoch", epoch, "step", step, "loss", loss)
	}
	mean := sum / float64(t.StepsPerEpoch)
	klog.InfoS("epoch finished", "epoch", epoch, "lr", lr, "loss", mean)
	return mean, nil
}
