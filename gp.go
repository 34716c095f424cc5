package ae

import (
	"fmt"
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

// GP is a lightweight kernel-regression Gaussian process engine implementing
// the Surrogate contract. It exists so the module is usable and testable
// without an external surrogate engine; production deployments are expected to
// inject their own Surrogate.
//
// The hyperparameter vector has length D+1: the first value is a signal
// variance, followed by a length scale in each direction of the input space.
//
// Thread safety:
//   - All fields are protected by the RWMutex
//   - Posterior queries use RLock and can proceed in parallel
//   - Tell and SetHyperparameters use Lock
type GP struct {
	// mu protects access to all fields.
	mu sync.RWMutex

	// dim is the input dimensionality (after output-position augmentation for
	// vector-valued measurements).
	dim int

	// x stores the observed input points.
	x [][]float64

	// y stores the observed values at each point in x.
	y []float64

	// v stores the observation noise variance at each point in x.
	v []float64

	// hyps is the hyperparameter vector: [signal variance, length scales...].
	hyps []float64
}

//////
// Factory.
//////

// NewGP creates a GP engine for dim-dimensional inputs with the given initial
// hyperparameters. The hyperparameter vector must have length dim+1 with
// strictly positive entries.
func NewGP(dim int, hyperparameters []float64) (*GP, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: non-positive input dimension %d", ErrConfiguration, dim)
	}

	if len(hyperparameters) != dim+1 {
		return nil, fmt.Errorf("%w: %d hyperparameters, want %d (signal variance plus one length scale per dimension)",
			ErrConfiguration, len(hyperparameters), dim+1)
	}

	for i, h := range hyperparameters {
		if h <= 0 || math.IsNaN(h) {
			return nil, fmt.Errorf("%w: hyperparameter %d is %v, must be positive", ErrConfiguration, i, h)
		}
	}

	return &GP{
		dim:  dim,
		hyps: copyVec(hyperparameters),
	}, nil
}

//////
// Methods.
//////

// kernel implements the anisotropic RBF kernel between two points under the
// given hyperparameters:
//
//	k(a, b) = hyps[0] * exp(-sum((a_i - b_i)^2 / (2 * hyps[1+i]^2)))
func kernel(a, b, hyps []float64) float64 {
	if len(a) != len(b) {
		panic("input vectors must have the same length")
	}

	var sum float64

	for i := range a {
		d := a[i] - b[i]
		l := hyps[1+i]
		sum += d * d / (2 * l * l)
	}

	return hyps[0] * math.Exp(-sum)
}

// augment appends each record's first output position to its input position,
// turning a vector-valued measurement into a plain higher-dimensional input.
func augment(x [][]float64, vp [][][]float64) [][]float64 {
	if vp == nil {
		return x
	}

	out := make([][]float64, len(x))

	for i := range x {
		row := copyVec(x[i])
		if vp[i] != nil && len(vp[i]) > 0 {
			row = append(row, vp[i][0]...)
		}

		out[i] = row
	}

	return out
}

// Tell ingests observations, replacing the engine's view of the data. The
// first dimension of all arrays must match; fails with ErrShape otherwise.
func (g *GP) Tell(x [][]float64, y, v []float64, outputPositions [][][]float64) error {
	if len(y) != len(x) || len(v) != len(x) {
		return fmt.Errorf("%w: got %d positions, %d values, %d variances", ErrShape, len(x), len(y), len(v))
	}

	if outputPositions != nil && len(outputPositions) != len(x) {
		return fmt.Errorf("%w: got %d positions but %d output-position sets", ErrShape, len(x), len(outputPositions))
	}

	xa := augment(x, outputPositions)

	for i, row := range xa {
		if len(row) != g.dim {
			return fmt.Errorf("%w: point %d has dimension %d, want %d", ErrShape, i, len(row), g.dim)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.x = copyMatrix(xa)
	g.y = copyVec(y)
	g.v = copyVec(v)

	return nil
}

// posteriorAt computes the predictive mean and variance at a single point
// under the given hyperparameters, optionally excluding observation skip
// (skip < 0 excludes nothing). Caller holds at least a read lock.
func (g *GP) posteriorAt(p, hyps []float64, skip int) (mean, variance float64) {
	sv := hyps[0]

	if len(g.x) == 0 || (len(g.x) == 1 && skip == 0) {
		return 0, sv
	}

	var wsum, wysum, wmax float64

	nearestNoise := 0.0

	for i := range g.x {
		if i == skip {
			continue
		}

		w := kernel(p, g.x[i], hyps) / sv
		wsum += w
		wysum += w * g.y[i]

		if w > wmax {
			wmax = w
			nearestNoise = g.v[i]
		}
	}

	if wsum < 1e-300 {
		// Far from all data: prior mean, prior variance.
		var ysum float64
		for i := range g.y {
			if i == skip {
				continue
			}

			ysum += g.y[i]
		}

		n := len(g.y)
		if skip >= 0 {
			n--
		}

		return ysum / float64(n), sv
	}

	mean = wysum / wsum
	variance = sv*(1.0-wmax) + nearestNoise

	return mean, variance
}

// PosteriorMean returns the predicted value at each query point. Pure given
// the current hyperparameters and dataset.
func (g *GP) PosteriorMean(x [][]float64) ([]float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]float64, len(x))

	for i, p := range x {
		if len(p) != g.dim {
			return nil, fmt.Errorf("%w: query point %d has dimension %d, want %d", ErrShape, i, len(p), g.dim)
		}

		out[i], _ = g.posteriorAt(p, g.hyps, -1)
	}

	return out, nil
}

// PosteriorCovariance returns the predicted variance at each query point.
func (g *GP) PosteriorCovariance(x [][]float64) ([]float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]float64, len(x))

	for i, p := range x {
		if len(p) != g.dim {
			return nil, fmt.Errorf("%w: query point %d has dimension %d, want %d", ErrShape, i, len(p), g.dim)
		}

		_, out[i] = g.posteriorAt(p, g.hyps, -1)
	}

	return out, nil
}

// PosteriorMeanGrad returns the gradient of the posterior mean at each query
// point via central finite differences.
func (g *GP) PosteriorMeanGrad(x [][]float64) ([][]float64, error) {
	const eps = 1e-6

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([][]float64, len(x))

	for i, p := range x {
		if len(p) != g.dim {
			return nil, fmt.Errorf("%w: query point %d has dimension %d, want %d", ErrShape, i, len(p), g.dim)
		}

		grad := make([]float64, g.dim)
		probe := copyVec(p)

		for j := 0; j < g.dim; j++ {
			probe[j] = p[j] + eps
			hi, _ := g.posteriorAt(probe, g.hyps, -1)

			probe[j] = p[j] - eps
			lo, _ := g.posteriorAt(probe, g.hyps, -1)

			probe[j] = p[j]
			grad[j] = (hi - lo) / (2 * eps)
		}

		out[i] = grad
	}

	return out, nil
}

// Hyperparameters returns a copy of the current hyperparameter vector.
func (g *GP) Hyperparameters() []float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return copyVec(g.hyps)
}

// SetHyperparameters replaces the hyperparameter vector.
func (g *GP) SetHyperparameters(h []float64) error {
	if len(h) != g.dim+1 {
		return fmt.Errorf("%w: %d hyperparameters, want %d", ErrShape, len(h), g.dim+1)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.hyps = copyVec(h)

	return nil
}

// BestObserved returns the maximum observed value, or -Inf with no data.
func (g *GP) BestObserved() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	best := math.Inf(-1)

	for _, y := range g.y {
		if y > best {
			best = y
		}
	}

	return best
}

// LogLikelihood scores a hyperparameter vector against the current data using
// leave-one-out predictive likelihood. Higher is better. Training maximizes
// this quantity over the hyperparameter bounds.
func (g *GP) LogLikelihood(h []float64) float64 {
	if len(h) != g.dim+1 {
		return math.Inf(-1)
	}

	for _, hv := range h {
		if hv <= 0 || math.IsNaN(hv) {
			return math.Inf(-1)
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.x) < 2 {
		return 0
	}

	var ll float64

	for i := range g.x {
		mean, variance := g.posteriorAt(g.x[i], h, i)
		s2 := variance + g.v[i] + 1e-9
		r := g.y[i] - mean
		ll -= r*r/(2*s2) + 0.5*math.Log(s2)
	}

	return ll
}

// noiseFloor is the variance floor used by the entropy queries.
const noiseFloor = 1e-9

// gram builds the kernel Gram matrix of the query points plus a diagonal
// noise-scaled identity. Caller holds at least a read lock.
func (g *GP) gram(x [][]float64) [][]float64 {
	n := len(x)

	k := make([][]float64, n)
	for i := range k {
		k[i] = make([]float64, n)
		for j := range k[i] {
			k[i][j] = kernel(x[i], x[j], g.hyps) / noiseFloor
		}

		k[i][i] += 1.0
	}

	return k
}

// RelativeInformationEntropy returns the joint entropy reduction achieved by
// measuring all query points at once.
func (g *GP) RelativeInformationEntropy(x, xOut [][]float64) (float64, error) {
	xa, err := crossAugment(x, xOut, g.dim)
	if err != nil {
		return 0, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	ld, ok := logDet(g.gram(xa))
	if !ok {
		return 0, fmt.Errorf("%w: entropy query produced a non positive definite kernel matrix", ErrShape)
	}

	return 0.5 * ld, nil
}

// RelativeInformationEntropySet returns the per-point entropy reduction of
// each query point considered individually.
func (g *GP) RelativeInformationEntropySet(x, xOut [][]float64) ([]float64, error) {
	xa, err := crossAugment(x, xOut, g.dim)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]float64, len(xa))

	for i, p := range xa {
		_, variance := g.posteriorAt(p, g.hyps, -1)
		out[i] = 0.5 * math.Log(1.0+variance/noiseFloor)
	}

	return out, nil
}

// TotalCorrelation returns the redundancy among the query points: the sum of
// their marginal entropies minus their joint entropy.
func (g *GP) TotalCorrelation(x, xOut [][]float64) (float64, error) {
	marginals, err := g.RelativeInformationEntropySet(x, xOut)
	if err != nil {
		return 0, err
	}

	joint, err := g.RelativeInformationEntropy(x, xOut)
	if err != nil {
		return 0, err
	}

	var sum float64
	for _, m := range marginals {
		sum += m
	}

	return sum - joint, nil
}

// crossAugment builds the cross product of input positions and output
// positions, appending each output position to each input position. With no
// output positions it validates the plain input dimensions.
func crossAugment(x, xOut [][]float64, dim int) ([][]float64, error) {
	if xOut == nil {
		for i, p := range x {
			if len(p) != dim {
				return nil, fmt.Errorf("%w: query point %d has dimension %d, want %d", ErrShape, i, len(p), dim)
			}
		}

		return x, nil
	}

	out := make([][]float64, 0, len(x)*len(xOut))

	for _, p := range x {
		for _, o := range xOut {
			row := make([]float64, 0, len(p)+len(o))
			row = append(row, p...)
			row = append(row, o...)

			if len(row) != dim {
				return nil, fmt.Errorf("%w: augmented query point has dimension %d, want %d", ErrShape, len(row), dim)
			}

			out = append(out, row)
		}
	}

	return out, nil
}
