package ae

import (
	"context"
	"fmt"
	"time"
)

//////
// Const, vars, types.
//////

// Bounds describes a bounded box in the input space as one [min, max] pair per
// dimension. The dimensionality D of a dataset is fixed by its bounds for the
// lifetime of the dataset.
type Bounds [][2]float64

// Dim returns the dimensionality of the box.
func (b Bounds) Dim() int { return len(b) }

// Contains reports whether x lies inside the box (inclusive on both ends).
func (b Bounds) Contains(x []float64) bool {
	if len(x) != len(b) {
		return false
	}

	for i, r := range b {
		if x[i] < r[0] || x[i] > r[1] {
			return false
		}
	}

	return true
}

// Validate returns ErrConfiguration if the box is empty or any range is
// inverted.
func (b Bounds) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty bounds", ErrConfiguration)
	}

	for i, r := range b {
		if r[1] < r[0] {
			return fmt.Errorf("%w: bounds dimension %d has min %v > max %v", ErrConfiguration, i, r[0], r[1])
		}
	}

	return nil
}

// Record is a single measurement: a position in the input space plus the value
// and noise variance reported by the instrument, along with bookkeeping fields
// used by the loop. Unfilled records (suggestions not yet measured) have
// Measured == false.
type Record struct {
	// Position is the measurement position. Its length is the dataset
	// dimensionality D and never changes.
	Position []float64 `json:"position"`

	// Value is the measured scalar response. Meaningless until Measured.
	Value float64 `json:"value"`

	// Variance is the noise variance of the measurement. Meaningless until
	// Measured.
	Variance float64 `json:"variance"`

	// OutputPositions optionally locates each output of a vector-valued
	// measurement in the output space.
	OutputPositions [][]float64 `json:"output_positions,omitempty"`

	// Measured reports whether the instrument has filled in Value/Variance.
	Measured bool `json:"measured"`

	// Time is the instant the record was created.
	Time time.Time `json:"time"`

	// Cost is the cost of acquiring this measurement, as reported by the
	// instrument or the cost function. Zero when unknown.
	Cost float64 `json:"cost"`

	// Hyperparameters snapshots the surrogate's hyperparameter vector at the
	// time the position was suggested.
	Hyperparameters []float64 `json:"hyperparameters,omitempty"`

	// PosteriorStd snapshots the surrogate's posterior standard deviation at
	// the suggested position.
	PosteriorStd float64 `json:"posterior_std,omitempty"`
}

// Instrument performs measurements: it receives unfilled records and returns a
// same-length sequence with Value/Variance populated and Measured set. A hard
// instrument failure is propagated uncaught; the loop exits with it.
type Instrument func(ctx context.Context, records []Record) ([]Record, error)

// CostFunc encodes the cost of motion through the input space: origin is the
// current position, x the k candidate destinations, and params an opaque
// parameter object. It returns one positive cost per candidate; acquisition
// scores are divided by these costs.
type CostFunc func(origin []float64, x [][]float64, params any) []float64

// CostUpdateFunc updates the cost-function parameters from the costs
// accumulated so far. It returns the new parameter object.
type CostUpdateFunc func(costs []float64, bounds Bounds, params any) any

// Method selects the acquisition-optimization strategy for a single Ask call.
type Method int

const (
	// MethodGlobal runs a population-based search over the bounded box and
	// returns exactly one maximizer.
	MethodGlobal Method = iota

	// MethodLocal runs a gradient-based descent from a starting point.
	MethodLocal

	// MethodHybrid launches a distributed global-local search, blocks, and
	// returns up to k distinct optima.
	MethodHybrid

	// MethodHybridAsync launches the distributed search and returns a handle
	// immediately instead of blocking.
	MethodHybridAsync

	// MethodCandidate scores a fixed finite candidate set and returns the best
	// k entries.
	MethodCandidate
)

// String returns the method tag.
func (m Method) String() string {
	switch m {
	case MethodGlobal:
		return "global"
	case MethodLocal:
		return "local"
	case MethodHybrid:
		return "hybrid"
	case MethodHybridAsync:
		return "hybrid-async"
	case MethodCandidate:
		return "candidate"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// TrainMethod selects the hyperparameter-training strategy for a Train call.
type TrainMethod int

const (
	// TrainGlobal runs a differential-evolution style global search over the
	// hyperparameter bounds.
	TrainGlobal TrainMethod = iota

	// TrainLocal runs a gradient-based local search from the current
	// hyperparameters.
	TrainLocal

	// TrainMCMC runs a random-walk sampler over the hyperparameter bounds and
	// keeps the best sample.
	TrainMCMC
)

// String returns the training method tag.
func (m TrainMethod) String() string {
	switch m {
	case TrainGlobal:
		return "global"
	case TrainLocal:
		return "local"
	case TrainMCMC:
		return "mcmc"
	default:
		return fmt.Sprintf("train-method(%d)", int(m))
	}
}

// Objective is a scalar function of a single position, minimized by the local
// optimizer collaborators.
type Objective func(x []float64) (float64, error)

// BatchObjective evaluates the objective at a batch of positions at once,
// enabling vectorized population-based search.
type BatchObjective func(x [][]float64) ([]float64, error)

// GradientFunc returns the gradient of an objective at x.
type GradientFunc func(x []float64) ([]float64, error)

// Optimum is a single local optimum found by an optimizer: a position and the
// objective value there (lower is better; objectives are negated acquisition
// scores).
type Optimum struct {
	X []float64
	F float64
}

// Result is the outcome of one dispatcher call: Positions is always a 2-D k x D
// structure and Scores a parallel 1-D structure of length k, regardless of the
// method used. Scores are the minimized objective values (negated, cost-divided
// acquisition goodness), so lower is better. Run is non-nil only for the
// asynchronous hybrid method.
type Result struct {
	Positions [][]float64
	Scores    []float64
	Run       *HybridRun
}

//////
// Optimizer collaborators.
//
// The internal mechanics of the numerical optimizers are out of scope for this
// package: they are injected behind these interfaces. Default pure-Go
// implementations live in defaultopt.go.
//////

// GlobalOptions budgets a global-optimizer run.
type GlobalOptions struct {
	PopSize int
	MaxIter int
	Tol     float64
}

// GlobalOptimizer minimizes a batch objective over a bounded box using a
// population-based method.
type GlobalOptimizer interface {
	Minimize(ctx context.Context, f BatchObjective, bounds Bounds, opts GlobalOptions) (x []float64, fx float64, err error)
}

// LocalOptions budgets a local-optimizer run.
type LocalOptions struct {
	MaxIter int
	Tol     float64
}

// LocalOptimizer minimizes an objective from a starting point using a
// gradient-based method. It reports converged == false when it ran out of
// budget or stalled; the caller decides how to recover.
type LocalOptimizer interface {
	Minimize(ctx context.Context, f Objective, grad GradientFunc, x0 []float64, bounds Bounds, opts LocalOptions) (x []float64, fx float64, converged bool, err error)
}

// HybridOptions budgets a hybrid global-local run.
type HybridOptions struct {
	MaxIter int
	Tol     float64
	X0      []float64

	// Starts is the number of local refinement tasks to launch. Zero means a
	// default derived from the dimensionality.
	Starts int
}

// HybridOptimizer launches a population-based global exploration combined with
// per-basin local refinement across an execution backend, returning a handle to
// the in-flight run.
type HybridOptimizer interface {
	Start(ctx context.Context, exec Executor, f Objective, grad GradientFunc, bounds Bounds, opts HybridOptions) (*HybridRun, error)
}

// Sampler draws from an objective landscape, used for MCMC-style training.
type Sampler interface {
	Sample(ctx context.Context, f Objective, bounds Bounds, maxIter int) (x []float64, fx float64, err error)
}
