package ae

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

//////
// Const, vars, types.
//////

// AskOptions parameterizes one dispatcher call.
type AskOptions struct {
	// Bounds is the input-space box to search.
	Bounds Bounds

	// Position is the current position, used as the cost-function origin.
	// Nil disables cost-aware scoring.
	Position []float64

	// N is the number of suggested measurements sought. Values above one
	// require the hybrid method. Default 1.
	N int

	// Acquisition selects the scoring strategy.
	Acquisition Acquisition

	// Method selects the optimization strategy.
	Method Method

	// PopSize, MaxIter, and Tol budget the optimizer run.
	PopSize int
	MaxIter int
	Tol     float64

	// X0 optionally seeds the local and hybrid methods; only the first row is
	// used.
	X0 [][]float64

	// Candidates, when non-nil, switches to candidate-set scoring over this
	// explicit discrete set instead of a continuous search.
	Candidates [][]float64

	// XOut are optional output positions for multi-output acquisition.
	XOut [][]float64

	// Cost and CostParams configure cost-aware scoring.
	Cost       CostFunc
	CostParams any

	// Executor runs the hybrid method's distributed tasks. Required for
	// MethodHybrid and MethodHybridAsync.
	Executor Executor
}

// Dispatcher finds the top-k maximizers of the acquisition surface within the
// input-space bounds, using one of several interchangeable optimization
// strategies selected per call.
type Dispatcher struct {
	// Surrogate answers the posterior queries behind the acquisition surface.
	Surrogate Surrogate

	// Global, Local, and Hybrid are the optimizer collaborators. NewDispatcher
	// fills in the package defaults.
	Global GlobalOptimizer
	Local  LocalOptimizer
	Hybrid HybridOptimizer

	// Rand seeds random starting points. A time-seeded source is used when
	// nil.
	Rand *rand.Rand

	// Logger receives progress and recovery messages.
	Logger *slog.Logger
}

//////
// Factory.
//////

// NewDispatcher creates a dispatcher over the given surrogate with the default
// optimizer collaborators.
func NewDispatcher(s Surrogate, logger *slog.Logger) (*Dispatcher, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil surrogate", ErrConfiguration)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		Surrogate: s,
		Global:    &DifferentialEvolution{},
		Local:     &GradientDescent{},
		Hybrid:    &HybridSearch{},
		Logger:    logger,
	}, nil
}

//////
// Methods.
//////

// rng returns the configured or a freshly seeded randomness source.
func (d *Dispatcher) rng() *rand.Rand {
	if d.Rand != nil {
		return d.Rand
	}

	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Ask returns the top-k maximizers of the acquisition surface. Regardless of
// the method, Positions is k x D and Scores has length k (scores are the
// minimized objective: negated, cost-divided goodness — lower is better).
// Requesting more than one candidate with any method other than hybrid is a
// caller error.
func (d *Dispatcher) Ask(ctx context.Context, opts AskOptions) (*Result, error) {
	if err := opts.Bounds.Validate(); err != nil {
		return nil, err
	}

	k := opts.N
	if k <= 0 {
		k = 1
	}

	method := opts.Method
	if opts.Candidates != nil {
		method = MethodCandidate
	}

	if k > 1 && method != MethodHybrid && method != MethodHybridAsync && method != MethodCandidate {
		return nil, fmt.Errorf("%w: %d suggested measurements require the hybrid method, got %q", ErrConfiguration, k, method)
	}

	p := evalParams{
		origin:     opts.Position,
		cost:       opts.Cost,
		costParams: opts.CostParams,
		xOut:       opts.XOut,
	}

	batch := d.batchObjective(opts.Acquisition, p)
	point := func(x []float64) (float64, error) {
		s, err := batch([][]float64{x})
		if err != nil {
			return 0, err
		}

		return s[0], nil
	}

	d.Logger.Info("finding acquisition function maxima",
		"method", method.String(),
		"tolerance", opts.Tol,
		"population", opts.PopSize,
		"max_iterations", opts.MaxIter,
		"n", k)

	var (
		positions [][]float64
		scores    []float64
	)

	switch method {
	case MethodCandidate:
		var err error

		positions, scores, err = d.askCandidates(opts.Candidates, batch, k)
		if err != nil {
			return nil, err
		}

	case MethodGlobal:
		x, fx, err := d.Global.Minimize(ctx, batch, opts.Bounds, GlobalOptions{
			PopSize: opts.PopSize,
			MaxIter: opts.MaxIter,
			Tol:     opts.Tol,
		})
		if err != nil {
			return nil, err
		}

		positions = [][]float64{x}
		scores = []float64{fx}

	case MethodLocal:
		var err error

		positions, scores, err = d.askLocal(ctx, point, opts)
		if err != nil {
			return nil, err
		}

	case MethodHybrid, MethodHybridAsync:
		if opts.Executor == nil {
			return nil, fmt.Errorf("%w: the hybrid method requires an executor", ErrConfiguration)
		}

		var x0 []float64
		if len(opts.X0) > 0 {
			x0 = opts.X0[0]
		}

		run, err := d.Hybrid.Start(ctx, opts.Executor, point, FiniteDifferenceGradient(point, 0), opts.Bounds, HybridOptions{
			MaxIter: opts.MaxIter,
			Tol:     opts.Tol,
			X0:      x0,
		})
		if err != nil {
			return nil, err
		}

		if method == MethodHybridAsync {
			// The caller owns the run now; it must reach CancelTasks.
			return &Result{Run: run}, nil
		}

		positions, scores, err = d.collectHybrid(ctx, run, k)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown acquisition optimization method %d", ErrConfiguration, int(method))
	}

	if err := validateResultShape(positions, scores, opts.Bounds.Dim()); err != nil {
		return nil, err
	}

	return &Result{Positions: positions, Scores: scores}, nil
}

// batchObjective lifts the acquisition evaluation into a batch objective. The
// aggregate kinds score a whole batch jointly, so for them each row is
// evaluated as its own batch of one.
func (d *Dispatcher) batchObjective(acq Acquisition, p evalParams) BatchObjective {
	return func(xs [][]float64) ([]float64, error) {
		if !acq.aggregate() {
			return evaluateAcquisition(xs, acq, d.Surrogate, p)
		}

		out := make([]float64, len(xs))

		for i, x := range xs {
			s, err := evaluateAcquisition([][]float64{x}, acq, d.Surrogate, p)
			if err != nil {
				return nil, err
			}

			out[i] = s[0]
		}

		return out, nil
	}
}

// askCandidates scores a fixed finite candidate set and returns its best k
// entries.
func (d *Dispatcher) askCandidates(candidates [][]float64, batch BatchObjective, k int) ([][]float64, []float64, error) {
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: empty candidate set", ErrConfiguration)
	}

	scores, err := batch(candidates)
	if err != nil {
		return nil, nil, err
	}

	if k > len(candidates) {
		k = len(candidates)
	}

	idx := argSortAsc(scores)

	positions := make([][]float64, k)
	best := make([]float64, k)

	for i := 0; i < k; i++ {
		positions[i] = copyVec(candidates[idx[i]])
		best[i] = scores[idx[i]]
	}

	return positions, best, nil
}

// askLocal runs the gradient-based method from an explicit starting point, the
// first row of a supplied batch, or a uniform-random point in bounds. A
// non-convergent solve is recovered by substituting the starting point itself
// as the candidate.
func (d *Dispatcher) askLocal(ctx context.Context, point Objective, opts AskOptions) ([][]float64, []float64, error) {
	var x0 []float64

	switch {
	case len(opts.X0) > 0:
		x0 = copyVec(opts.X0[0])
	default:
		x0 = uniformIn(d.rng(), opts.Bounds)
	}

	x, fx, converged, err := d.Local.Minimize(ctx, point, FiniteDifferenceGradient(point, 0), x0, opts.Bounds, LocalOptions{
		MaxIter: opts.MaxIter,
		Tol:     opts.Tol,
	})
	if err != nil {
		return nil, nil, err
	}

	if !converged {
		d.Logger.Warn("local acquisition optimization did not converge, falling back to the starting point",
			"error", ErrNonConvergence)

		f0, err := point(x0)
		if err != nil {
			return nil, nil, err
		}

		return [][]float64{x0}, []float64{f0}, nil
	}

	return [][]float64{x}, []float64{fx}, nil
}

// collectHybrid waits for the run, retrieves up to k best distinct optima,
// and cancels the remaining outstanding tasks before returning, success path
// included, so no orphaned work is left on the backend.
func (d *Dispatcher) collectHybrid(ctx context.Context, run *HybridRun, k int) ([][]float64, []float64, error) {
	waitErr := run.Wait(ctx)

	if err := run.CancelTasks(); err != nil {
		d.Logger.Warn("failed to cancel outstanding hybrid tasks", "error", err)
	}

	if waitErr != nil {
		return nil, nil, waitErr
	}

	optima := run.Best(k)
	if len(optima) == 0 {
		return nil, nil, fmt.Errorf("%w: hybrid search produced no optima", ErrNonConvergence)
	}

	if len(optima) < k {
		d.Logger.Warn("hybrid search found fewer distinct optima than requested",
			"requested", k, "found", len(optima))
	}

	positions := make([][]float64, len(optima))
	scores := make([]float64, len(optima))

	for i, o := range optima {
		positions[i] = o.X
		scores[i] = o.F
	}

	return positions, scores, nil
}

// validateResultShape enforces the dispatcher's result contract: positions is
// a 2-D k x D structure and scores a parallel 1-D structure. A violation is
// fatal; the call aborts rather than silently reshaping.
func validateResultShape(positions [][]float64, scores []float64, dim int) error {
	if len(positions) == 0 || len(positions) != len(scores) {
		return fmt.Errorf("%w: optimization produced %d positions and %d scores", ErrShape, len(positions), len(scores))
	}

	for i, p := range positions {
		if len(p) != dim {
			return fmt.Errorf("%w: optimization produced position %d with dimension %d, want %d", ErrShape, i, len(p), dim)
		}
	}

	return nil
}
