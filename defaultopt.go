package ae

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

//////
// Default optimizer collaborators.
//
// These are intentionally small pure-Go implementations sitting behind the
// GlobalOptimizer, LocalOptimizer, HybridOptimizer, and Sampler interfaces.
// The numerical internals are not a contract of this package; inject your own
// implementations for production-scale search.
//////

// DifferentialEvolution is a population-based global minimizer over a bounded
// box with batched objective evaluation.
type DifferentialEvolution struct {
	// Rand is the randomness source. A time-seeded source is used when nil.
	Rand *rand.Rand

	// Weight is the differential weight F. Default 0.8.
	Weight float64

	// Crossover is the crossover probability CR. Default 0.9.
	Crossover float64
}

// rng returns the configured or a freshly seeded randomness source.
func (de *DifferentialEvolution) rng() *rand.Rand {
	if de.Rand != nil {
		return de.Rand
	}

	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Minimize runs the evolution until the population's objective spread falls
// under opts.Tol or the iteration budget is exhausted, whichever comes first.
// Deterministic modulo the configured randomness source.
func (de *DifferentialEvolution) Minimize(ctx context.Context, f BatchObjective, bounds Bounds, opts GlobalOptions) ([]float64, float64, error) {
	rng := de.rng()

	weight := de.Weight
	if weight == 0 {
		weight = 0.8
	}

	crossover := de.Crossover
	if crossover == 0 {
		crossover = 0.9
	}

	n := opts.PopSize
	if n < 4 {
		n = 4
	}

	dim := bounds.Dim()

	pop := make([][]float64, n)
	for i := range pop {
		pop[i] = uniformIn(rng, bounds)
	}

	scores, err := f(pop)
	if err != nil {
		return nil, 0, err
	}

	if len(scores) != n {
		return nil, 0, fmt.Errorf("%w: objective returned %d scores for %d points", ErrShape, len(scores), n)
	}

	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = 100
	}

	for gen := 0; gen < maxIter; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		trials := make([][]float64, n)

		for i := range pop {
			// rand/1/bin mutation.
			a, b, c := rng.Intn(n), rng.Intn(n), rng.Intn(n)
			forced := rng.Intn(dim)

			trial := make([]float64, dim)

			for j := 0; j < dim; j++ {
				if j == forced || rng.Float64() < crossover {
					trial[j] = clampTo(pop[a][j]+weight*(pop[b][j]-pop[c][j]), bounds[j][0], bounds[j][1])
				} else {
					trial[j] = pop[i][j]
				}
			}

			trials[i] = trial
		}

		trialScores, err := f(trials)
		if err != nil {
			return nil, 0, err
		}

		if len(trialScores) != n {
			return nil, 0, fmt.Errorf("%w: objective returned %d scores for %d points", ErrShape, len(trialScores), n)
		}

		for i := range pop {
			if trialScores[i] < scores[i] {
				pop[i] = trials[i]
				scores[i] = trialScores[i]
			}
		}

		lo, hi := scores[0], scores[0]
		for _, s := range scores[1:] {
			lo = math.Min(lo, s)
			hi = math.Max(hi, s)
		}

		if hi-lo <= opts.Tol {
			break
		}
	}

	best := 0
	for i, s := range scores {
		if s < scores[best] {
			best = i
		}
	}

	return copyVec(pop[best]), scores[best], nil
}

// FiniteDifferenceGradient derives a gradient from an objective by forward
// differences with the given step (1e-6 when zero). Used whenever no analytic
// gradient is available.
func FiniteDifferenceGradient(f Objective, eps float64) GradientFunc {
	if eps == 0 {
		eps = 1e-6
	}

	return func(x []float64) ([]float64, error) {
		f0, err := f(x)
		if err != nil {
			return nil, err
		}

		grad := make([]float64, len(x))
		probe := copyVec(x)

		for i := range x {
			probe[i] = x[i] + eps

			fi, err := f(probe)
			if err != nil {
				return nil, err
			}

			probe[i] = x[i]
			grad[i] = (fi - f0) / eps
		}

		return grad, nil
	}
}

// GradientDescent is a projected gradient descent with backtracking step
// control.
type GradientDescent struct {
	// Step is the initial step length. Default 0.1 of the largest bound span.
	Step float64
}

// Minimize descends from x0, clipping iterates to the bounds. It reports
// converged == false when the iteration budget runs out or the step length
// underflows before the improvement per accepted step drops under opts.Tol.
func (gd *GradientDescent) Minimize(ctx context.Context, f Objective, grad GradientFunc, x0 []float64, bounds Bounds, opts LocalOptions) ([]float64, float64, bool, error) {
	if grad == nil {
		grad = FiniteDifferenceGradient(f, 0)
	}

	step := gd.Step
	if step == 0 {
		span := 0.0
		for _, r := range bounds {
			span = math.Max(span, r[1]-r[0])
		}

		step = 0.1 * span
	}

	x := make([]float64, len(x0))
	for i := range x0 {
		x[i] = clampTo(x0[i], bounds[i][0], bounds[i][1])
	}

	fx, err := f(x)
	if err != nil {
		return nil, 0, false, err
	}

	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = 100
	}

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, false, err
		}

		g, err := grad(x)
		if err != nil {
			return nil, 0, false, err
		}

		gnorm := 0.0
		for _, gi := range g {
			gnorm += gi * gi
		}
		gnorm = math.Sqrt(gnorm)

		if gnorm <= opts.Tol {
			return x, fx, true, nil
		}

		// Backtrack until the step improves the objective.
		accepted := false

		for step > 1e-14 {
			cand := make([]float64, len(x))
			for i := range x {
				cand[i] = clampTo(x[i]-step*g[i]/gnorm, bounds[i][0], bounds[i][1])
			}

			fc, err := f(cand)
			if err != nil {
				return nil, 0, false, err
			}

			if fc < fx {
				improvement := fx - fc
				x, fx = cand, fc
				accepted = true
				step *= 1.2

				if improvement <= opts.Tol {
					return x, fx, true, nil
				}

				break
			}

			step *= 0.5
		}

		if !accepted {
			// Stalled against the bounds or a flat region.
			return x, fx, false, nil
		}
	}

	return x, fx, false, nil
}

//////
// Hybrid global-local search.
//////

// HybridSearch combines one population-based exploration task with several
// local refinement tasks, all scheduled on an Executor, and collects the
// distinct local optima they find.
type HybridSearch struct {
	// Global explores the full box. Defaults to DifferentialEvolution.
	Global *DifferentialEvolution

	// Local refines individual basins. Defaults to GradientDescent.
	Local *GradientDescent

	// Rand seeds the refinement starting points.
	Rand *rand.Rand

	// DistinctRadius is the minimum distance between reported optima. Default
	// is 1e-4 of the box diagonal.
	DistinctRadius float64
}

// HybridRun is the owned handle of an in-flight hybrid search. The creator
// must reach CancelTasks on every path, including after successful result
// retrieval, to avoid leaking backend resources.
type HybridRun struct {
	exec   Executor
	radius float64

	mu     sync.Mutex
	tasks  []*TaskHandle
	optima []Optimum
}

// Start launches the exploration and refinement tasks and returns immediately.
func (h *HybridSearch) Start(ctx context.Context, exec Executor, f Objective, grad GradientFunc, bounds Bounds, opts HybridOptions) (*HybridRun, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: hybrid search requires an executor", ErrConfiguration)
	}

	rng := h.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	global := h.Global
	if global == nil {
		// The exploration task runs on its own goroutine while the caller
		// keeps drawing starting points below; *rand.Rand is not safe for
		// concurrent use, so the task gets an independent source seeded here,
		// on the caller goroutine.
		global = &DifferentialEvolution{Rand: rand.New(rand.NewSource(rng.Int63()))}
	}

	local := h.Local
	if local == nil {
		local = &GradientDescent{}
	}

	radius := h.DistinctRadius
	if radius == 0 {
		var diag float64
		for _, r := range bounds {
			d := r[1] - r[0]
			diag += d * d
		}

		radius = 1e-4 * math.Sqrt(diag)
	}

	run := &HybridRun{exec: exec, radius: radius}

	starts := opts.Starts
	if starts <= 0 {
		starts = 2*bounds.Dim() + 2
	}

	lopts := LocalOptions{MaxIter: opts.MaxIter, Tol: opts.Tol}

	// One global exploration task, refined locally from its best point.
	gh, err := exec.Submit("hybrid-global", func(tctx context.Context) {
		x, _, err := global.Minimize(tctx, batchOf(f), bounds, GlobalOptions{
			PopSize: 10 * bounds.Dim(),
			MaxIter: opts.MaxIter,
			Tol:     opts.Tol,
		})
		if err != nil {
			return
		}

		rx, rf, _, err := local.Minimize(tctx, f, grad, x, bounds, lopts)
		if err != nil {
			return
		}

		run.publish(rx, rf)
	})
	if err != nil {
		return nil, err
	}

	run.addTask(gh)

	// Per-basin local refinement tasks from scattered starting points.
	for s := 0; s < starts; s++ {
		x0 := uniformIn(rng, bounds)
		if s == 0 && opts.X0 != nil {
			x0 = copyVec(opts.X0)
		}

		lh, err := exec.Submit(fmt.Sprintf("hybrid-local-%d", s), func(tctx context.Context) {
			x, fx, _, err := local.Minimize(tctx, f, grad, x0, bounds, lopts)
			if err != nil {
				return
			}

			run.publish(x, fx)
		})
		if err != nil {
			// Tear down what was already submitted before reporting.
			_ = run.CancelTasks()

			return nil, err
		}

		run.addTask(lh)
	}

	return run, nil
}

// batchOf lifts a point objective into a sequential batch objective.
func batchOf(f Objective) BatchObjective {
	return func(x [][]float64) ([]float64, error) {
		out := make([]float64, len(x))

		for i, p := range x {
			v, err := f(p)
			if err != nil {
				return nil, err
			}

			out[i] = v
		}

		return out, nil
	}
}

func (r *HybridRun) addTask(h *TaskHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks = append(r.tasks, h)
}

func (r *HybridRun) publish(x []float64, f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.optima = append(r.optima, Optimum{X: copyVec(x), F: f})
}

// Wait blocks until every task of the run has returned or ctx is cancelled.
func (r *HybridRun) Wait(ctx context.Context) error {
	r.mu.Lock()
	tasks := make([]*TaskHandle, len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()

	for _, t := range tasks {
		if err := t.Wait(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Best returns up to k distinct optima, best (lowest objective) first. Optima
// closer than the distinct radius to an already selected one are skipped.
func (r *HybridRun) Best(k int) []Optimum {
	r.mu.Lock()
	defer r.mu.Unlock()

	scores := make([]float64, len(r.optima))
	for i, o := range r.optima {
		scores[i] = o.F
	}

	var out []Optimum

	for _, i := range argSortAsc(scores) {
		cand := r.optima[i]

		distinct := true

		for _, sel := range out {
			if euclidean(cand.X, sel.X) < r.radius {
				distinct = false

				break
			}
		}

		if distinct {
			out = append(out, Optimum{X: copyVec(cand.X), F: cand.F})
			if len(out) == k {
				break
			}
		}
	}

	return out
}

// CancelTasks cancels every outstanding task of the run. It must be called
// after result retrieval even on the success path, so no orphaned work is
// left on the backend.
func (r *HybridRun) CancelTasks() error {
	r.mu.Lock()
	tasks := make([]*TaskHandle, len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()

	var firstErr error

	for _, t := range tasks {
		if err := r.exec.Cancel(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

//////
// MCMC sampler.
//////

// RandomWalkSampler is a Metropolis random-walk minimizer used for the mcmc
// training method: it samples from exp(-f) over the box and keeps the best
// sample seen.
type RandomWalkSampler struct {
	// Rand is the randomness source. A time-seeded source is used when nil.
	Rand *rand.Rand

	// StepFrac is the proposal standard deviation as a fraction of each
	// dimension's span. Default 0.1.
	StepFrac float64
}

// Sample runs the walk for maxIter steps and returns the best position seen.
func (s *RandomWalkSampler) Sample(ctx context.Context, f Objective, bounds Bounds, maxIter int) ([]float64, float64, error) {
	rng := s.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	frac := s.StepFrac
	if frac == 0 {
		frac = 0.1
	}

	if maxIter <= 0 {
		maxIter = 1000
	}

	x := uniformIn(rng, bounds)

	fx, err := f(x)
	if err != nil {
		return nil, 0, err
	}

	bestX, bestF := copyVec(x), fx

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		cand := make([]float64, len(x))
		for j, r := range bounds {
			cand[j] = clampTo(x[j]+rng.NormFloat64()*frac*(r[1]-r[0]), r[0], r[1])
		}

		fc, err := f(cand)
		if err != nil {
			return nil, 0, err
		}

		if fc < fx || rng.Float64() < math.Exp(fx-fc) {
			x, fx = cand, fc
		}

		if fx < bestF {
			bestX, bestF = copyVec(x), fx
		}
	}

	return bestX, bestF, nil
}
