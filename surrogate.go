package ae

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

//////
// Const, vars, types.
//////

// Surrogate is the external surrogate-engine collaborator contract. How a
// posterior is computed is out of scope for this package; the engine only has
// to expose these queries. GP is the built-in reference implementation.
type Surrogate interface {
	// Tell ingests observations. The first dimension of all arrays must
	// match. Not safe to call concurrently with an in-flight asynchronous
	// training update; the update step reconciles first.
	Tell(x [][]float64, y, v []float64, outputPositions [][][]float64) error

	// PosteriorMean returns the predicted value at each query point. Pure
	// given the current hyperparameters and dataset.
	PosteriorMean(x [][]float64) ([]float64, error)

	// PosteriorCovariance returns the predicted variance at each query point.
	PosteriorCovariance(x [][]float64) ([]float64, error)

	// Hyperparameters returns a copy of the current hyperparameter vector.
	Hyperparameters() []float64

	// SetHyperparameters replaces the hyperparameter vector.
	SetHyperparameters(h []float64) error

	// BestObserved returns the best (maximum) observed value so far.
	BestObserved() float64

	// LogLikelihood scores a hyperparameter vector against the current data.
	// Higher is better; training maximizes it over the hyperparameter bounds.
	LogLikelihood(h []float64) float64
}

// MeanGradQuerier is implemented by surrogates that expose posterior mean
// gradients, required by the gradient acquisition kind.
type MeanGradQuerier interface {
	PosteriorMeanGrad(x [][]float64) ([][]float64, error)
}

// EntropyQuerier is implemented by surrogates that expose entropy-reduction
// and total-correlation queries, required by the corresponding acquisition
// kinds.
type EntropyQuerier interface {
	RelativeInformationEntropy(x, xOut [][]float64) (float64, error)
	RelativeInformationEntropySet(x, xOut [][]float64) ([]float64, error)
	TotalCorrelation(x, xOut [][]float64) (float64, error)
}

// trainState is the adapter's training state machine: Idle -> Training ->
// Idle. It is owned by the adapter, never by the loop.
type trainState int

const (
	trainIdle trainState = iota
	trainRunning
)

// TrainingHandle is the owned resource representing an in-flight background
// training. Exactly one may be live at a time; creating a new one requires
// first stopping the previous one.
type TrainingHandle struct {
	id   uuid.UUID
	exec Executor
	task *TaskHandle

	mu     sync.Mutex
	best   []float64
	bestLL float64
	has    bool
}

// ID returns the handle's unique identifier.
func (h *TrainingHandle) ID() uuid.UUID { return h.id }

// publish records an improved hyperparameter estimate.
func (h *TrainingHandle) publish(hyps []float64, ll float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.has || ll > h.bestLL {
		h.best = copyVec(hyps)
		h.bestLL = ll
		h.has = true
	}
}

// Latest returns the best hyperparameter estimate published so far.
func (h *TrainingHandle) Latest() (hyps []float64, ll float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return copyVec(h.best), h.bestLL, h.has
}

// TrainOptions budgets a blocking training run.
type TrainOptions struct {
	// Method selects the training strategy. Default TrainGlobal.
	Method TrainMethod

	// InitHyperparameters optionally seeds the search; the surrogate's
	// current hyperparameters are used when nil.
	InitHyperparameters []float64

	// PopSize is the population for methods with a global component.
	PopSize int

	// Tol is the convergence tolerance.
	Tol float64

	// MaxIter is the iteration budget.
	MaxIter int
}

// AsyncTrainOptions budgets an asynchronous training run.
type AsyncTrainOptions struct {
	InitHyperparameters []float64
	PopSize             int
	Tol                 float64
	MaxIter             int
}

// SurrogateAdapter wraps the surrogate engine and owns its hyperparameter
// training: blocking training, asynchronous training with an owned handle, and
// reconciliation of asynchronously improved hyperparameters.
type SurrogateAdapter struct {
	s         Surrogate
	hypBounds Bounds
	global    GlobalOptimizer
	local     LocalOptimizer
	sampler   Sampler
	log       *slog.Logger

	mu     sync.Mutex
	state  trainState
	handle *TrainingHandle
}

//////
// Factory.
//////

// NewSurrogateAdapter wraps a surrogate engine with the given hyperparameter
// bounds. Optimizer collaborators default to the package's pure-Go
// implementations.
func NewSurrogateAdapter(s Surrogate, hyperparameterBounds Bounds, logger *slog.Logger) (*SurrogateAdapter, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil surrogate", ErrConfiguration)
	}

	if err := hyperparameterBounds.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &SurrogateAdapter{
		s:         s,
		hypBounds: hyperparameterBounds,
		global:    &DifferentialEvolution{},
		local:     &GradientDescent{},
		sampler:   &RandomWalkSampler{},
		log:       logger,
	}, nil
}

//////
// Methods.
//////

// Tell passes observations through to the engine.
func (a *SurrogateAdapter) Tell(x [][]float64, y, v []float64, outputPositions [][][]float64) error {
	return a.s.Tell(x, y, v, outputPositions)
}

// PosteriorMean passes the query through to the engine.
func (a *SurrogateAdapter) PosteriorMean(x [][]float64) ([]float64, error) {
	return a.s.PosteriorMean(x)
}

// PosteriorCovariance passes the query through to the engine.
func (a *SurrogateAdapter) PosteriorCovariance(x [][]float64) ([]float64, error) {
	return a.s.PosteriorCovariance(x)
}

// Hyperparameters returns the engine's current hyperparameter vector.
func (a *SurrogateAdapter) Hyperparameters() []float64 {
	return a.s.Hyperparameters()
}

// Surrogate returns the wrapped engine, for acquisition evaluation.
func (a *SurrogateAdapter) Surrogate() Surrogate { return a.s }

// InProgress reports whether an asynchronous training is live.
func (a *SurrogateAdapter) InProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state == trainRunning
}

// negLL is the training objective: the negated log likelihood, minimized by
// the optimizer collaborators.
func (a *SurrogateAdapter) negLL(h []float64) (float64, error) {
	return -a.s.LogLikelihood(h), nil
}

// negLLValue evaluates an objective, discarding the impossible error case of
// a likelihood query.
func negLLValue(f Objective, h []float64) float64 {
	v, _ := f(h)

	return v
}

// Train optimizes the hyperparameters under the given method, blocking until
// the optimization completes, and on success replaces the engine's
// hyperparameter vector in place. Illegal while an asynchronous training is in
// progress; stop it first.
func (a *SurrogateAdapter) Train(ctx context.Context, opts TrainOptions) error {
	a.mu.Lock()
	if a.state == trainRunning {
		a.mu.Unlock()

		return ErrTrainingInProgress
	}
	a.mu.Unlock()

	init := opts.InitHyperparameters
	if init == nil {
		init = a.s.Hyperparameters()
	}

	var (
		best []float64
		err  error
	)

	switch opts.Method {
	case TrainGlobal:
		best, _, err = a.global.Minimize(ctx, batchOf(a.negLL), a.hypBounds, GlobalOptions{
			PopSize: opts.PopSize,
			MaxIter: opts.MaxIter,
			Tol:     opts.Tol,
		})

	case TrainLocal:
		var converged bool

		best, _, converged, err = a.local.Minimize(ctx, a.negLL, nil, init, a.hypBounds, LocalOptions{
			MaxIter: opts.MaxIter,
			Tol:     opts.Tol,
		})
		if err == nil && !converged {
			a.log.Warn("local hyperparameter training did not converge, keeping best iterate", "method", opts.Method.String())
		}

	case TrainMCMC:
		best, _, err = a.sampler.Sample(ctx, a.negLL, a.hypBounds, opts.MaxIter)

	default:
		return fmt.Errorf("%w: unknown training method %d", ErrConfiguration, int(opts.Method))
	}

	if err != nil {
		return err
	}

	if err := a.s.SetHyperparameters(best); err != nil {
		return err
	}

	a.log.Info("hyperparameters retrained", "method", opts.Method.String(), "hyperparameters", best)

	return nil
}

// TrainAsync starts a background hyperparameter optimization on the executor
// and returns its handle. Starting a new one while one is in progress is
// illegal: callers must StopTraining first.
func (a *SurrogateAdapter) TrainAsync(ctx context.Context, exec Executor, opts AsyncTrainOptions) (*TrainingHandle, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: asynchronous training requires an executor", ErrConfiguration)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == trainRunning {
		return nil, ErrTrainingInProgress
	}

	init := opts.InitHyperparameters
	if init == nil {
		init = a.s.Hyperparameters()
	}

	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = 10000
	}

	handle := &TrainingHandle{id: uuid.New(), exec: exec}

	// The task alternates short global exploration bursts with local
	// refinement from the incumbent, publishing every improvement. Fresh
	// optimizer instances keep the task free of shared state.
	hypBounds := a.hypBounds
	negLL := a.negLL

	task, err := exec.Submit("train-async", func(tctx context.Context) {
		global := &DifferentialEvolution{Rand: rand.New(rand.NewSource(int64(handle.id.ID())))}
		local := &GradientDescent{}

		handle.publish(init, -negLLValue(negLL, init))

		for epoch := 0; epoch < maxIter; epoch++ {
			if tctx.Err() != nil {
				return
			}

			gx, gf, err := global.Minimize(tctx, batchOf(negLL), hypBounds, GlobalOptions{
				PopSize: opts.PopSize,
				MaxIter: 5,
				Tol:     opts.Tol,
			})
			if err != nil {
				return
			}

			handle.publish(gx, -gf)

			lx, lf, _, err := local.Minimize(tctx, negLL, nil, gx, hypBounds, LocalOptions{
				MaxIter: 20,
				Tol:     opts.Tol,
			})
			if err != nil {
				return
			}

			handle.publish(lx, -lf)
		}
	})
	if err != nil {
		return nil, err
	}

	handle.task = task
	a.handle = handle
	a.state = trainRunning

	a.log.Info("asynchronous training started", "handle", handle.id)

	return handle, nil
}

// StopTraining cancels the outstanding background training and clears the
// in-progress state. Idempotent: with nothing in progress it logs and
// succeeds.
func (a *SurrogateAdapter) StopTraining() error {
	a.mu.Lock()
	handle := a.handle
	a.handle = nil
	a.state = trainIdle
	a.mu.Unlock()

	if handle == nil {
		a.log.Info("no training to stop")

		return nil
	}

	if err := handle.exec.Cancel(handle.task); err != nil {
		return err
	}

	a.log.Info("asynchronous training stopped", "handle", handle.id)

	return nil
}

// UpdateHyperparameters polls the live training handle for an improved
// estimate and atomically swaps it into the engine when it beats the current
// likelihood. With no training in progress it warns and returns the current
// vector unchanged.
func (a *SurrogateAdapter) UpdateHyperparameters() []float64 {
	a.mu.Lock()
	handle := a.handle
	a.mu.Unlock()

	if handle == nil {
		a.log.Warn("no asynchronous training in progress, hyperparameters not updated")

		return a.s.Hyperparameters()
	}

	hyps, ll, ok := handle.Latest()
	if !ok {
		a.log.Info("asynchronous training has not published an estimate yet")

		return a.s.Hyperparameters()
	}

	current := a.s.Hyperparameters()
	if ll > a.s.LogLikelihood(current) {
		if err := a.s.SetHyperparameters(hyps); err != nil {
			a.log.Warn("rejected asynchronously trained hyperparameters", "error", err)

			return current
		}

		a.log.Info("hyperparameters updated from asynchronous training", "log_likelihood", ll)

		return hyps
	}

	return current
}
