package ae

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

//////
// Const, vars, types.
//////

// Config assembles an Experimenter. Exactly one source of initial data must
// be provided: InitDatasetSize (random positions measured by the instrument),
// X/Y arrays, InitRecords, or DatasetFile.
type Config struct {
	// Bounds describes the input space. Required.
	Bounds Bounds

	// Surrogate is the surrogate engine collaborator. When nil, a built-in
	// GP engine is constructed from Hyperparameters.
	Surrogate Surrogate

	// Hyperparameters seeds the surrogate. Required for the built-in engine
	// unless recovered from DatasetFile.
	Hyperparameters []float64

	// HyperparameterBounds bound the training search. When nil, wide default
	// bounds of [1e-3, 1e3] per hyperparameter are used.
	HyperparameterBounds Bounds

	// Instrument performs measurements. Required unless the initial data is
	// fully measured and the loop is never run.
	Instrument Instrument

	// InitDatasetSize, when positive, constructs the initial dataset from
	// this many uniformly random positions, measured immediately.
	InitDatasetSize int

	// X, Y, V, VP provide initial data as parallel arrays. With Y nil the
	// positions are measured by the instrument first.
	X  [][]float64
	Y  []float64
	V  []float64
	VP [][][]float64

	// InitRecords provides initial data as records. Unmeasured records are
	// measured by the instrument first.
	InitRecords []Record

	// DatasetFile initializes the dataset from a previous checkpoint. When
	// Hyperparameters is nil they are recovered from the last record.
	DatasetFile string

	// Acquisition selects the scoring strategy. Default is the variance kind.
	Acquisition Acquisition

	// Cost, CostUpdate, and CostParams configure cost-aware scoring.
	Cost       CostFunc
	CostUpdate CostUpdateFunc
	CostParams any

	// CommunicateFullDataset hands the instrument the full accumulated
	// dataset each iteration instead of only the new records.
	CommunicateFullDataset bool

	// RunEveryIteration is an optional hook invoked at the end of each
	// iteration with the controller.
	RunEveryIteration func(*Experimenter)

	// TrainingExecutor and AcquisitionExecutor are injected backend clients,
	// one per role. Missing ones are created lazily by ExecutorFactory on
	// first need.
	TrainingExecutor    Executor
	AcquisitionExecutor Executor

	// ExecutorFactory creates backend clients on demand. Default is
	// NewLocalExecutor.
	ExecutorFactory func() Executor

	// Logger receives the loop's progress output. Default slog.Default().
	Logger *slog.Logger

	// Metrics optionally registers the loop's Prometheus collectors.
	Metrics prometheus.Registerer

	// Rand is the randomness source for initial sampling and optimizer
	// seeding. A time-seeded source is used when nil.
	Rand *rand.Rand
}

// RunOptions budgets one Go run.
type RunOptions struct {
	// N stops the loop once this many measurements exist. Zero means no
	// measurement target.
	N int

	// BreakingError stops the loop once the uncertainty estimate falls below
	// it. Default 1e-50.
	BreakingError float64

	// RetrainGloballyAt, RetrainLocallyAt, and RetrainAsyncAt are the
	// measurement-count retrain schedules. Nil global/local schedules get the
	// defaults {20, 50, 100, 400, 1000} and {20, 40, 60, 80, 100, 200, 400,
	// 1000}; pass an empty slice to disable one explicitly.
	RetrainGloballyAt []int
	RetrainLocallyAt  []int
	RetrainAsyncAt    []int

	// UpdateCostAt lists iteration indices at which accumulated costs are
	// pushed to the cost-update function.
	UpdateCostAt []int

	// MethodForIteration maps the iteration index to the acquisition
	// optimization method. Default: always MethodGlobal.
	MethodForIteration func(i int) Method

	// NumberOfSuggestedMeasurements is the batch size k. Values above one
	// require MethodForIteration to return MethodHybrid. Default 1.
	NumberOfSuggestedMeasurements int

	// TrainingMaxIter, TrainingPopSize, and TrainingTol budget retraining.
	// Defaults 20, 10, 1e-6.
	TrainingMaxIter int
	TrainingPopSize int
	TrainingTol     float64

	// AcqMaxIter, AcqPopSize, and AcqTol budget the acquisition
	// optimization. Defaults 20, 20, 1e-6.
	AcqMaxIter int
	AcqPopSize int
	AcqTol     float64

	// AcqTolAdjust shrinks the acquisition tolerance each iteration to this
	// fraction of the best score's magnitude. Zero means the default 0.1;
	// negative disables adjustment.
	AcqTolAdjust float64

	// CheckpointPath, when set, persists the full dataset each iteration,
	// overwriting the previous checkpoint. A write failure aborts the loop.
	CheckpointPath string

	// BreakCondition stops the loop when it returns true.
	BreakCondition func(*Experimenter) bool
}

// Experimenter is the autonomous loop controller: a single-threaded
// cooperative driver repeating ask -> instrument -> tell -> retrain ->
// checkpoint -> break-check until a terminal condition.
type Experimenter struct {
	cfg        Config
	log        *slog.Logger
	rng        *rand.Rand
	data       *Dataset
	adapter    *SurrogateAdapter
	dispatcher *Dispatcher
	metrics    *loopMetrics
	sched      TrainingScheduler

	trainingExec Executor
	acqExec      Executor
	owned        []Executor

	costParams  any
	iteration   int
	uncertainty float64
}

//////
// Factory.
//////

// New assembles an Experimenter and builds its initial dataset, calling the
// instrument immediately when the configured initial data is unmeasured.
func New(ctx context.Context, cfg Config) (*Experimenter, error) {
	if err := cfg.Bounds.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	data, err := NewDataset(cfg.Bounds, logger)
	if err != nil {
		return nil, err
	}

	e := &Experimenter{
		cfg:        cfg,
		log:        logger,
		rng:        rng,
		data:       data,
		metrics:    newLoopMetrics(cfg.Metrics),
		costParams: cfg.CostParams,
	}

	hyps := cfg.Hyperparameters

	if hyps, err = e.initData(ctx, hyps); err != nil {
		return nil, err
	}

	s := cfg.Surrogate
	if s == nil {
		if s, err = e.defaultSurrogate(hyps); err != nil {
			return nil, err
		}
	} else if hyps != nil {
		if err := s.SetHyperparameters(hyps); err != nil {
			return nil, err
		}
	}

	hypBounds := cfg.HyperparameterBounds
	if hypBounds == nil {
		hypBounds = make(Bounds, len(s.Hyperparameters()))
		for i := range hypBounds {
			hypBounds[i] = [2]float64{1e-3, 1e3}
		}
	}

	if e.adapter, err = NewSurrogateAdapter(s, hypBounds, logger); err != nil {
		return nil, err
	}

	if err := e.tell(); err != nil {
		return nil, err
	}

	if e.dispatcher, err = NewDispatcher(s, logger); err != nil {
		return nil, err
	}

	e.dispatcher.Rand = rng

	logger.Info("autonomous experimenter initialized", "measurements", e.data.Len(), "dimensions", cfg.Bounds.Dim())

	return e, nil
}

//////
// Accessors for hooks.
//////

// Data returns the dataset manager.
func (e *Experimenter) Data() *Dataset { return e.data }

// Adapter returns the surrogate model adapter.
func (e *Experimenter) Adapter() *SurrogateAdapter { return e.adapter }

// Iteration returns the current iteration index.
func (e *Experimenter) Iteration() int { return e.iteration }

// Uncertainty returns the loop's current convergence signal: the maximum
// posterior standard deviation at the latest suggested positions.
func (e *Experimenter) Uncertainty() float64 { return e.uncertainty }

//////
// Initialization.
//////

// initData builds the initial dataset from whichever source the configuration
// provides and returns the (possibly recovered) hyperparameters.
func (e *Experimenter) initData(ctx context.Context, hyps []float64) ([]float64, error) {
	cfg := e.cfg

	switch {
	case cfg.DatasetFile != "":
		recs, err := ReadCheckpoint(cfg.DatasetFile)
		if err != nil {
			return nil, err
		}

		if err := e.data.InjectRecords(recs); err != nil {
			return nil, err
		}

		if hyps == nil && len(recs) > 0 {
			hyps = copyVec(recs[len(recs)-1].Hyperparameters)
		}

	case cfg.InitRecords != nil:
		recs := cfg.InitRecords

		if unmeasured(recs) {
			var err error
			if recs, err = e.measure(ctx, recs); err != nil {
				return nil, err
			}
		}

		if err := e.data.InjectRecords(recs); err != nil {
			return nil, err
		}

	case cfg.X != nil:
		recs, err := e.data.InjectArrays(cfg.X, cfg.Y, cfg.V, cfg.VP)
		if err != nil {
			return nil, err
		}

		if cfg.Y == nil {
			if recs, err = e.measure(ctx, recs); err != nil {
				return nil, err
			}
		}

		if err := e.data.InjectRecords(recs); err != nil {
			return nil, err
		}

	case cfg.InitDatasetSize > 0:
		recs, err := e.measure(ctx, e.data.CreateRandom(cfg.InitDatasetSize, e.rng))
		if err != nil {
			return nil, err
		}

		if err := e.data.InjectRecords(recs); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: provide an initial dataset size, initial data, or a dataset file", ErrConfiguration)
	}

	if err := e.cleanIncoming(); err != nil {
		return nil, err
	}

	if e.data.Len() == 0 {
		return nil, fmt.Errorf("%w: no valid measurements after cleaning", ErrDataValidation)
	}

	return hyps, nil
}

// measure invokes the instrument collaborator. Instrument failures are
// propagated; recovering them is out of scope.
func (e *Experimenter) measure(ctx context.Context, recs []Record) ([]Record, error) {
	if e.cfg.Instrument == nil {
		return nil, fmt.Errorf("%w: an instrument function is required to measure data", ErrConfiguration)
	}

	e.log.Info("sending request to instrument", "records", len(recs))

	out, err := e.cfg.Instrument(ctx, recs)
	if err != nil {
		return nil, errors.Wrap(err, "instrument")
	}

	if len(out) != len(recs) {
		return nil, fmt.Errorf("%w: instrument returned %d records for %d requests", ErrShape, len(out), len(recs))
	}

	return out, nil
}

// defaultSurrogate builds the built-in GP engine, sizing its input dimension
// for output-position augmentation when the dataset is multi-output.
func (e *Experimenter) defaultSurrogate(hyps []float64) (Surrogate, error) {
	dim := e.data.Dim()

	if recs := e.data.Records(); len(recs) > 0 && recs[len(recs)-1].OutputPositions != nil {
		dim += len(recs[len(recs)-1].OutputPositions[0])
	}

	if hyps == nil {
		return nil, fmt.Errorf("%w: the built-in surrogate requires initial hyperparameters", ErrConfiguration)
	}

	return NewGP(dim, hyps)
}

// cleanIncoming validates the dataset and recovers NaN records via cleaning.
func (e *Experimenter) cleanIncoming() error {
	if err := e.data.Validate(); err != nil {
		return err
	}

	if e.data.HasNaN() {
		removed, err := e.data.CleanNaN()
		if err != nil {
			return err
		}

		if removed > 0 {
			e.metrics.recovered.Add(float64(removed))
		}
	}

	return nil
}

// tell communicates the dataset's current arrays to the surrogate.
func (e *Experimenter) tell() error {
	x, y, v, _, _, vp := e.data.Extract()

	return e.adapter.Tell(x, y, v, vp)
}

//////
// The loop.
//////

// Go starts the autonomous data-acquisition loop and blocks until a terminal
// condition: the uncertainty estimate falls below the breaking error, the
// break condition returns true, the measurement target N is reached, or a
// fatal error occurs. Owned backend clients are torn down best-effort on
// every exit path.
func (e *Experimenter) Go(ctx context.Context, opts RunOptions) error {
	opts = withRunDefaults(opts)

	e.sched = TrainingScheduler{
		AsyncAt:  opts.RetrainAsyncAt,
		GlobalAt: opts.RetrainGloballyAt,
		LocalAt:  opts.RetrainLocallyAt,
	}

	defer e.shutdown()

	start := time.Now()
	e.log.Info("starting the autonomous loop")

	acqTol := opts.AcqTol

	i := 0
	n := e.data.Len()

	for n < opts.N {
		e.iteration = i

		e.log.Info("loop iteration",
			"iteration", i,
			"run_time", time.Since(start).String(),
			"measurements", n,
			"hyperparameters", e.adapter.Hyperparameters())

		method := opts.MethodForIteration(i)
		k := opts.NumberOfSuggestedMeasurements

		if k > 1 && method != MethodHybrid {
			return fmt.Errorf("%w: %d suggested measurements require MethodHybrid, iteration %d requested %q",
				ErrConfiguration, k, i, method)
		}

		res, err := e.ask(ctx, method, k, acqTol, opts)
		if err != nil {
			return errors.Wrap(err, "acquisition optimization")
		}

		stds, err := e.posteriorStd(res.Positions)
		if err != nil {
			return err
		}

		e.uncertainty = maxOf(stds)
		e.metrics.uncertainty.Set(e.uncertainty)

		if opts.AcqTolAdjust > 0 {
			acqTol = math.Abs(res.Scores[0]) * opts.AcqTolAdjust
			e.log.Info("acquisition optimization tolerance adjusted", "tolerance", acqTol)
		}

		e.log.Info("next points requested", "positions", res.Positions)

		if err := e.acquire(ctx, res.Positions, stds); err != nil {
			return err
		}

		if err := e.tell(); err != nil {
			return err
		}

		if err := e.retrain(ctx, n, opts); err != nil {
			return err
		}

		if e.cfg.RunEveryIteration != nil {
			e.cfg.RunEveryIteration(e)
		}

		if opts.CheckpointPath != "" {
			if err := WriteCheckpoint(opts.CheckpointPath, e.data.Records()); err != nil {
				return err
			}
		}

		if anyInRange(opts.UpdateCostAt, i, i+1) && e.cfg.CostUpdate != nil {
			_, _, _, _, costs, _ := e.data.Extract()
			e.costParams = e.cfg.CostUpdate(costs, e.cfg.Bounds, e.costParams)
			e.log.Info("cost function parameters updated")
		}

		e.metrics.iterations.Inc()
		e.metrics.measurements.Set(float64(e.data.Len()))

		if e.uncertainty < opts.BreakingError {
			e.log.Info("breaking error reached", "uncertainty", e.uncertainty)

			break
		}

		if opts.BreakCondition != nil && opts.BreakCondition(e) {
			e.log.Info("break condition satisfied")

			break
		}

		i++
		n = e.data.Len()
	}

	e.log.Info("the autonomous experiment concluded", "measurements", e.data.Len(), "iterations", i)

	return nil
}

// ask invokes the dispatcher for this iteration's candidates.
func (e *Experimenter) ask(ctx context.Context, method Method, k int, acqTol float64, opts RunOptions) (*Result, error) {
	if method == MethodHybridAsync {
		return nil, fmt.Errorf("%w: the autonomous loop drives synchronous acquisition methods only, got %q",
			ErrConfiguration, method)
	}

	var exec Executor
	if method == MethodHybrid {
		exec = e.acquisitionExecutor()
	}

	return e.dispatcher.Ask(ctx, AskOptions{
		Bounds:      e.cfg.Bounds,
		Position:    e.data.LastPosition(),
		N:           k,
		Acquisition: e.cfg.Acquisition,
		Method:      method,
		PopSize:     opts.AcqPopSize,
		MaxIter:     opts.AcqMaxIter,
		Tol:         acqTol,
		XOut:        e.lastOutputPositions(),
		Cost:        e.cfg.Cost,
		CostParams:  e.costParams,
		Executor:    exec,
	})
}

// posteriorStd computes the posterior standard deviation at the candidates,
// augmenting with the output positions for multi-output datasets. Its maximum
// is the loop's convergence signal.
func (e *Experimenter) posteriorStd(positions [][]float64) ([]float64, error) {
	query := positions

	if vp := e.lastOutputPositions(); vp != nil {
		var err error
		if query, err = crossPositions(positions, vp); err != nil {
			return nil, err
		}
	}

	variances, err := e.adapter.PosteriorCovariance(query)
	if err != nil {
		return nil, err
	}

	// For multi-output queries keep the worst output per candidate.
	per := len(variances) / len(positions)

	stds := make([]float64, len(positions))
	for i := range positions {
		worst := 0.0
		for j := 0; j < per; j++ {
			worst = math.Max(worst, variances[i*per+j])
		}

		stds[i] = math.Sqrt(worst)
	}

	return stds, nil
}

// lastOutputPositions returns the output positions of the most recent record,
// or nil for single-output datasets.
func (e *Experimenter) lastOutputPositions() [][]float64 {
	recs := e.data.Records()
	if len(recs) == 0 {
		return nil
	}

	return recs[len(recs)-1].OutputPositions
}

// acquire builds unfilled records for the candidates, measures them, and
// merges the cleaned results into the dataset.
func (e *Experimenter) acquire(ctx context.Context, positions [][]float64, stds []float64) error {
	newRecs, err := e.data.NewRecordsAt(positions, e.adapter.Hyperparameters(), stds)
	if err != nil {
		return err
	}

	if vp := e.lastOutputPositions(); vp != nil {
		for i := range newRecs {
			newRecs[i].OutputPositions = copyMatrix(vp)
		}
	}

	if e.cfg.CommunicateFullDataset {
		measured, err := e.measure(ctx, append(e.data.Records(), newRecs...))
		if err != nil {
			return err
		}

		if err := e.data.SetRecords(measured); err != nil {
			return err
		}
	} else {
		measured, err := e.measure(ctx, newRecs)
		if err != nil {
			return err
		}

		if err := e.data.InjectRecords(measured); err != nil {
			return err
		}
	}

	return e.cleanIncoming()
}

// retrain runs the training scheduler step for the interval of measurement
// counts that arrived this iteration.
func (e *Experimenter) retrain(ctx context.Context, before int, opts RunOptions) error {
	action := e.sched.Decide(before, e.data.Len())

	switch action {
	case ActionAsync:
		if err := e.adapter.StopTraining(); err != nil {
			return err
		}

		e.log.Info("starting a new asynchronous training")

		_, err := e.adapter.TrainAsync(ctx, e.trainingExecutor(), AsyncTrainOptions{
			PopSize: opts.TrainingPopSize,
			Tol:     opts.TrainingTol,
			MaxIter: opts.TrainingMaxIter,
		})
		if err != nil {
			return err
		}

		e.metrics.retrainings.WithLabelValues(action.String()).Inc()

	case ActionGlobal, ActionLocal:
		if err := e.adapter.StopTraining(); err != nil {
			return err
		}

		method := TrainGlobal
		if action == ActionLocal {
			method = TrainLocal
		}

		e.log.Info("fresh hyperparameter optimization from scratch", "method", method.String())

		if err := e.adapter.Train(ctx, TrainOptions{
			Method:  method,
			PopSize: opts.TrainingPopSize,
			Tol:     opts.TrainingTol,
			MaxIter: opts.TrainingMaxIter,
		}); err != nil {
			return err
		}

		e.metrics.retrainings.WithLabelValues(action.String()).Inc()

	default:
		e.adapter.UpdateHyperparameters()
	}

	return nil
}

//////
// Executors.
//////

// newExecutor is the single creation site for lazily constructed backend
// clients. Created clients are owned by the loop and torn down at
// termination.
func (e *Experimenter) newExecutor() Executor {
	var ex Executor
	if e.cfg.ExecutorFactory != nil {
		ex = e.cfg.ExecutorFactory()
	} else {
		ex = NewLocalExecutor(e.log)
	}

	e.owned = append(e.owned, ex)

	return ex
}

// trainingExecutor returns the training-role client, creating it on first
// need.
func (e *Experimenter) trainingExecutor() Executor {
	if e.trainingExec == nil {
		if e.cfg.TrainingExecutor != nil {
			e.trainingExec = e.cfg.TrainingExecutor
			e.owned = append(e.owned, e.trainingExec)
		} else {
			e.trainingExec = e.newExecutor()
		}
	}

	return e.trainingExec
}

// acquisitionExecutor returns the acquisition-optimization-role client,
// creating it on first need.
func (e *Experimenter) acquisitionExecutor() Executor {
	if e.acqExec == nil {
		if e.cfg.AcquisitionExecutor != nil {
			e.acqExec = e.cfg.AcquisitionExecutor
			e.owned = append(e.owned, e.acqExec)
		} else {
			e.acqExec = e.newExecutor()
		}
	}

	return e.acqExec
}

// shutdown stops any outstanding training and closes all backend clients,
// best-effort: close failures are logged and swallowed.
func (e *Experimenter) shutdown() {
	if err := e.adapter.StopTraining(); err != nil {
		e.log.Error("failed to stop asynchronous training during shutdown", "error", err)
	}

	for _, ex := range e.owned {
		if err := ex.Close(); err != nil {
			e.log.Error("failed to close execution backend client", "error", err)
		}
	}

	e.owned = nil
	e.trainingExec = nil
	e.acqExec = nil
}

//////
// Defaults.
//////

// withRunDefaults fills in the run option defaults.
func withRunDefaults(opts RunOptions) RunOptions {
	if opts.N <= 0 {
		opts.N = math.MaxInt
	}

	if opts.BreakingError == 0 {
		opts.BreakingError = 1e-50
	}

	if opts.RetrainGloballyAt == nil {
		opts.RetrainGloballyAt = []int{20, 50, 100, 400, 1000}
	}

	if opts.RetrainLocallyAt == nil {
		opts.RetrainLocallyAt = []int{20, 40, 60, 80, 100, 200, 400, 1000}
	}

	if opts.MethodForIteration == nil {
		opts.MethodForIteration = func(int) Method { return MethodGlobal }
	}

	if opts.NumberOfSuggestedMeasurements <= 0 {
		opts.NumberOfSuggestedMeasurements = 1
	}

	if opts.TrainingMaxIter <= 0 {
		opts.TrainingMaxIter = 20
	}

	if opts.TrainingPopSize <= 0 {
		opts.TrainingPopSize = 10
	}

	if opts.TrainingTol == 0 {
		opts.TrainingTol = 1e-6
	}

	if opts.AcqMaxIter <= 0 {
		opts.AcqMaxIter = 20
	}

	if opts.AcqPopSize <= 0 {
		opts.AcqPopSize = 20
	}

	if opts.AcqTol == 0 {
		opts.AcqTol = 1e-6
	}

	if opts.AcqTolAdjust == 0 {
		opts.AcqTolAdjust = 0.1
	}

	return opts
}

// unmeasured reports whether any record still awaits the instrument.
func unmeasured(recs []Record) bool {
	for _, r := range recs {
		if !r.Measured {
			return true
		}
	}

	return false
}

// maxOf returns the maximum of a non-empty slice.
func maxOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Max(m, x)
	}

	return m
}
