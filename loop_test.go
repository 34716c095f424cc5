package ae

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Bounds:          Bounds{{0, 1}},
		Hyperparameters: []float64{1, 0.5},
		Instrument:      identityInstrument,
		InitDatasetSize: 3,
		Logger:          testLogger(),
		Rand:            testRand(),
	}
}

// fastRun keeps the optimizer budgets small and retraining off, so loop tests
// stay quick.
func fastRun() RunOptions {
	return RunOptions{
		RetrainGloballyAt: []int{},
		RetrainLocallyAt:  []int{},
		AcqPopSize:        8,
		AcqMaxIter:        5,
		TrainingPopSize:   6,
		TrainingMaxIter:   5,
	}
}

func TestNewRequiresInitialData(t *testing.T) {
	cfg := testConfig()
	cfg.InitDatasetSize = 0

	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewRequiresValidBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Bounds = Bounds{{1, 0}}

	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewFromRandomInit(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	assert.Equal(t, 3, e.Data().Len())
	assert.NoError(t, e.Data().Validate())
}

func TestNewFromArrays(t *testing.T) {
	cfg := testConfig()
	cfg.InitDatasetSize = 0
	cfg.X = [][]float64{{0.1}, {0.5}, {0.9}}
	cfg.Y = []float64{0.1, 0.5, 0.9}
	cfg.V = []float64{0.01, 0.01, 0.01}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Data().Len())
}

func TestNewFromArraysMeasuresWhenValuesMissing(t *testing.T) {
	cfg := testConfig()
	cfg.InitDatasetSize = 0
	cfg.X = [][]float64{{0.2}, {0.8}}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 2, e.Data().Len())

	// The instrument measured the provided positions.
	recs := e.Data().Records()
	assert.InDelta(t, 0.2, recs[0].Value, 1e-12)
	assert.True(t, recs[0].Measured)
}

func TestNewCleansNaNInitialData(t *testing.T) {
	cfg := testConfig()
	cfg.InitDatasetSize = 0
	cfg.X = [][]float64{{0.1}, {0.5}, {0.9}}
	cfg.Y = []float64{0.1, math.NaN(), 0.9}
	cfg.V = []float64{0.01, 0.01, 0.01}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	// The NaN record is recovered by cleaning, not fatal.
	assert.Equal(t, 2, e.Data().Len())
	assert.False(t, e.Data().HasNaN())
}

func TestRecoveredFailuresMetric(t *testing.T) {
	cfg := testConfig()
	cfg.InitDatasetSize = 0
	cfg.X = [][]float64{{0.1}, {0.5}, {0.9}}
	cfg.Y = []float64{0.1, math.NaN(), 0.9}
	cfg.V = []float64{0.01, 0.01, 0.01}
	cfg.Metrics = prometheus.NewRegistry()

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	// The counter tracks exactly the records recovered by NaN cleaning.
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.recovered))
}

func TestNewFromCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.json")

	require.NoError(t, WriteCheckpoint(path, []Record{
		{Position: []float64{0.2}, Value: 0.2, Variance: 0.01, Measured: true, Hyperparameters: []float64{2, 0.7}},
		{Position: []float64{0.8}, Value: 0.8, Variance: 0.01, Measured: true, Hyperparameters: []float64{2, 0.7}},
	}))

	cfg := testConfig()
	cfg.InitDatasetSize = 0
	cfg.Hyperparameters = nil
	cfg.DatasetFile = path

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Data().Len())

	// Hyperparameters are recovered from the last record.
	assert.Equal(t, []float64{2, 0.7}, e.Adapter().Hyperparameters())
}

func TestGoReachesMeasurementTarget(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 5, e.Data().Len())

	// Every suggested position stayed inside the input space.
	for _, r := range e.Data().Records() {
		assert.True(t, Bounds{{0, 1}}.Contains(r.Position))
		assert.True(t, r.Measured)
	}
}

func TestGoLocalMethod(t *testing.T) {
	cfg := testConfig()
	cfg.InitDatasetSize = 0
	cfg.X = [][]float64{{0.1}, {0.5}, {0.9}}
	cfg.Y = []float64{0.1, 0.5, 0.9}
	cfg.V = []float64{0.01, 0.01, 0.01}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 4
	opts.MethodForIteration = func(int) Method { return MethodLocal }

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 4, e.Data().Len())
}

func TestGoRejectsBatchWithoutHybrid(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5
	opts.NumberOfSuggestedMeasurements = 2

	err = e.Go(context.Background(), opts)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestGoRejectsAsyncHybridMethod(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5
	opts.MethodForIteration = func(int) Method { return MethodHybridAsync }

	// The loop blocks on each suggestion, so the fire-and-forget method is
	// rejected up front instead of failing with a missing-executor error.
	err = e.Go(context.Background(), opts)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "synchronous")
}

func TestGoHybridBatch(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5
	opts.NumberOfSuggestedMeasurements = 2
	opts.MethodForIteration = func(int) Method { return MethodHybrid }

	require.NoError(t, e.Go(context.Background(), opts))
	assert.GreaterOrEqual(t, e.Data().Len(), 5)
}

func TestGoBreakingError(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 100
	opts.BreakingError = 1e9 // any uncertainty satisfies this immediately

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 4, e.Data().Len())
}

func TestGoBreakCondition(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 100
	opts.BreakCondition = func(ex *Experimenter) bool {
		return ex.Data().Len() >= 5
	}

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 5, e.Data().Len())
}

func TestGoRunEveryIterationHook(t *testing.T) {
	calls := 0

	cfg := testConfig()
	cfg.RunEveryIteration = func(ex *Experimenter) {
		calls++

		assert.Greater(t, ex.Uncertainty(), 0.0)
	}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 2, calls)
}

func TestGoCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.json")

	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5
	opts.CheckpointPath = path

	require.NoError(t, e.Go(context.Background(), opts))

	loaded, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Len(t, loaded, 5)
}

func TestGoInstrumentFailureIsFatal(t *testing.T) {
	boom := errors.New("detector offline")
	calls := 0

	cfg := testConfig()
	cfg.Instrument = func(ctx context.Context, recs []Record) ([]Record, error) {
		calls++
		if calls > 1 {
			return nil, boom
		}

		return identityInstrument(ctx, recs)
	}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5

	err = e.Go(context.Background(), opts)
	assert.ErrorIs(t, err, boom)
}

func TestGoRetrainSchedules(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	before := e.Adapter().Hyperparameters()

	opts := fastRun()
	opts.N = 6
	opts.RetrainGloballyAt = []int{4}
	opts.RetrainLocallyAt = []int{5}

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 6, e.Data().Len())

	// Retraining replaced the hyperparameters with a vector inside the
	// default bounds.
	after := e.Adapter().Hyperparameters()
	require.Len(t, after, len(before))

	for _, h := range after {
		assert.GreaterOrEqual(t, h, 1e-3)
		assert.LessOrEqual(t, h, 1e3)
	}
}

func TestGoAsyncRetrain(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 6
	opts.RetrainAsyncAt = []int{4}
	opts.TrainingMaxIter = 3

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 6, e.Data().Len())

	// Shutdown stopped the background training and closed the owned clients.
	assert.False(t, e.Adapter().InProgress())
}

func TestGoCostUpdate(t *testing.T) {
	updates := 0

	cfg := testConfig()
	cfg.Cost = func(origin []float64, x [][]float64, params any) []float64 {
		costs := make([]float64, len(x))
		for i := range costs {
			costs[i] = 1.0
		}

		return costs
	}
	cfg.CostUpdate = func(costs []float64, bounds Bounds, params any) any {
		updates++

		return params
	}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5
	opts.UpdateCostAt = []int{1}

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 1, updates)
}

func TestGoCommunicateFullDataset(t *testing.T) {
	var lastBatch int

	cfg := testConfig()
	cfg.CommunicateFullDataset = true
	cfg.Instrument = func(ctx context.Context, recs []Record) ([]Record, error) {
		lastBatch = len(recs)

		return identityInstrument(ctx, recs)
	}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	opts := fastRun()
	opts.N = 5

	require.NoError(t, e.Go(context.Background(), opts))
	assert.Equal(t, 5, e.Data().Len())

	// The final instrument call saw the full accumulated dataset.
	assert.Equal(t, 5, lastBatch)
}
