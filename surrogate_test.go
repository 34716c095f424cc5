package ae

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *SurrogateAdapter {
	t.Helper()

	a, err := NewSurrogateAdapter(fittedGP(), Bounds{{0.1, 10}, {0.1, 10}}, testLogger())
	require.NoError(t, err)

	return a
}

func TestNewSurrogateAdapter(t *testing.T) {
	_, err := NewSurrogateAdapter(nil, Bounds{{0.1, 10}}, testLogger())
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewSurrogateAdapter(fittedGP(), Bounds{}, testLogger())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSurrogateAdapterPassThrough(t *testing.T) {
	a := newTestAdapter(t)

	m, err := a.PosteriorMean([][]float64{{0.5}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m[0], 0.15)

	v, err := a.PosteriorCovariance([][]float64{{0.5}})
	require.NoError(t, err)
	assert.Less(t, v[0], 0.01)

	assert.Equal(t, []float64{1.0, 0.5}, a.Hyperparameters())
	assert.NotNil(t, a.Surrogate())
}

func TestSurrogateAdapterTrainGlobal(t *testing.T) {
	a := newTestAdapter(t)
	a.global = &DifferentialEvolution{Rand: testRand()}

	err := a.Train(context.Background(), TrainOptions{
		Method:  TrainGlobal,
		PopSize: 12,
		MaxIter: 30,
		Tol:     1e-9,
	})
	require.NoError(t, err)

	hyps := a.Hyperparameters()
	require.Len(t, hyps, 2)

	// The trained vector stays inside the bounds and fits the data.
	for _, h := range hyps {
		assert.GreaterOrEqual(t, h, 0.1)
		assert.LessOrEqual(t, h, 10.0)
	}

	ll := a.Surrogate().LogLikelihood(hyps)
	assert.False(t, math.IsInf(ll, -1))
	assert.Greater(t, ll, a.Surrogate().LogLikelihood([]float64{10, 0.1}))
}

func TestSurrogateAdapterTrainLocal(t *testing.T) {
	a := newTestAdapter(t)

	err := a.Train(context.Background(), TrainOptions{
		Method:  TrainLocal,
		MaxIter: 50,
		Tol:     1e-9,
	})
	require.NoError(t, err)
	assert.Len(t, a.Hyperparameters(), 2)
}

func TestSurrogateAdapterTrainMCMC(t *testing.T) {
	a := newTestAdapter(t)
	a.sampler = &RandomWalkSampler{Rand: testRand()}

	err := a.Train(context.Background(), TrainOptions{
		Method:  TrainMCMC,
		MaxIter: 200,
	})
	require.NoError(t, err)
	assert.Len(t, a.Hyperparameters(), 2)
}

func TestSurrogateAdapterTrainUnknownMethod(t *testing.T) {
	a := newTestAdapter(t)

	err := a.Train(context.Background(), TrainOptions{Method: TrainMethod(99)})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSurrogateAdapterAsyncLifecycle(t *testing.T) {
	a := newTestAdapter(t)

	exec := NewLocalExecutor(testLogger())
	defer exec.Close() //nolint:errcheck

	_, err := a.TrainAsync(context.Background(), nil, AsyncTrainOptions{})
	assert.ErrorIs(t, err, ErrConfiguration)

	h, err := a.TrainAsync(context.Background(), exec, AsyncTrainOptions{PopSize: 6, Tol: 1e-9})
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, a.InProgress())

	// Only one live training at a time, for both async and blocking starts.
	_, err = a.TrainAsync(context.Background(), exec, AsyncTrainOptions{})
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	err = a.Train(context.Background(), TrainOptions{Method: TrainGlobal})
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	require.NoError(t, a.StopTraining())
	assert.False(t, a.InProgress())

	// Idempotent with nothing in progress.
	require.NoError(t, a.StopTraining())
}

func TestSurrogateAdapterUpdateHyperparameters(t *testing.T) {
	a := newTestAdapter(t)

	// With no training in progress the current vector comes back unchanged.
	current := a.Hyperparameters()
	assert.Equal(t, current, a.UpdateHyperparameters())

	exec := NewLocalExecutor(testLogger())
	defer exec.Close() //nolint:errcheck

	h, err := a.TrainAsync(context.Background(), exec, AsyncTrainOptions{PopSize: 6, Tol: 1e-9})
	require.NoError(t, err)

	// Force a published estimate so the poll is deterministic.
	better := []float64{1.0, 0.6}
	h.publish(better, a.Surrogate().LogLikelihood(better)+100)

	updated := a.UpdateHyperparameters()
	assert.Equal(t, better, updated)
	assert.Equal(t, better, a.Hyperparameters())

	require.NoError(t, a.StopTraining())
}

func TestTrainingHandlePublish(t *testing.T) {
	h := &TrainingHandle{}

	_, _, ok := h.Latest()
	assert.False(t, ok)

	h.publish([]float64{1, 1}, -5)
	h.publish([]float64{2, 2}, -10) // worse, must be ignored

	hyps, ll, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, []float64{1, 1}, hyps)
	assert.Equal(t, -5.0, ll)
}
