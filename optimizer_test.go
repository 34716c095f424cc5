package ae

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(fittedGP(), testLogger())
	require.NoError(t, err)

	d.Rand = testRand()

	return d
}

func TestNewDispatcher(t *testing.T) {
	_, err := NewDispatcher(nil, testLogger())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestAskGlobal(t *testing.T) {
	d := newTestDispatcher(t)
	bounds := Bounds{{0, 1}}

	res, err := d.Ask(context.Background(), AskOptions{
		Bounds:      bounds,
		Acquisition: Acquisition{Kind: KindVariance},
		Method:      MethodGlobal,
		PopSize:     12,
		MaxIter:     30,
		Tol:         1e-9,
	})
	require.NoError(t, err)

	// The result contract: k x D positions with parallel scores, in bounds.
	require.Len(t, res.Positions, 1)
	require.Len(t, res.Positions[0], 1)
	require.Len(t, res.Scores, 1)
	assert.True(t, bounds.Contains(res.Positions[0]))
	assert.Nil(t, res.Run)

	// Scores are minimized negated goodness, so never positive for variance.
	assert.LessOrEqual(t, res.Scores[0], 0.0)
}

func TestAskRejectsBatchWithoutHybrid(t *testing.T) {
	d := newTestDispatcher(t)

	for _, method := range []Method{MethodGlobal, MethodLocal} {
		_, err := d.Ask(context.Background(), AskOptions{
			Bounds:      Bounds{{0, 1}},
			N:           2,
			Acquisition: Acquisition{Kind: KindVariance},
			Method:      method,
		})
		assert.ErrorIs(t, err, ErrConfiguration, method.String())
	}
}

func TestAskInvalidBounds(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Ask(context.Background(), AskOptions{Bounds: Bounds{}})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = d.Ask(context.Background(), AskOptions{
		Bounds: Bounds{{0, 1}},
		Method: Method(99),
	})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestAskLocal(t *testing.T) {
	d := newTestDispatcher(t)
	bounds := Bounds{{0, 1}}

	res, err := d.Ask(context.Background(), AskOptions{
		Bounds:      bounds,
		Acquisition: Acquisition{Kind: KindVariance},
		Method:      MethodLocal,
		MaxIter:     100,
		Tol:         1e-9,
		X0:          [][]float64{{0.4}},
	})
	require.NoError(t, err)
	require.Len(t, res.Positions, 1)
	assert.True(t, bounds.Contains(res.Positions[0]))
}

// stuckLocal never converges, exercising the starting-point fallback.
type stuckLocal struct{}

func (stuckLocal) Minimize(_ context.Context, f Objective, _ GradientFunc, x0 []float64, _ Bounds, _ LocalOptions) ([]float64, float64, bool, error) {
	return []float64{0.99}, 123.0, false, nil
}

func TestAskLocalFallsBackToStart(t *testing.T) {
	d := newTestDispatcher(t)
	d.Local = stuckLocal{}

	res, err := d.Ask(context.Background(), AskOptions{
		Bounds:      Bounds{{0, 1}},
		Acquisition: Acquisition{Kind: KindVariance},
		Method:      MethodLocal,
		X0:          [][]float64{{0.4}},
	})
	require.NoError(t, err)

	// A non-convergent solve is recovered by substituting the start itself.
	assert.Equal(t, []float64{0.4}, res.Positions[0])
}

func TestAskCandidates(t *testing.T) {
	d := newTestDispatcher(t)

	// Goodness equals the coordinate, so the best candidates are the largest.
	acq := Acquisition{Func: func(x [][]float64, _ Surrogate) ([]float64, error) {
		out := make([]float64, len(x))
		for i := range x {
			out[i] = x[i][0]
		}

		return out, nil
	}}

	res, err := d.Ask(context.Background(), AskOptions{
		Bounds:      Bounds{{0, 1}},
		N:           2,
		Acquisition: acq,
		Candidates:  [][]float64{{0.1}, {0.9}, {0.5}},
	})
	require.NoError(t, err)
	require.Len(t, res.Positions, 2)
	assert.Equal(t, []float64{0.9}, res.Positions[0])
	assert.Equal(t, []float64{0.5}, res.Positions[1])

	// k is capped at the candidate-set size.
	res, err = d.Ask(context.Background(), AskOptions{
		Bounds:      Bounds{{0, 1}},
		N:           10,
		Acquisition: acq,
		Candidates:  [][]float64{{0.1}, {0.9}},
	})
	require.NoError(t, err)
	assert.Len(t, res.Positions, 2)

	_, err = d.Ask(context.Background(), AskOptions{
		Bounds:      Bounds{{0, 1}},
		Acquisition: acq,
		Candidates:  [][]float64{},
		Method:      MethodCandidate,
	})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestAskHybrid(t *testing.T) {
	d := newTestDispatcher(t)
	bounds := Bounds{{0, 1}}

	_, err := d.Ask(context.Background(), AskOptions{
		Bounds:      bounds,
		Acquisition: Acquisition{Kind: KindVariance},
		Method:      MethodHybrid,
	})
	assert.ErrorIs(t, err, ErrConfiguration)

	exec := NewLocalExecutor(testLogger())
	defer exec.Close() //nolint:errcheck

	res, err := d.Ask(context.Background(), AskOptions{
		Bounds:      bounds,
		N:           2,
		Acquisition: Acquisition{Kind: KindVariance},
		Method:      MethodHybrid,
		MaxIter:     50,
		Tol:         1e-9,
		Executor:    exec,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Positions)
	assert.LessOrEqual(t, len(res.Positions), 2)
	assert.Len(t, res.Scores, len(res.Positions))

	for _, p := range res.Positions {
		assert.True(t, bounds.Contains(p))
	}
}

func TestAskHybridAsync(t *testing.T) {
	d := newTestDispatcher(t)

	exec := NewLocalExecutor(testLogger())
	defer exec.Close() //nolint:errcheck

	res, err := d.Ask(context.Background(), AskOptions{
		Bounds:      Bounds{{0, 1}},
		Acquisition: Acquisition{Kind: KindVariance},
		Method:      MethodHybridAsync,
		MaxIter:     20,
		Executor:    exec,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Run)
	assert.Nil(t, res.Positions)

	require.NoError(t, res.Run.Wait(context.Background()))
	require.NoError(t, res.Run.CancelTasks())
	assert.NotEmpty(t, res.Run.Best(1))
}

func TestValidateResultShape(t *testing.T) {
	assert.ErrorIs(t, validateResultShape(nil, nil, 1), ErrShape)
	assert.ErrorIs(t, validateResultShape([][]float64{{0.1}}, []float64{1, 2}, 1), ErrShape)
	assert.ErrorIs(t, validateResultShape([][]float64{{0.1, 0.2}}, []float64{1}, 1), ErrShape)
	assert.NoError(t, validateResultShape([][]float64{{0.1}}, []float64{1}, 1))
}
