package ae

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDataset(t *testing.T) {
	d, err := NewDataset(Bounds{{0, 1}, {-1, 1}}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, d.Dim())
	assert.Equal(t, 0, d.Len())
	assert.Nil(t, d.LastPosition())

	_, err = NewDataset(Bounds{}, testLogger())
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewDataset(Bounds{{1, 0}}, testLogger())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDatasetCreateRandom(t *testing.T) {
	bounds := Bounds{{0, 1}, {10, 20}}

	d, err := NewDataset(bounds, testLogger())
	require.NoError(t, err)

	recs := d.CreateRandom(5, testRand())
	require.Len(t, recs, 5)

	// Unfilled until the instrument measures them; nothing merged yet.
	assert.Equal(t, 0, d.Len())

	for _, r := range recs {
		assert.True(t, bounds.Contains(r.Position))
		assert.False(t, r.Measured)
		assert.True(t, math.IsNaN(r.Value))
	}
}

func TestDatasetInjectArrays(t *testing.T) {
	d, err := NewDataset(Bounds{{0, 1}}, testLogger())
	require.NoError(t, err)

	recs, err := d.InjectArrays([][]float64{{0.1}, {0.9}}, []float64{1, 2}, nil, nil)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Values without a reported noise variance are treated as noise-free.
	assert.True(t, recs[0].Measured)
	assert.Equal(t, 0.0, recs[0].Variance)
	assert.Equal(t, 1.0, recs[0].Value)

	// Positions without values come back unfilled.
	recs, err = d.InjectArrays([][]float64{{0.5}}, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, recs[0].Measured)
	assert.True(t, math.IsNaN(recs[0].Value))

	// Mismatched array lengths and dimensions fail hard.
	_, err = d.InjectArrays([][]float64{{0.1}}, []float64{1, 2}, nil, nil)
	assert.ErrorIs(t, err, ErrShape)

	_, err = d.InjectArrays([][]float64{{0.1, 0.2}}, []float64{1}, nil, nil)
	assert.ErrorIs(t, err, ErrShape)
}

func TestDatasetInjectRecords(t *testing.T) {
	d, err := NewDataset(Bounds{{0, 1}}, testLogger())
	require.NoError(t, err)

	require.NoError(t, d.InjectRecords([]Record{
		{Position: []float64{0.2}, Value: 1, Measured: true, Time: time.Now()},
	}))
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, []float64{0.2}, d.LastPosition())

	err = d.InjectRecords([]Record{{Position: []float64{0.1, 0.2}}})
	assert.ErrorIs(t, err, ErrShape)
	assert.Equal(t, 1, d.Len())
}

func TestDatasetValidate(t *testing.T) {
	d, err := NewDataset(Bounds{{0, 1}}, testLogger())
	require.NoError(t, err)

	require.NoError(t, d.InjectRecords([]Record{
		{Position: []float64{0.2}, Value: 1, Measured: true},
		{Position: []float64{0.4}, Value: math.NaN(), Variance: math.NaN()},
	}))

	assert.ErrorIs(t, d.Validate(), ErrDataValidation)
}

func TestDatasetCleanNaN(t *testing.T) {
	d, err := NewDataset(Bounds{{0, 1}}, testLogger())
	require.NoError(t, err)

	require.NoError(t, d.InjectRecords([]Record{
		{Position: []float64{0.2}, Value: 1, Measured: true},
		{Position: []float64{0.4}, Value: math.NaN(), Variance: 0, Measured: true},
		{Position: []float64{0.6}, Value: 2, Variance: math.NaN(), Measured: true},
	}))
	assert.True(t, d.HasNaN())

	removed, err := d.CleanNaN()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, d.Len())
	assert.False(t, d.HasNaN())
}

func TestDatasetCleanNaNPosition(t *testing.T) {
	d, err := NewDataset(Bounds{{0, 1}}, testLogger())
	require.NoError(t, err)

	require.NoError(t, d.InjectRecords([]Record{
		{Position: []float64{math.NaN()}, Value: 1, Measured: true},
	}))

	// A NaN position means the record set cannot be trusted.
	_, err = d.CleanNaN()
	assert.ErrorIs(t, err, ErrDataValidation)
	assert.Equal(t, 1, d.Len())
}

func TestDatasetExtract(t *testing.T) {
	d, err := NewDataset(Bounds{{0, 1}}, testLogger())
	require.NoError(t, err)

	require.NoError(t, d.InjectRecords([]Record{
		{Position: []float64{0.2}, Value: 1, Variance: 0.1, Measured: true, Cost: 2},
		{Position: []float64{0.8}, Value: 3, Variance: 0.2, Measured: true, Cost: 4},
	}))

	x, y, v, ts, cost, vp := d.Extract()
	assert.Equal(t, [][]float64{{0.2}, {0.8}}, x)
	assert.Equal(t, []float64{1, 3}, y)
	assert.Equal(t, []float64{0.1, 0.2}, v)
	assert.Len(t, ts, 2)
	assert.Equal(t, []float64{2, 4}, cost)
	assert.Nil(t, vp)

	// Extracted arrays are copies.
	x[0][0] = 99
	x2, _, _, _, _, _ := d.Extract()
	assert.Equal(t, 0.2, x2[0][0])
}

func TestDatasetNewRecordsAt(t *testing.T) {
	d, err := NewDataset(Bounds{{0, 1}}, testLogger())
	require.NoError(t, err)

	recs, err := d.NewRecordsAt([][]float64{{0.3}}, []float64{1, 2}, []float64{0.5})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Measured)
	assert.Equal(t, []float64{1, 2}, recs[0].Hyperparameters)
	assert.Equal(t, 0.5, recs[0].PosteriorStd)

	_, err = d.NewRecordsAt([][]float64{{0.3, 0.4}}, nil, nil)
	assert.ErrorIs(t, err, ErrShape)

	_, err = d.NewRecordsAt([][]float64{{0.3}}, nil, []float64{0.1, 0.2})
	assert.ErrorIs(t, err, ErrShape)
}
