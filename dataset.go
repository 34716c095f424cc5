package ae

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

//////
// Const, vars, types.
//////

// Dataset owns the growing measurement record set. Insertion order is
// measurement order; the last entry is the experiment's current position. The
// dataset grows monotonically and never shrinks except through explicit
// cleaning of invalid entries. The loop controller holds only read views
// (extracted arrays), never the records themselves.
type Dataset struct {
	dim     int
	bounds  Bounds
	records []Record
	log     *slog.Logger
}

//////
// Factory.
//////

// NewDataset creates an empty dataset over the given input-space bounds. The
// dimensionality D is fixed by the bounds for the lifetime of the dataset.
func NewDataset(bounds Bounds, logger *slog.Logger) (*Dataset, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Dataset{
		dim:    bounds.Dim(),
		bounds: bounds,
		log:    logger,
	}, nil
}

//////
// Methods.
//////

// Len returns the number of records.
func (d *Dataset) Len() int { return len(d.records) }

// Dim returns the input-space dimensionality D.
func (d *Dataset) Dim() int { return d.dim }

// Records returns a copy of the record sequence in dataset order.
func (d *Dataset) Records() []Record {
	out := make([]Record, len(d.records))
	copy(out, d.records)

	return out
}

// LastPosition returns the position of the most recent record, or nil when the
// dataset is empty. The loop uses it as the cost-function origin.
func (d *Dataset) LastPosition() []float64 {
	if len(d.records) == 0 {
		return nil
	}

	return copyVec(d.records[len(d.records)-1].Position)
}

// CreateRandom produces n positions drawn uniformly from the input-space
// bounds as unfilled records (value and variance absent). The records are
// returned, not merged; they are merged once the instrument has filled them.
func (d *Dataset) CreateRandom(n int, rng *rand.Rand) []Record {
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = Record{
			Position: uniformIn(rng, d.bounds),
			Value:    math.NaN(),
			Variance: math.NaN(),
			Time:     time.Now(),
		}
	}

	return recs
}

// NewRecordsAt builds unfilled records at the given positions, snapshotting
// the current hyperparameters and the per-position posterior standard
// deviation as metadata. Fails with ErrShape when a position does not match
// the dataset dimensionality or the metadata arrays are not parallel.
func (d *Dataset) NewRecordsAt(positions [][]float64, hyperparameters []float64, posteriorStd []float64) ([]Record, error) {
	if posteriorStd != nil && len(posteriorStd) != len(positions) {
		return nil, fmt.Errorf("%w: %d positions but %d posterior stds", ErrShape, len(positions), len(posteriorStd))
	}

	recs := make([]Record, len(positions))

	for i, p := range positions {
		if len(p) != d.dim {
			return nil, fmt.Errorf("%w: position %d has dimension %d, want %d", ErrShape, i, len(p), d.dim)
		}

		recs[i] = Record{
			Position:        copyVec(p),
			Value:           math.NaN(),
			Variance:        math.NaN(),
			Time:            time.Now(),
			Hyperparameters: copyVec(hyperparameters),
		}

		if posteriorStd != nil {
			recs[i].PosteriorStd = posteriorStd[i]
		}
	}

	return recs, nil
}

// InjectRecords merges records into the dataset after checking their
// dimensionality. Fails with ErrShape; on failure nothing is merged.
func (d *Dataset) InjectRecords(records []Record) error {
	for i, r := range records {
		if len(r.Position) != d.dim {
			return fmt.Errorf("%w: record %d has position dimension %d, want %d", ErrShape, i, len(r.Position), d.dim)
		}
	}

	d.records = append(d.records, records...)

	return nil
}

// SetRecords replaces the whole record sequence. Used when the instrument is
// handed the full accumulated dataset and returns it re-measured. The same
// dimensionality check as InjectRecords applies.
func (d *Dataset) SetRecords(records []Record) error {
	for i, r := range records {
		if len(r.Position) != d.dim {
			return fmt.Errorf("%w: record %d has position dimension %d, want %d", ErrShape, i, len(r.Position), d.dim)
		}
	}

	d.records = records

	return nil
}

// InjectArrays builds records from parallel positional arrays and returns
// them without merging. y and v may be nil, producing unfilled records for the
// instrument to measure. vp optionally carries output positions for
// vector-valued measurements. Fails with ErrShape when the array lengths or
// dimensions are inconsistent with D or with each other.
func (d *Dataset) InjectArrays(x [][]float64, y, v []float64, vp [][][]float64) ([]Record, error) {
	if y != nil && len(y) != len(x) {
		return nil, fmt.Errorf("%w: %d positions but %d values", ErrShape, len(x), len(y))
	}

	if v != nil && len(v) != len(x) {
		return nil, fmt.Errorf("%w: %d positions but %d variances", ErrShape, len(x), len(v))
	}

	if vp != nil && len(vp) != len(x) {
		return nil, fmt.Errorf("%w: %d positions but %d output-position sets", ErrShape, len(x), len(vp))
	}

	recs := make([]Record, len(x))

	for i, p := range x {
		if len(p) != d.dim {
			return nil, fmt.Errorf("%w: position %d has dimension %d, want %d", ErrShape, i, len(p), d.dim)
		}

		recs[i] = Record{
			Position: copyVec(p),
			Value:    math.NaN(),
			Variance: math.NaN(),
			Time:     time.Now(),
		}

		if y != nil {
			recs[i].Value = y[i]
			recs[i].Measured = true
		}

		if v != nil {
			recs[i].Variance = v[i]
		} else if y != nil {
			// Measured values without a reported noise variance are treated
			// as noise-free.
			recs[i].Variance = 0
		}

		if vp != nil {
			recs[i].OutputPositions = copyMatrix(vp[i])
		}
	}

	return recs, nil
}

// Validate fails with ErrDataValidation if required fields are missing or of
// the wrong dimensionality. It never silently coerces.
func (d *Dataset) Validate() error {
	for i, r := range d.records {
		if len(r.Position) != d.dim {
			return fmt.Errorf("%w: record %d has position dimension %d, want %d", ErrDataValidation, i, len(r.Position), d.dim)
		}

		if !r.Measured {
			return fmt.Errorf("%w: record %d was not measured by the instrument", ErrDataValidation, i)
		}
	}

	return nil
}

// HasNaN reports whether any record contains NaN in its value or variance.
func (d *Dataset) HasNaN() bool {
	for _, r := range d.records {
		if math.IsNaN(r.Value) || math.IsNaN(r.Variance) {
			return true
		}
	}

	return false
}

// CleanNaN removes records containing NaN in value or variance and returns the
// number removed, logging the count. A NaN inside a position is a harder
// error: the record set cannot be trusted, so ErrDataValidation is returned
// and nothing is removed.
func (d *Dataset) CleanNaN() (int, error) {
	for i, r := range d.records {
		for _, p := range r.Position {
			if math.IsNaN(p) {
				return 0, fmt.Errorf("%w: record %d has NaN in its position", ErrDataValidation, i)
			}
		}
	}

	kept := d.records[:0]
	removed := 0

	for _, r := range d.records {
		if math.IsNaN(r.Value) || math.IsNaN(r.Variance) {
			removed++

			continue
		}

		kept = append(kept, r)
	}

	d.records = kept

	if removed > 0 {
		d.log.Warn("removed records containing NaN", "count", removed, "remaining", len(d.records))
	}

	return removed, nil
}

// Extract returns parallel arrays (x, y, v, t, cost, vp) in dataset order.
// Pure and read-only: the arrays are copies. vp is nil when no record carries
// output positions.
func (d *Dataset) Extract() (x [][]float64, y, v []float64, t []time.Time, cost []float64, vp [][][]float64) {
	n := len(d.records)

	x = make([][]float64, n)
	y = make([]float64, n)
	v = make([]float64, n)
	t = make([]time.Time, n)
	cost = make([]float64, n)

	hasVP := false

	for _, r := range d.records {
		if r.OutputPositions != nil {
			hasVP = true

			break
		}
	}

	if hasVP {
		vp = make([][][]float64, n)
	}

	for i, r := range d.records {
		x[i] = copyVec(r.Position)
		y[i] = r.Value
		v[i] = r.Variance
		t[i] = r.Time
		cost[i] = r.Cost

		if hasVP {
			vp[i] = copyMatrix(r.OutputPositions)
		}
	}

	return x, y, v, t, cost, vp
}
