package ae

import (
	"math"
	"math/rand"

	"golang.org/x/exp/constraints"
)

//////
// Helper functions.
//////

// Helper function used by the probability-of-improvement and expected-
// improvement acquisition kinds to compute the cumulative distribution function
// of the standard normal distribution.
//
// Returns:
// - Probability that a standard normal random variable is less than x.
func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// Helper function used by the expected-improvement acquisition kind to compute
// the probability density function of the standard normal distribution.
//
// Returns:
// - Value of the standard normal PDF at x.
func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}

// anyInRange reports whether any element of set falls in the half-open
// interval [lo, hi). Used by the training scheduler to match measurement-count
// schedules against the counts that arrived this iteration.
func anyInRange[T constraints.Integer](set []T, lo, hi T) bool {
	for _, n := range set {
		if n >= lo && n < hi {
			return true
		}
	}

	return false
}

// clampTo clips v into [lo, hi].
func clampTo[T constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

// uniformIn draws one position uniformly from the box.
func uniformIn(rng *rand.Rand, b Bounds) []float64 {
	x := make([]float64, len(b))
	for i, r := range b {
		x[i] = r[0] + rng.Float64()*(r[1]-r[0])
	}

	return x
}

// copyVec returns an independent copy of v.
func copyVec(v []float64) []float64 {
	if v == nil {
		return nil
	}

	out := make([]float64, len(v))
	copy(out, v)

	return out
}

// copyMatrix returns an independent row-by-row copy of m.
func copyMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}

	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = copyVec(row)
	}

	return out
}

// euclidean returns the euclidean distance between a and b. Panics on length
// mismatch, which would be a programming error.
func euclidean(a, b []float64) float64 {
	if len(a) != len(b) {
		panic("input vectors must have the same length")
	}

	var sum float64

	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}

	return math.Sqrt(sum)
}

// cholesky computes the lower-triangular Cholesky factor of a small symmetric
// positive-definite matrix. It reports ok == false when the matrix is not
// positive definite. Only used for the entropy-based acquisition kinds, where
// the matrices are k x k for small k.
func cholesky(a [][]float64) (l [][]float64, ok bool) {
	n := len(a)

	l = make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}

			if i == j {
				if sum <= 0 {
					return nil, false
				}

				l[i][j] = math.Sqrt(sum)
			} else {
				l[i][j] = sum / l[j][j]
			}
		}
	}

	return l, true
}

// logDet returns the log-determinant of a symmetric positive-definite matrix
// via its Cholesky factor.
func logDet(a [][]float64) (float64, bool) {
	l, ok := cholesky(a)
	if !ok {
		return 0, false
	}

	var ld float64
	for i := range l {
		ld += 2 * math.Log(l[i][i])
	}

	return ld, true
}

// argSortAsc returns the indices of v sorted by ascending value without
// modifying v.
func argSortAsc(v []float64) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}

	// Insertion sort: candidate batches are small.
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && v[idx[j]] < v[idx[j-1]]; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}

	return idx
}
