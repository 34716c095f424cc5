package ae

import (
	"fmt"
	"math"
)

//////
// Const, vars, types.
//////

// AcquisitionKind is the closed set of built-in acquisition strategies. New
// strategies are added as new variants, never by string matching at call
// sites.
type AcquisitionKind int

const (
	// KindVariance scores positions by posterior variance v(x).
	KindVariance AcquisitionKind = iota

	// KindUCB scores by the upper confidence bound m(x) + 3*sigma(x).
	KindUCB

	// KindLCB scores by the negated lower confidence bound -(m(x) - 3*sigma(x)).
	KindLCB

	// KindMaximum scores by the posterior mean m(x).
	KindMaximum

	// KindMinimum scores by the negated posterior mean -m(x).
	KindMinimum

	// KindGradient scores by ||grad m(x)|| * sigma(x).
	KindGradient

	// KindProbabilityOfImprovement scores by Phi((m(x) - y*) / (sigma(x) + eps)).
	KindProbabilityOfImprovement

	// KindExpectedImprovement scores by sigma * (gamma*Phi(gamma) + phi(gamma))
	// with gamma = max(m(x) - y*, 0) / sigma.
	KindExpectedImprovement

	// KindRelativeInformationEntropy scores the batch jointly by the negated
	// entropy-reduction query (one aggregate score).
	KindRelativeInformationEntropy

	// KindRelativeInformationEntropySet scores each position by its negated
	// individual entropy-reduction query.
	KindRelativeInformationEntropySet

	// KindTotalCorrelation scores the batch jointly by the negated
	// total-correlation query (one aggregate score).
	KindTotalCorrelation

	// KindTargetProbability scores by the probability mass of the posterior
	// inside a target range [a, b].
	KindTargetProbability
)

// kindNames maps each built-in kind to its tag. This is the single lookup
// table for kind <-> name conversion.
var kindNames = map[AcquisitionKind]string{
	KindVariance:                      "variance",
	KindUCB:                           "ucb",
	KindLCB:                           "lcb",
	KindMaximum:                       "maximum",
	KindMinimum:                       "minimum",
	KindGradient:                      "gradient",
	KindProbabilityOfImprovement:      "probability of improvement",
	KindExpectedImprovement:           "expected improvement",
	KindRelativeInformationEntropy:    "relative information entropy",
	KindRelativeInformationEntropySet: "relative information entropy set",
	KindTotalCorrelation:              "total correlation",
	KindTargetProbability:             "target probability",
}

// String returns the kind's tag.
func (k AcquisitionKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("acquisition(%d)", int(k))
}

// ParseAcquisitionKind maps a tag onto its kind. Unknown tags fail with
// ErrConfiguration.
func ParseAcquisitionKind(s string) (AcquisitionKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown acquisition kind %q", ErrConfiguration, s)
}

// TargetRange is the [A, B] window used by the target-probability kind.
type TargetRange struct {
	A float64
	B float64
}

// AcquisitionFunc is a user-supplied acquisition function: given candidate
// positions (k x D) and the surrogate, it returns one goodness score per
// position. It is evaluated with the same sign convention as the built-in
// kinds (the evaluator negates and cost-divides the result). Must be
// deterministic for a fixed surrogate state.
type AcquisitionFunc func(x [][]float64, s Surrogate) ([]float64, error)

// Acquisition is a tagged acquisition selector: either a built-in kind or a
// custom callable.
type Acquisition struct {
	// Kind selects a built-in strategy. Ignored when Func is set.
	Kind AcquisitionKind

	// Func, when non-nil, is evaluated in place of any built-in kind.
	Func AcquisitionFunc

	// Target configures KindTargetProbability. Required for that kind.
	Target *TargetRange
}

// aggregate reports whether the kind produces one joint score for the whole
// batch instead of one score per position.
func (a Acquisition) aggregate() bool {
	if a.Func != nil {
		return false
	}

	return a.Kind == KindRelativeInformationEntropy || a.Kind == KindTotalCorrelation
}

// evalParams carries the per-call context of an evaluation.
type evalParams struct {
	// origin is the current position, used for cost-aware scoring. Nil means
	// no motion cost.
	origin []float64

	// cost and costParams configure the cost function. Nil cost means a
	// uniform cost of 1.
	cost       CostFunc
	costParams any

	// xOut are optional output positions for multi-output acquisition.
	xOut [][]float64
}

//////
// Evaluation.
//////

// evaluateAcquisition scores candidate positions x (k x D) under the selected
// acquisition. It computes the goodness quantity of the strategy and returns
// its negation divided by cost, because the optimizer backends minimize while
// acquisition semantics maximize goodness. The result is 1-D of length k, or
// length 1 for the aggregate kinds.
func evaluateAcquisition(x [][]float64, acq Acquisition, s Surrogate, p evalParams) ([]float64, error) {
	if len(x) == 0 {
		return nil, fmt.Errorf("%w: empty candidate batch", ErrShape)
	}

	costs, err := candidateCosts(x, p)
	if err != nil {
		return nil, err
	}

	goodness, err := goodnessOf(x, acq, s, p)
	if err != nil {
		return nil, err
	}

	if acq.aggregate() {
		if len(goodness) != 1 {
			return nil, fmt.Errorf("%w: aggregate acquisition returned %d scores, want 1", ErrShape, len(goodness))
		}

		// A joint score is discounted by the mean candidate cost.
		var mean float64
		for _, c := range costs {
			mean += c
		}
		mean /= float64(len(costs))

		return []float64{-goodness[0] / mean}, nil
	}

	if len(goodness) != len(x) {
		return nil, fmt.Errorf("%w: acquisition returned %d scores for %d candidates", ErrShape, len(goodness), len(x))
	}

	out := make([]float64, len(goodness))
	for i := range goodness {
		out[i] = -goodness[i] / costs[i]
	}

	return out, nil
}

// candidateCosts evaluates the cost function, defaulting to a uniform cost of
// 1 when no cost function or origin is supplied.
func candidateCosts(x [][]float64, p evalParams) ([]float64, error) {
	if p.cost == nil || p.origin == nil {
		costs := make([]float64, len(x))
		for i := range costs {
			costs[i] = 1.0
		}

		return costs, nil
	}

	costs := p.cost(p.origin, x, p.costParams)
	if len(costs) != len(x) {
		return nil, fmt.Errorf("%w: cost function returned %d costs for %d candidates", ErrShape, len(costs), len(x))
	}

	return costs, nil
}

// goodnessOf computes the raw (un-negated, cost-free) goodness of each
// candidate under the selected strategy.
func goodnessOf(x [][]float64, acq Acquisition, s Surrogate, p evalParams) ([]float64, error) {
	if acq.Func != nil {
		return acq.Func(x, s)
	}

	if p.xOut != nil {
		return multiOutputGoodness(x, acq, s, p.xOut)
	}

	switch acq.Kind {
	case KindVariance:
		return s.PosteriorCovariance(x)

	case KindUCB, KindLCB:
		m, err := s.PosteriorMean(x)
		if err != nil {
			return nil, err
		}

		v, err := s.PosteriorCovariance(x)
		if err != nil {
			return nil, err
		}

		out := make([]float64, len(x))
		for i := range out {
			if acq.Kind == KindUCB {
				out[i] = m[i] + 3.0*math.Sqrt(v[i])
			} else {
				out[i] = -(m[i] - 3.0*math.Sqrt(v[i]))
			}
		}

		return out, nil

	case KindMaximum, KindMinimum:
		m, err := s.PosteriorMean(x)
		if err != nil {
			return nil, err
		}

		if acq.Kind == KindMinimum {
			for i := range m {
				m[i] = -m[i]
			}
		}

		return m, nil

	case KindGradient:
		gq, ok := s.(MeanGradQuerier)
		if !ok {
			return nil, fmt.Errorf("%w: surrogate does not expose posterior mean gradients, required by the gradient acquisition", ErrConfiguration)
		}

		grads, err := gq.PosteriorMeanGrad(x)
		if err != nil {
			return nil, err
		}

		v, err := s.PosteriorCovariance(x)
		if err != nil {
			return nil, err
		}

		out := make([]float64, len(x))
		for i := range out {
			var norm float64
			for _, g := range grads[i] {
				norm += g * g
			}

			out[i] = math.Sqrt(norm) * math.Sqrt(v[i])
		}

		return out, nil

	case KindProbabilityOfImprovement:
		m, err := s.PosteriorMean(x)
		if err != nil {
			return nil, err
		}

		v, err := s.PosteriorCovariance(x)
		if err != nil {
			return nil, err
		}

		best := s.BestObserved()

		out := make([]float64, len(x))
		for i := range out {
			out[i] = normalCDF((m[i] - best) / (math.Sqrt(v[i]) + 1e-9))
		}

		return out, nil

	case KindExpectedImprovement:
		m, err := s.PosteriorMean(x)
		if err != nil {
			return nil, err
		}

		v, err := s.PosteriorCovariance(x)
		if err != nil {
			return nil, err
		}

		best := s.BestObserved()

		out := make([]float64, len(x))
		for i := range out {
			sigma := math.Sqrt(v[i])
			if sigma == 0 {
				continue
			}

			gamma := math.Max(m[i]-best, 0) / sigma
			out[i] = sigma * (gamma*normalCDF(gamma) + normalPDF(gamma))
		}

		return out, nil

	case KindRelativeInformationEntropy:
		eq, ok := s.(EntropyQuerier)
		if !ok {
			return nil, fmt.Errorf("%w: surrogate does not expose entropy queries, required by the relative information entropy acquisition", ErrConfiguration)
		}

		rie, err := eq.RelativeInformationEntropy(x, nil)
		if err != nil {
			return nil, err
		}

		return []float64{-rie}, nil

	case KindRelativeInformationEntropySet:
		eq, ok := s.(EntropyQuerier)
		if !ok {
			return nil, fmt.Errorf("%w: surrogate does not expose entropy queries, required by the relative information entropy set acquisition", ErrConfiguration)
		}

		rie, err := eq.RelativeInformationEntropySet(x, nil)
		if err != nil {
			return nil, err
		}

		for i := range rie {
			rie[i] = -rie[i]
		}

		return rie, nil

	case KindTotalCorrelation:
		eq, ok := s.(EntropyQuerier)
		if !ok {
			return nil, fmt.Errorf("%w: surrogate does not expose entropy queries, required by the total correlation acquisition", ErrConfiguration)
		}

		tc, err := eq.TotalCorrelation(x, nil)
		if err != nil {
			return nil, err
		}

		return []float64{-tc}, nil

	case KindTargetProbability:
		if acq.Target == nil {
			return nil, fmt.Errorf("%w: target probability acquisition requires a target range", ErrConfiguration)
		}

		m, err := s.PosteriorMean(x)
		if err != nil {
			return nil, err
		}

		v, err := s.PosteriorCovariance(x)
		if err != nil {
			return nil, err
		}

		a, b := acq.Target.A, acq.Target.B

		out := make([]float64, len(x))
		for i := range out {
			sd := math.Sqrt(2.0 * v[i])
			out[i] = 0.5 * (math.Erf((b-m[i])/sd) - math.Erf((a-m[i])/sd))
		}

		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown acquisition kind %d", ErrConfiguration, int(acq.Kind))
	}
}

// multiOutputGoodness aggregates per-output scores across the output
// positions. Only variance and relative-information-entropy-set have a
// documented multi-output path; any other kind combined with output positions
// is a caller error.
func multiOutputGoodness(x [][]float64, acq Acquisition, s Surrogate, xOut [][]float64) ([]float64, error) {
	switch acq.Kind {
	case KindVariance:
		xa, err := crossPositions(x, xOut)
		if err != nil {
			return nil, err
		}

		v, err := s.PosteriorCovariance(xa)
		if err != nil {
			return nil, err
		}

		return sumPerCandidate(v, len(x), len(xOut))

	case KindRelativeInformationEntropySet:
		eq, ok := s.(EntropyQuerier)
		if !ok {
			return nil, fmt.Errorf("%w: surrogate does not expose entropy queries, required by the relative information entropy set acquisition", ErrConfiguration)
		}

		rie, err := eq.RelativeInformationEntropySet(x, xOut)
		if err != nil {
			return nil, err
		}

		sums, err := sumPerCandidate(rie, len(x), len(xOut))
		if err != nil {
			return nil, err
		}

		for i := range sums {
			sums[i] = -sums[i]
		}

		return sums, nil

	default:
		return nil, fmt.Errorf("%w: acquisition kind %q has no multi-output aggregation rule", ErrConfiguration, acq.Kind)
	}
}

// crossPositions appends each output position to each input position,
// producing len(x)*len(xOut) augmented rows in candidate-major order.
func crossPositions(x, xOut [][]float64) ([][]float64, error) {
	if len(xOut) == 0 {
		return nil, fmt.Errorf("%w: empty output-position set", ErrShape)
	}

	out := make([][]float64, 0, len(x)*len(xOut))

	for _, p := range x {
		for _, o := range xOut {
			row := make([]float64, 0, len(p)+len(o))
			row = append(row, p...)
			row = append(row, o...)
			out = append(out, row)
		}
	}

	return out, nil
}

// sumPerCandidate folds a candidate-major flat score array of length k*m into
// k per-candidate sums.
func sumPerCandidate(scores []float64, k, m int) ([]float64, error) {
	if len(scores) != k*m {
		return nil, fmt.Errorf("%w: got %d scores for %d candidates x %d outputs", ErrShape, len(scores), k, m)
	}

	out := make([]float64, k)

	for i := 0; i < k; i++ {
		for j := 0; j < m; j++ {
			out[i] += scores[i*m+j]
		}
	}

	return out, nil
}
