package ae

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
)

//////
// Shared test fixtures.
//////

// testLogger returns a logger that discards everything, keeping test output
// readable.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRand returns a deterministic randomness source.
func testRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

// identityInstrument measures each record as its first coordinate with a small
// fixed noise variance.
func identityInstrument(_ context.Context, recs []Record) ([]Record, error) {
	out := make([]Record, len(recs))

	for i, r := range recs {
		out[i] = r
		out[i].Value = r.Position[0]
		out[i].Variance = 0.01
		out[i].Measured = true
		out[i].Cost = 1.0
	}

	return out, nil
}

// fittedGP builds a one-dimensional GP over [0, 1] with three noise-free
// observations of y = x.
func fittedGP() *GP {
	g, err := NewGP(1, []float64{1.0, 0.5})
	if err != nil {
		panic(err)
	}

	x := [][]float64{{0.1}, {0.5}, {0.9}}
	y := []float64{0.1, 0.5, 0.9}
	v := []float64{0, 0, 0}

	if err := g.Tell(x, y, v, nil); err != nil {
		panic(err)
	}

	return g
}
