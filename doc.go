// Package ae drives sequential experiment design: given a surrogate statistical
// model of an unknown response surface, it repeatedly selects the most informative
// next measurement(s), submits them to a real or simulated instrument, updates the
// model, and periodically retrains it.
//
// # Features
//
// The package includes the following key features:
//
//   - Autonomous Loop: ask -> instrument -> tell -> retrain -> checkpoint ->
//     break-check, repeated until convergence or a measurement budget
//   - Acquisition Functions: a closed set of built-in acquisition kinds (variance,
//     UCB, LCB, maximum, minimum, gradient, probability of improvement, expected
//     improvement, relative information entropy, total correlation, target
//     probability) plus user-supplied callables
//   - Interchangeable Optimization Strategies: candidate-set scoring, global
//     population-based search, gradient-based local search, and a distributed
//     hybrid global-local search with synchronous and asynchronous variants
//   - Cost-aware Scoring: acquisition scores are discounted by a user-supplied
//     cost function of the move through the input space
//   - Scheduled Retraining: async, global, and local hyperparameter retraining
//     triggered by measurement-count schedules, with a fixed priority order
//   - Failure Tolerance: non-convergent local optimizers fall back to their
//     starting point, malformed instrument data is cleaned, and distributed
//     resources are torn down best-effort
//   - Checkpointing: the full dataset is snapshotted each iteration and a new run
//     can be initialized from a previous snapshot
//
// # Architecture
//
// The loop controller (Experimenter) is a single-threaded cooperative driver. It
// calls the Dispatcher (which calls the acquisition evaluator) to rank candidate
// positions, the Instrument collaborator to measure them, the Dataset to validate
// and merge the results, and the SurrogateAdapter to ingest data and retrain
// hyperparameters. Parallelism is delegated entirely to an Executor collaborator:
// background work is submitted as tasks and either awaited synchronously or polled
// through an owned handle in a later iteration.
//
// # Usage
//
//	exp, err := ae.New(ae.Config{
//	    Bounds:               ae.Bounds{{0, 1}},
//	    Hyperparameters:      []float64{1, 0.5},
//	    HyperparameterBounds: ae.Bounds{{0.01, 10}, {0.01, 10}},
//	    InitDatasetSize:      10,
//	    Instrument: func(ctx context.Context, recs []ae.Record) ([]ae.Record, error) {
//	        for i := range recs {
//	            recs[i].Value = measure(recs[i].Position)
//	            recs[i].Variance = 0.01
//	            recs[i].Measured = true
//	        }
//	        return recs, nil
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = exp.Go(ctx, ae.RunOptions{N: 100})
//
// # Thread Safety
//
// The Experimenter never runs two iterations concurrently and performs no internal
// locking. At most one asynchronous training handle and at most one hybrid
// optimizer run are live at a time, enforced by the components that own them.
package ae
