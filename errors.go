package ae

import "errors"

//////
// Error taxonomy.
//
// Fatal kinds terminate the call (or the loop) with a clear message identifying
// the offending component; recoverable kinds are logged and the loop makes
// forward progress with a substituted value.
//////

var (
	// ErrConfiguration indicates missing required initial data, an unknown
	// acquisition kind, an unknown optimizer method, or an otherwise illegal
	// combination of options. Fatal, raised at the call site, never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrShape indicates that an evaluator or dispatcher result has the wrong
	// rank or length. Fatal; the optimization call aborts rather than silently
	// reshaping.
	ErrShape = errors.New("shape error")

	// ErrDataValidation indicates NaN or malformed fields in incoming
	// instrument data. Value and variance NaNs are recovered automatically via
	// cleaning; a NaN in a position is unrecoverable.
	ErrDataValidation = errors.New("data validation error")

	// ErrNonConvergence indicates that a local solver failed to converge.
	// Recovered: the dispatcher falls back to the starting point as the
	// candidate and the loop continues.
	ErrNonConvergence = errors.New("optimization did not converge")

	// ErrCheckpointWrite indicates a dataset persistence failure. Fatal; the
	// loop aborts with the underlying cause attached.
	ErrCheckpointWrite = errors.New("checkpoint write error")

	// ErrTrainingInProgress indicates an attempt to start a new training while
	// an asynchronous one is still live. The caller must stop the outstanding
	// training first.
	ErrTrainingInProgress = errors.New("training already in progress")

	// ErrExecutorClosed indicates a task submission to an executor that has
	// already been torn down.
	ErrExecutorClosed = errors.New("executor closed")
)
