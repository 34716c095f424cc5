package ae

//////
// Training scheduler.
//////

// TrainAction is the retraining decision for one loop iteration.
type TrainAction int

const (
	// ActionPoll polls any in-progress asynchronous training for improved
	// hyperparameters. The default when no schedule matches.
	ActionPoll TrainAction = iota

	// ActionAsync cancels any in-progress training and starts a new
	// asynchronous one.
	ActionAsync

	// ActionGlobal cancels any in-progress training and runs a synchronous
	// global-method training.
	ActionGlobal

	// ActionLocal cancels any in-progress training and runs a synchronous
	// local-method training.
	ActionLocal
)

// String returns the action tag.
func (a TrainAction) String() string {
	switch a {
	case ActionAsync:
		return "async"
	case ActionGlobal:
		return "global"
	case ActionLocal:
		return "local"
	default:
		return "poll"
	}
}

// TrainingScheduler decides, once per loop iteration, whether and how to
// retrain the surrogate's hyperparameters. Schedules are unordered sets of
// measurement-count thresholds, each consulted independently.
type TrainingScheduler struct {
	// AsyncAt, GlobalAt, and LocalAt are the retrain schedules, consulted in
	// that fixed priority order.
	AsyncAt  []int
	GlobalAt []int
	LocalAt  []int
}

// Decide evaluates the schedules against the half-open interval
// [before, after) of newly arrived measurement counts. Priority order is
// fixed: async > global > local > poll.
func (s TrainingScheduler) Decide(before, after int) TrainAction {
	switch {
	case anyInRange(s.AsyncAt, before, after):
		return ActionAsync
	case anyInRange(s.GlobalAt, before, after):
		return ActionGlobal
	case anyInRange(s.LocalAt, before, after):
		return ActionLocal
	default:
		return ActionPoll
	}
}
