package ae

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

//////
// Const, vars, types.
//////

// Task is a unit of background work submitted to an Executor. It must return
// promptly once its context is cancelled.
type Task func(ctx context.Context)

// TaskHandle identifies an in-flight task. It is an owned resource: every code
// path that creates one must reach a matching Cancel (or run to completion),
// including early-return and failure paths.
type TaskHandle struct {
	id     uuid.UUID
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the task's unique identifier.
func (h *TaskHandle) ID() uuid.UUID { return h.id }

// Name returns the human-readable task name used in logs.
func (h *TaskHandle) Name() string { return h.name }

// Done returns a channel closed when the task has returned.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task has returned or ctx is cancelled.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor is the distributed execution backend collaborator. Implementations
// schedule submitted tasks on whatever resources they manage; this package
// ships LocalExecutor, which runs each task on its own goroutine.
//
// Executors are process-wide shared resources: they are created lazily on
// first need unless injected, and teardown happens exactly once, at loop
// termination, best-effort.
type Executor interface {
	// Submit schedules the task and returns its handle.
	Submit(name string, task Task) (*TaskHandle, error)

	// Cancel stops the task and waits for it to return. Cancelling a finished
	// or unknown task is a no-op.
	Cancel(h *TaskHandle) error

	// Close cancels all outstanding tasks and releases backend resources.
	Close() error
}

// LocalExecutor runs tasks on goroutines of the current process.
type LocalExecutor struct {
	mu      sync.Mutex
	handles map[uuid.UUID]*TaskHandle
	closed  bool
	wg      sync.WaitGroup
	log     *slog.Logger
}

//////
// Factory.
//////

// NewLocalExecutor creates an executor backed by plain goroutines.
func NewLocalExecutor(logger *slog.Logger) *LocalExecutor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalExecutor{
		handles: make(map[uuid.UUID]*TaskHandle),
		log:     logger,
	}
}

//////
// Methods.
//////

// Submit schedules the task on a new goroutine.
func (e *LocalExecutor) Submit(name string, task Task) (*TaskHandle, error) {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return nil, ErrExecutorClosed
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &TaskHandle{
		id:     uuid.New(),
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.handles[h.id] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer func() {
			close(h.done)
			e.wg.Done()

			e.mu.Lock()
			delete(e.handles, h.id)
			e.mu.Unlock()
		}()

		task(ctx)
	}()

	e.log.Debug("task submitted", "task", name, "id", h.id)

	return h, nil
}

// Cancel stops the task and waits for it to return. Idempotent.
func (e *LocalExecutor) Cancel(h *TaskHandle) error {
	if h == nil {
		return nil
	}

	h.cancel()
	<-h.done

	e.log.Debug("task cancelled", "task", h.name, "id", h.id)

	return nil
}

// Close cancels all outstanding tasks and waits for them. Subsequent Submit
// calls fail with ErrExecutorClosed. Safe to call more than once.
func (e *LocalExecutor) Close() error {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return nil
	}

	e.closed = true

	for _, h := range e.handles {
		h.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	return nil
}
