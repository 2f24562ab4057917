package strand

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// QueueStats is a point-in-time snapshot of a queue's counters. All fields
// except OutstandingDelayed are monotonic.
type QueueStats struct {
	// Enqueued counts tasks accepted by Enqueue, EnqueueEvenWhileRestricted
	// and EnqueueBlocking. Tasks dropped in restricted mode are not counted.
	Enqueued uint64
	// Executed counts task bodies that ran to completion, immediate and
	// delayed alike.
	Executed uint64
	// Scheduled counts delayed operations created by EnqueueAfterDelay.
	Scheduled uint64
	// Cancelled counts delayed operations that settled by cancellation,
	// whether through CancelDelayedOperations, Shutdown, or the handle.
	Cancelled uint64
	// Expedited counts delayed operations force-run early by
	// RunScheduledOperationsUntil.
	Expedited uint64
	// OutstandingDelayed is the number of delayed operations currently
	// scheduled and not yet settled.
	OutstandingDelayed int
}

// AsyncQueue provides serial execution with tagged, cancellable delayed
// operations on top of an Executor. All guarantees derive from the executor's
// single execution context: tasks submitted through the queue run one at a
// time, in submission order for the immediate path and in fire-time order for
// the delayed path.
//
// A queue owns its executor. Sharing one executor between two queues breaks
// IsCurrentQueue and is not supported.
type AsyncQueue struct {
	executor Executor
	logger   *slog.Logger

	// opInProgress is true exactly while a task submitted through this
	// queue is running on the executor. Together with the executor's
	// context check it distinguishes "on the right goroutine" from "inside
	// a queue task", so code run directly on the executor does not pass
	// queue verification.
	opInProgress atomic.Bool
	restricted   atomic.Bool

	mu      sync.Mutex
	pending map[*DelayedOperation]struct{}

	enqueued  atomic.Uint64
	executed  atomic.Uint64
	scheduled atomic.Uint64
	cancelled atomic.Uint64
	expedited atomic.Uint64

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewAsyncQueue creates a queue over executor. A nil logger falls back to
// slog.Default().
func NewAsyncQueue(executor Executor, logger *slog.Logger) *AsyncQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncQueue{
		executor: executor,
		logger:   logger,
		pending:  make(map[*DelayedOperation]struct{}),
		done:     make(chan struct{}),
	}
}

// Executor returns the underlying executor.
func (q *AsyncQueue) Executor() Executor { return q.executor }

// wrap marks the queue as active for the duration of the task body, which is
// what IsCurrentQueue and VerifyIsCurrentQueue observe.
func (q *AsyncQueue) wrap(task Task) Task {
	return func() {
		q.opInProgress.Store(true)
		defer func() {
			q.opInProgress.Store(false)
			q.executed.Add(1)
		}()
		task()
	}
}

// Enqueue submits task to run asynchronously after all tasks submitted
// before it. It returns immediately and never blocks, so it is safe from any
// goroutine, including from a task already running on this queue; a nested
// Enqueue appends to the tail of the same serial order.
//
// In restricted mode the task is dropped and logged at debug level.
func (q *AsyncQueue) Enqueue(task Task) {
	if q.restricted.Load() {
		q.logger.Debug("strand: task dropped in restricted mode", "queue", q.executor.Name())
		return
	}
	q.enqueued.Add(1)
	q.executor.Execute(q.wrap(task))
}

// EnqueueEvenWhileRestricted submits task like Enqueue but ignores restricted
// mode. It exists for cleanup work that must still run while the queue winds
// down.
func (q *AsyncQueue) EnqueueEvenWhileRestricted(task Task) {
	q.enqueued.Add(1)
	q.executor.Execute(q.wrap(task))
}

// EnterRestrictedMode stops plain Enqueue from accepting new work. Tasks
// already submitted still run. There is no way back out; restricted mode is
// the first stage of shutdown.
func (q *AsyncQueue) EnterRestrictedMode() {
	q.restricted.Store(true)
}

// EnqueueBlocking submits task and blocks the caller until it has completed.
// It runs even in restricted mode. Calling it from the queue's own context
// panics, since the queue cannot wait for itself. After Shutdown it returns
// without running the task.
func (q *AsyncQueue) EnqueueBlocking(task Task) {
	if q.executor.IsCurrentExecutor() {
		panic(fmt.Sprintf(
			"strand: EnqueueBlocking called on queue %q from its own context; waiting here would deadlock",
			q.executor.Name()))
	}
	q.enqueued.Add(1)
	q.executor.ExecuteBlocking(q.wrap(task))
}

// IsCurrentQueue reports whether the caller is running inside a task
// submitted through this queue. It is callable from any goroutine and never
// blocks.
func (q *AsyncQueue) IsCurrentQueue() bool {
	return q.executor.IsCurrentExecutor() && q.opInProgress.Load()
}

// VerifyIsCurrentQueue panics unless the caller is running inside a task
// submitted through this queue. The panic message names the expected and
// actual execution contexts. Use it at the top of functions that touch state
// owned by the queue.
func (q *AsyncQueue) VerifyIsCurrentQueue() {
	if q.IsCurrentQueue() {
		return
	}
	panic(fmt.Sprintf(
		"strand: expected to be called on queue %q, but the current context is %q (queue task in progress: %t)",
		q.executor.Name(), currentExecutorName(), q.opInProgress.Load()))
}

// EnqueueAfterDelay schedules task to run on the queue no earlier than delay
// from now and registers the operation under tag. Multiple outstanding
// operations may share a tag. The returned handle stays valid forever;
// cancelling it after the operation fired is a no-op.
func (q *AsyncQueue) EnqueueAfterDelay(delay time.Duration, tag Tag, task Task) *DelayedOperation {
	op := q.executor.Schedule(delay, q.wrap(task))
	op.setTag(tag)
	q.scheduled.Add(1)

	q.mu.Lock()
	q.pending[op] = struct{}{}
	q.mu.Unlock()
	// Registered after the pending insert so that an operation settling in
	// between still gets removed (the hook runs immediately in that case).
	op.onSettled(q.forget)
	return op
}

// forget drops a settled operation from the pending registry and accounts
// for its outcome.
func (q *AsyncQueue) forget(op *DelayedOperation) {
	if op.isCancelled() {
		q.cancelled.Add(1)
	}
	q.mu.Lock()
	delete(q.pending, op)
	q.mu.Unlock()
}

// snapshotPending returns the outstanding delayed operations in fire-time
// order, ties broken by scheduling order.
func (q *AsyncQueue) snapshotPending() []*DelayedOperation {
	q.mu.Lock()
	ops := make([]*DelayedOperation, 0, len(q.pending))
	for op := range q.pending {
		ops = append(ops, op)
	}
	q.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].fireAt.Equal(ops[j].fireAt) {
			return ops[i].fireAt.Before(ops[j].fireAt)
		}
		return ops[i].seq < ops[j].seq
	})
	return ops
}

// CancelDelayedOperations cancels every outstanding delayed operation
// registered under tag and returns how many it cancelled. Operations that
// already fired or were already cancelled are unaffected; cancelling a tag
// with no outstanding operations returns zero.
func (q *AsyncQueue) CancelDelayedOperations(tag Tag) int {
	q.mu.Lock()
	var matched []*DelayedOperation
	for op := range q.pending {
		if op.Tag() == tag {
			matched = append(matched, op)
		}
	}
	q.mu.Unlock()

	n := 0
	for _, op := range matched {
		if op.Cancel() {
			n++
		}
	}
	return n
}

// IsScheduled reports whether at least one outstanding delayed operation
// carries tag.
func (q *AsyncQueue) IsScheduled(tag Tag) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for op := range q.pending {
		if op.Tag() == tag && op.Pending() {
			return true
		}
	}
	return false
}

// RunScheduledOperationsUntil force-runs outstanding delayed operations in
// fire-time order, each on the queue's context, up to and including the first
// operation registered under lastTag. With the zero Tag it drains them all.
// It blocks until the expedited operations have run and is intended for
// tests, where waiting out real delays is not an option. Calling it from the
// queue's own context panics.
//
// Operations that fire naturally or get cancelled while the expedite is in
// flight are skipped; the scheduled-to-running transition happens exactly
// once either way.
func (q *AsyncQueue) RunScheduledOperationsUntil(lastTag Tag) {
	if q.executor.IsCurrentExecutor() {
		panic(fmt.Sprintf(
			"strand: RunScheduledOperationsUntil called on queue %q from its own context; expediting would deadlock",
			q.executor.Name()))
	}

	for _, op := range q.snapshotPending() {
		q.executor.ExecuteBlocking(func() {
			if op.invoke() {
				q.expedited.Add(1)
			}
		})
		if lastTag != "" && op.Tag() == lastTag {
			break
		}
	}
}

// Wait blocks until every task enqueued before the call has run, or until
// ctx is done, whichever comes first. A queue that has shut down satisfies
// Wait immediately. Calling it from the queue's own context panics.
func (q *AsyncQueue) Wait(ctx context.Context) error {
	if q.executor.IsCurrentExecutor() {
		panic(fmt.Sprintf(
			"strand: Wait called on queue %q from its own context; waiting here would deadlock",
			q.executor.Name()))
	}
	drained := make(chan struct{})
	q.executor.Execute(func() { close(drained) })
	select {
	case <-drained:
		return nil
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown winds the queue down: it enters restricted mode, cancels every
// outstanding delayed operation, and shuts the executor down, waiting for the
// in-flight task. It is idempotent; concurrent callers block until the first
// call completes. Calling it from the queue's own context panics.
func (q *AsyncQueue) Shutdown() {
	if q.executor.IsCurrentExecutor() {
		panic(fmt.Sprintf(
			"strand: Shutdown called on queue %q from its own context; the queue cannot wait for itself",
			q.executor.Name()))
	}
	q.shutdownOnce.Do(func() {
		q.EnterRestrictedMode()
		for _, op := range q.snapshotPending() {
			op.Cancel()
		}
		q.executor.Shutdown()
		close(q.done)
	})
	<-q.done
}

// Stats returns a snapshot of the queue's counters.
func (q *AsyncQueue) Stats() QueueStats {
	q.mu.Lock()
	outstanding := len(q.pending)
	q.mu.Unlock()
	return QueueStats{
		Enqueued:           q.enqueued.Load(),
		Executed:           q.executed.Load(),
		Scheduled:          q.scheduled.Load(),
		Cancelled:          q.cancelled.Load(),
		Expedited:          q.expedited.Load(),
		OutstandingDelayed: outstanding,
	}
}
