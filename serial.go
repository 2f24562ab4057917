package strand

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/v2/trees/redblacktree"
	"github.com/petermattis/goid"
)

// scheduleKey orders outstanding delayed operations by fire time, with a
// per-executor sequence number breaking ties in scheduling order.
type scheduleKey struct {
	at  time.Time
	seq uint64
}

func compareScheduleKeys(a, b scheduleKey) int {
	switch {
	case a.at.Before(b.at):
		return -1
	case b.at.Before(a.at):
		return 1
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}

// Compile-time interface satisfaction check.
var _ Executor = (*SerialExecutor)(nil)

// workItem is one FIFO entry. op is non-nil for promoted delayed operations,
// so a shutdown that discards the backlog can still cancel their handles.
type workItem struct {
	fn Task
	op *DelayedOperation
}

// SerialExecutor is the production Executor backend. Each instance dedicates
// exactly one worker goroutine, so tasks are serial by construction: Execute
// appends to an unbounded FIFO the worker drains in order, and Schedule
// places operations in a fire-time-ordered tree from which the worker
// promotes them onto the same FIFO as they come due.
//
// A task that panics is not recovered; the panic unwinds the worker goroutine
// and takes the process down, which is deliberate (see the package
// documentation).
type SerialExecutor struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	tasks    []workItem
	schedule *redblacktree.Tree[scheduleKey, *DelayedOperation]
	shutdown bool

	wake     chan struct{}
	stopped  chan struct{}
	workerID atomic.Int64
}

// NewSerialExecutor creates a serial executor whose worker goroutine starts
// immediately. The name labels the executor in diagnostics and panic
// messages; it does not affect scheduling. A nil logger falls back to
// slog.Default().
func NewSerialExecutor(name string, logger *slog.Logger) *SerialExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &SerialExecutor{
		name:     name,
		logger:   logger,
		schedule: redblacktree.NewWith[scheduleKey, *DelayedOperation](compareScheduleKeys),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	go e.worker()
	return e
}

// worker is the executor's single execution context. It drains the FIFO,
// promotes due delayed operations in fire-time order, and otherwise sleeps
// until woken or until the earliest outstanding fire time.
func (e *SerialExecutor) worker() {
	e.workerID.Store(goid.Get())
	release := MarkExecutorContext(e.name)
	defer func() {
		release()
		close(e.stopped)
	}()

	for {
		e.mu.Lock()
		now := time.Now()
		for !e.schedule.Empty() {
			next := e.schedule.Left()
			if next.Key.at.After(now) {
				break
			}
			op := next.Value
			e.schedule.Remove(next.Key)
			e.tasks = append(e.tasks, workItem{fn: op.run, op: op})
		}

		if len(e.tasks) > 0 {
			item := e.tasks[0]
			e.tasks = e.tasks[1:]
			e.mu.Unlock()
			item.fn()
			continue
		}

		if e.shutdown {
			e.mu.Unlock()
			return
		}

		wait := time.Duration(-1)
		if !e.schedule.Empty() {
			wait = time.Until(e.schedule.Left().Key.at)
		}
		e.mu.Unlock()

		if wait < 0 {
			<-e.wake
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nudge wakes the worker if it is sleeping. The buffer of one coalesces
// concurrent nudges; a single wakeup is enough because the worker re-examines
// all state before sleeping again.
func (e *SerialExecutor) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// enqueue appends task to the FIFO, reporting false if the executor has shut
// down and the task was dropped.
func (e *SerialExecutor) enqueue(task Task) bool {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return false
	}
	e.tasks = append(e.tasks, workItem{fn: task})
	e.mu.Unlock()
	e.nudge()
	return true
}

// Execute schedules task to run asynchronously on the worker goroutine,
// after all previously submitted tasks. It returns immediately.
func (e *SerialExecutor) Execute(task Task) {
	if !e.enqueue(task) {
		e.logger.Debug("strand: task dropped after executor shutdown", "executor", e.name)
	}
}

// ExecuteBlocking runs task on the worker goroutine and returns once it has
// completed. Calling it from the executor's own context panics, since the
// worker cannot wait for itself. After Shutdown it returns without running
// the task.
func (e *SerialExecutor) ExecuteBlocking(task Task) {
	if e.IsCurrentExecutor() {
		panic(fmt.Sprintf(
			"strand: ExecuteBlocking called from executor %q itself; the worker cannot wait for its own backlog",
			e.name))
	}
	done := make(chan struct{})
	if !e.enqueue(func() {
		task()
		close(done)
	}) {
		return
	}
	// A concurrent Shutdown may discard the wrapper before it runs; the
	// stopped channel unblocks the wait in that case.
	select {
	case <-done:
	case <-e.stopped:
	}
}

// Schedule arranges for task to run on the worker goroutine no earlier than
// delay from now, and returns a cancellable handle. After Shutdown it returns
// an already-cancelled handle.
func (e *SerialExecutor) Schedule(delay time.Duration, task Task) *DelayedOperation {
	op := NewDelayedOperation(task, time.Now().Add(delay))
	// Register the unlink hook before the operation becomes visible to the
	// worker, so every terminal transition removes the schedule entry.
	op.onSettled(e.dropScheduled)

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		op.Cancel()
		return op
	}
	e.schedule.Put(scheduleKey{at: op.fireAt, seq: op.seq}, op)
	e.mu.Unlock()
	e.nudge()
	return op
}

// dropScheduled removes a settled operation's entry from the schedule tree.
// Operations promoted by the worker are already gone; Remove tolerates that.
func (e *SerialExecutor) dropScheduled(op *DelayedOperation) {
	e.mu.Lock()
	e.schedule.Remove(scheduleKey{at: op.fireAt, seq: op.seq})
	e.mu.Unlock()
}

// IsCurrentExecutor reports whether the calling goroutine is this executor's
// worker.
func (e *SerialExecutor) IsCurrentExecutor() bool {
	return goid.Get() == e.workerID.Load()
}

// Name returns the diagnostic label passed to NewSerialExecutor.
func (e *SerialExecutor) Name() string { return e.name }

// Shutdown cancels every outstanding delayed operation, discards queued tasks
// that have not started, and waits for the in-flight task and the worker
// goroutine to finish. It is idempotent; concurrent callers all block until
// the worker has exited. Calling it from the executor's own context panics.
func (e *SerialExecutor) Shutdown() {
	if e.IsCurrentExecutor() {
		panic(fmt.Sprintf(
			"strand: Shutdown called from executor %q itself; the worker cannot wait for its own exit",
			e.name))
	}

	e.mu.Lock()
	already := e.shutdown
	var discarded []workItem
	var pending []*DelayedOperation
	if !already {
		e.shutdown = true
		discarded = e.tasks
		e.tasks = nil
		pending = e.schedule.Values()
		e.schedule.Clear()
	}
	e.mu.Unlock()

	if !already {
		for _, op := range pending {
			op.Cancel()
		}
		// Promoted operations sitting in the discarded backlog never ran;
		// settle their handles too.
		for _, item := range discarded {
			if item.op != nil {
				item.op.Cancel()
			}
		}
		e.nudge()
		if len(discarded) > 0 || len(pending) > 0 {
			e.logger.Debug("strand: executor shut down with outstanding work",
				"executor", e.name,
				"dropped_tasks", len(discarded),
				"cancelled_delayed", len(pending),
			)
		}
	}
	<-e.stopped
}
