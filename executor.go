package strand

import (
	"sync"
	"time"

	"github.com/petermattis/goid"
)

// A Task is an opaque, zero-argument unit of work. Ownership passes to the
// executor on submission; a Task is invoked at most once and never
// concurrently with another task of the same executor.
type Task func()

// A Tag groups related delayed operations so a whole class can be cancelled
// together (for example, all retries for one operation kind). Tags are not
// unique per operation; any number of outstanding operations may share one.
type Tag string

// Executor runs opaque tasks serially on a private execution context, either
// as soon as possible or after a delay.
//
// Implementations guarantee that tasks never overlap and that tasks submitted
// with Execute run in submission order. SerialExecutor is the production
// backend; strandtest provides deterministic ones. An Executor is not meant
// to be shared between queues: AsyncQueue assumes sole ownership of the
// executor it wraps.
type Executor interface {
	// Execute schedules task to run asynchronously as soon as the backlog
	// permits. It returns immediately and never blocks the caller. After
	// Shutdown, Execute drops the task.
	Execute(task Task)

	// ExecuteBlocking runs task on the executor's context and returns once it
	// has completed. It panics when called from the executor's own context,
	// since waiting there would deadlock. After Shutdown it returns without
	// running the task.
	ExecuteBlocking(task Task)

	// Schedule arranges for task to run no earlier than delay from now and
	// returns a cancellable handle. The handle remains valid after the task
	// has run or been cancelled; late Cancel calls are no-ops. After
	// Shutdown, Schedule returns an already-cancelled handle.
	Schedule(delay time.Duration, task Task) *DelayedOperation

	// IsCurrentExecutor reports whether the calling goroutine is this
	// executor's execution context. It is callable from any goroutine and
	// never blocks or schedules work.
	IsCurrentExecutor() bool

	// Name returns the diagnostic label the executor was created with. It has
	// no scheduling significance.
	Name() string

	// Shutdown cancels all scheduled operations, discards queued tasks that
	// have not started, waits for the in-flight task to finish, and releases
	// the execution context. It is idempotent and panics when called from the
	// executor's own context. No task body runs after Shutdown returns.
	Shutdown()
}

// executorNames maps worker goroutine ids to executor names so that
// verification failures can say where the caller actually was. Entries exist
// only while a goroutine is acting as an executor's context, so the map stays
// as small as the number of live executors.
var executorNames = struct {
	sync.RWMutex
	m map[int64]string
}{m: make(map[int64]string)}

// MarkExecutorContext records the calling goroutine as the execution context
// of the named executor until the returned release function runs. If the
// goroutine was already marked (an executor running a task on another,
// synchronous executor), release restores the previous mark.
//
// SerialExecutor marks its worker automatically; custom Executor
// implementations call this so verification panics can name their context.
func MarkExecutorContext(name string) (release func()) {
	id := goid.Get()
	executorNames.Lock()
	prev, had := executorNames.m[id]
	executorNames.m[id] = name
	executorNames.Unlock()
	return func() {
		executorNames.Lock()
		if had {
			executorNames.m[id] = prev
		} else {
			delete(executorNames.m, id)
		}
		executorNames.Unlock()
	}
}

// currentExecutorName returns the name of the executor whose context the
// calling goroutine is, or "none". Used only to build panic messages.
func currentExecutorName() string {
	executorNames.RLock()
	name, ok := executorNames.m[goid.Get()]
	executorNames.RUnlock()
	if !ok {
		return "none"
	}
	return name
}
