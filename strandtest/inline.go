package strandtest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/seantiz/strand"
)

// Compile-time interface satisfaction check.
var _ strand.Executor = (*InlineExecutor)(nil)

// InlineExecutor runs tasks synchronously on the calling goroutine. Execute
// from outside a task runs the task before returning; Execute from inside a
// task appends to a pending list the outermost invocation drains in order,
// so submission order is preserved without the stack growing per nested
// submission. A mutex serializes submissions from different goroutines, and
// IsCurrentExecutor is true exactly while a task body runs.
//
// Delayed operations never fire on their own: Schedule only records the
// handle. They run when expedited through AsyncQueue.RunScheduledOperationsUntil
// or settle when cancelled, which keeps tests free of real timers.
type InlineExecutor struct {
	name string

	// current holds the goid of the goroutine draining tasks, zero when
	// idle. Only the mu holder stores a non-zero value.
	current atomic.Int64

	mu   sync.Mutex
	down bool

	// pending and delayed are touched only by the goroutine holding mu,
	// including re-entrantly from task bodies while that same goroutine
	// drains.
	pending []strand.Task
	delayed []*strand.DelayedOperation
}

// NewInlineExecutor creates an inline executor with the given diagnostic
// name.
func NewInlineExecutor(name string) *InlineExecutor {
	return &InlineExecutor{name: name}
}

// drain runs task and then every task submitted re-entrantly while it ran.
// The caller holds e.mu.
func (e *InlineExecutor) drain(task strand.Task) {
	e.current.Store(goid.Get())
	release := strand.MarkExecutorContext(e.name)
	defer func() {
		release()
		e.current.Store(0)
	}()

	task()
	for len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		next()
	}
}

// Execute runs task synchronously before returning. Called from inside a
// task, it instead appends to the pending list drained by the outermost
// invocation, preserving submission order. After Shutdown the task is
// dropped.
func (e *InlineExecutor) Execute(task strand.Task) {
	if e.IsCurrentExecutor() {
		e.pending = append(e.pending, task)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return
	}
	e.drain(task)
}

// ExecuteBlocking runs task synchronously, like Execute from outside a task.
// From the executor's own context it panics, as the contract requires.
func (e *InlineExecutor) ExecuteBlocking(task strand.Task) {
	if e.IsCurrentExecutor() {
		panic(fmt.Sprintf(
			"strandtest: ExecuteBlocking called from executor %q itself; a task cannot wait for its own completion",
			e.name))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return
	}
	e.drain(task)
}

// Schedule records a handle for task due no earlier than delay from now. The
// operation does not fire spontaneously; see the type comment. After Shutdown
// the returned handle is already cancelled.
func (e *InlineExecutor) Schedule(delay time.Duration, task strand.Task) *strand.DelayedOperation {
	op := strand.NewDelayedOperation(task, time.Now().Add(delay))
	if e.IsCurrentExecutor() {
		e.delayed = append(e.delayed, op)
		return op
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		op.Cancel()
		return op
	}
	e.delayed = append(e.delayed, op)
	return op
}

// IsCurrentExecutor reports whether the calling goroutine is currently
// running a task on this executor.
func (e *InlineExecutor) IsCurrentExecutor() bool {
	id := e.current.Load()
	return id != 0 && id == goid.Get()
}

// Name returns the diagnostic label passed to NewInlineExecutor.
func (e *InlineExecutor) Name() string { return e.name }

// Shutdown cancels all recorded delayed operations and drops subsequent
// tasks. A drain in progress on another goroutine completes first. Calling it
// from the executor's own context panics.
func (e *InlineExecutor) Shutdown() {
	if e.IsCurrentExecutor() {
		panic(fmt.Sprintf(
			"strandtest: Shutdown called from executor %q itself; a task cannot outlive its executor",
			e.name))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return
	}
	e.down = true
	ops := e.delayed
	e.delayed = nil
	for _, op := range ops {
		op.Cancel()
	}
}
