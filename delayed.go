package strand

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// opState tracks a delayed operation through its lifecycle. The only legal
// transitions are opScheduled→opRunning→opDone and opScheduled→opCancelled.
type opState int32

const (
	opScheduled opState = iota
	opRunning
	opDone
	opCancelled
)

// A DelayedOperation is a reference-only handle to a scheduled-but-pending
// task. It is created by Executor.Schedule (and by AsyncQueue.EnqueueAfterDelay,
// which additionally registers it under a Tag) and stays valid for the
// lifetime of the program: cancelling after the task has run, or twice, is a
// safe no-op.
type DelayedOperation struct {
	id     string
	fireAt time.Time
	seq    uint64
	task   Task

	mu      sync.Mutex
	tag     Tag
	state   opState
	settled []func(*DelayedOperation)
}

// opSeq gives every operation a creation-ordered sequence number, used to
// break ties between operations due at the same instant.
var opSeq atomic.Uint64

// NewDelayedOperation returns a handle in the scheduled state for a task due
// no earlier than fireAt. Executor implementations build their Schedule on
// it; the handle's state machine is what makes run-or-cancel exactly-once.
func NewDelayedOperation(task Task, fireAt time.Time) *DelayedOperation {
	return &DelayedOperation{
		id:     ulid.Make().String(),
		fireAt: fireAt,
		seq:    opSeq.Add(1),
		task:   task,
	}
}

// ID returns the operation's unique identifier, assigned at creation.
func (op *DelayedOperation) ID() string { return op.id }

// Tag returns the tag the operation was registered under, or the zero Tag for
// operations scheduled directly on an Executor.
func (op *DelayedOperation) Tag() Tag {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.tag
}

// FireTime returns the earliest instant the operation may run.
func (op *DelayedOperation) FireTime() time.Time { return op.fireAt }

// Pending reports whether the operation is still outstanding: scheduled and
// neither started nor cancelled.
func (op *DelayedOperation) Pending() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state == opScheduled
}

func (op *DelayedOperation) isCancelled() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state == opCancelled
}

// Cancel prevents the operation from running if it has not yet started and
// reports whether it did so. Cancelling an operation that is already running,
// finished, or cancelled is a no-op. Cancel is safe to call from any
// goroutine, including from within the task itself.
func (op *DelayedOperation) Cancel() bool {
	op.mu.Lock()
	if op.state != opScheduled {
		op.mu.Unlock()
		return false
	}
	op.state = opCancelled
	hooks := op.settled
	op.settled = nil
	op.mu.Unlock()

	for _, hook := range hooks {
		hook(op)
	}
	return true
}

// onSettled registers a hook to run exactly once when the operation reaches a
// terminal state (done or cancelled). If it is already terminal, the hook
// runs immediately. Hooks must not call back into the operation while holding
// locks the hook path also takes.
func (op *DelayedOperation) onSettled(hook func(*DelayedOperation)) {
	op.mu.Lock()
	if op.state == opDone || op.state == opCancelled {
		op.mu.Unlock()
		hook(op)
		return
	}
	op.settled = append(op.settled, hook)
	op.mu.Unlock()
}

// setTag records the queue-level tag. Late calls (the operation already
// fired) still record it for diagnostics.
func (op *DelayedOperation) setTag(tag Tag) {
	op.mu.Lock()
	op.tag = tag
	op.mu.Unlock()
}

// start attempts the scheduled→running transition. Exactly one caller wins;
// losers must skip the task body. This is what makes cancellation before the
// fire time guaranteed and cancellation afterwards a no-op.
func (op *DelayedOperation) start() bool {
	op.mu.Lock()
	if op.state != opScheduled {
		op.mu.Unlock()
		return false
	}
	op.state = opRunning
	op.mu.Unlock()
	return true
}

// finish completes the running→done transition and fires settle hooks.
func (op *DelayedOperation) finish() {
	op.mu.Lock()
	op.state = opDone
	hooks := op.settled
	op.settled = nil
	op.mu.Unlock()

	for _, hook := range hooks {
		hook(op)
	}
}

// invoke runs the task body if the operation is still pending and reports
// whether it did. It must be called on the owning executor's context.
func (op *DelayedOperation) invoke() bool {
	if !op.start() {
		return false
	}
	op.task()
	op.finish()
	return true
}

// run adapts invoke to the Task shape used on executor run queues.
func (op *DelayedOperation) run() {
	op.invoke()
}
