// Package strand provides a serial asynchronous execution primitive: an
// AsyncQueue that imposes FIFO ordering, fail-fast execution-context
// verification, and tag-based cancellable delayed scheduling on top of a
// pluggable Executor.
//
// Each AsyncQueue is logically single-threaded. Immediate work submitted with
// Enqueue runs in submission order with no overlap; delayed work submitted
// with EnqueueAfterDelay fires in time order and can be cancelled
// individually or as a tagged group any time before it starts. Parallelism is
// achieved by running multiple independent queues, never by parallelizing
// within one.
//
// The production Executor backend, SerialExecutor, dedicates exactly one
// worker goroutine per instance. Test code obtains conforming instances
// through the strandtest package, which also offers a synchronous executor
// for fully deterministic tests.
//
// Violations of the threading contract, such as mutating queue-owned state
// off the queue or issuing a blocking wait from the queue's own context, are
// programmer errors and panic immediately rather than corrupting state or
// deadlocking. Panics raised by task bodies are never recovered: a faulting
// task takes the process down instead of being silently swallowed.
package strand
