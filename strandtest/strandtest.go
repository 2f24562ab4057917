// Package strandtest provides executors and queues for tests: factories that
// return fully conforming production instances with quiet logging, and a
// synchronous InlineExecutor for tests that need deterministic, same-goroutine
// execution.
package strandtest

import (
	"io"
	"log/slog"

	"github.com/seantiz/strand"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewExecutor creates a serial executor suitable for testing. Semantics are
// identical to production; only the logger is silenced and the name is
// prefixed so test executors stand out in panic messages.
//
// The name describes the kind of context the executor stands in for, for
// example "user" for executors that emulate delivery of user events or
// "worker" for executors that back queues.
func NewExecutor(name string) *strand.SerialExecutor {
	return strand.NewSerialExecutor("testing."+name, quietLogger())
}

// NewQueue creates an AsyncQueue suitable for testing, backed by
// NewExecutor("worker"). Callers own the queue and should arrange for
// Shutdown when the test ends.
func NewQueue() *strand.AsyncQueue {
	return strand.NewAsyncQueue(NewExecutor("worker"), quietLogger())
}
