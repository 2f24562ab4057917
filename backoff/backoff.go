// Package backoff schedules retries with growing delays on an AsyncQueue.
//
// A Backoff owns one tag on its queue: every attempt is a delayed operation
// under that tag, so CancelDelayedOperations on the tag, or queue shutdown,
// reaches pending attempts the same way it reaches any other delayed work.
package backoff

import (
	"log/slog"
	"sync"
	"time"

	expbackoff "github.com/cenkalti/backoff/v4"

	"github.com/seantiz/strand"
)

// Options configures a Backoff. Zero fields take the defaults below.
type Options struct {
	// InitialDelay is the base delay of the second attempt. The first
	// attempt after New or Reset runs immediately. Default 1s.
	InitialDelay time.Duration
	// MaxDelay caps the base delay. Jitter may push an individual delay
	// above it. Default 60s.
	MaxDelay time.Duration
	// Multiplier grows the base delay between attempts. Default 1.5.
	Multiplier float64
	// RandomizationFactor spreads each delay uniformly over
	// [delay*(1-f), delay*(1+f)] so parallel clients do not retry in
	// lockstep. Default 0.5.
	RandomizationFactor float64
	// Logger receives a debug line per scheduled attempt. Default
	// slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 1.5
	}
	if o.RandomizationFactor <= 0 {
		o.RandomizationFactor = 0.5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Backoff schedules a task repeatedly with exponentially growing delays. It
// is safe for concurrent use, though the usual pattern is to call it from the
// queue's own context, retrying until the task's work finally succeeds.
type Backoff struct {
	queue *strand.AsyncQueue
	tag   strand.Tag
	opts  Options

	mu      sync.Mutex
	source  *expbackoff.ExponentialBackOff
	first   bool
	pending *strand.DelayedOperation
}

// New creates a Backoff scheduling under tag on q.
func New(q *strand.AsyncQueue, tag strand.Tag, opts Options) *Backoff {
	opts.withDefaults()
	b := &Backoff{
		queue: q,
		tag:   tag,
		opts:  opts,
		first: true,
	}
	b.source = b.newSource(opts.InitialDelay)
	return b
}

// newSource builds the delay generator starting from the given base. Elapsed
// time never stops the sequence; callers decide when to give up.
func (b *Backoff) newSource(initial time.Duration) *expbackoff.ExponentialBackOff {
	s := expbackoff.NewExponentialBackOff()
	s.InitialInterval = initial
	s.MaxInterval = b.opts.MaxDelay
	s.Multiplier = b.opts.Multiplier
	s.RandomizationFactor = b.opts.RandomizationFactor
	s.MaxElapsedTime = 0
	s.Reset()
	return s
}

func (b *Backoff) nextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.first {
		b.first = false
		return 0
	}
	d := b.source.NextBackOff()
	if d == expbackoff.Stop {
		d = b.opts.MaxDelay
	}
	return d
}

// BackoffAndRun cancels the previous pending attempt, if any, and schedules
// task on the queue after the current delay, growing the delay for the
// attempt after. The task itself decides whether to call BackoffAndRun again
// or to Reset.
func (b *Backoff) BackoffAndRun(task strand.Task) {
	b.Cancel()
	delay := b.nextDelay()
	b.opts.Logger.Debug("backoff: scheduling attempt", "tag", string(b.tag), "delay", delay)

	op := b.queue.EnqueueAfterDelay(delay, b.tag, task)
	b.mu.Lock()
	b.pending = op
	b.mu.Unlock()
}

// Reset informs the Backoff that the underlying work succeeded: the next
// BackoffAndRun runs immediately and delays grow from InitialDelay again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.first = true
	b.source = b.newSource(b.opts.InitialDelay)
	b.mu.Unlock()
}

// ResetToMax informs the Backoff that the underlying work hit a condition
// where fast retries are pointless, such as a server telling the client to
// slow down. All delays from the next attempt on stay at MaxDelay, with
// jitter, until Reset.
func (b *Backoff) ResetToMax() {
	b.mu.Lock()
	b.first = false
	b.source = b.newSource(b.opts.MaxDelay)
	b.mu.Unlock()
}

// Cancel cancels the pending attempt, if one is still outstanding. The grown
// delay is kept; only Reset shrinks it.
func (b *Backoff) Cancel() {
	b.mu.Lock()
	op := b.pending
	b.pending = nil
	b.mu.Unlock()
	if op != nil {
		op.Cancel()
	}
}
