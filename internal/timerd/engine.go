package timerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/strand"
	"github.com/seantiz/strand/internal/model"
	"github.com/seantiz/strand/internal/store"
)

// ErrShuttingDown is returned for mutations that arrive after shutdown began.
var ErrShuttingDown = errors.New("engine is shutting down")

// ErrAlreadySettled is returned when cancelling a timer that already fired or
// was already cancelled.
var ErrAlreadySettled = errors.New("timer already settled")

// Engine schedules timers on a strand queue and journals their lifecycle to
// the store. Every scheduling decision runs as a queue task, so the pending
// map below needs no mutex: the queue's serial execution is the only thing
// that ever touches it.
type Engine struct {
	queue  *strand.AsyncQueue
	store  store.Store
	logger *slog.Logger
	broker *Broker

	// pending maps timer ID to its outstanding delayed operation. Confined
	// to the queue; accessed only from inside queue tasks.
	pending map[string]*strand.DelayedOperation

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewEngine creates a timer engine on top of queue. The engine owns the
// queue: callers must not submit work to it directly.
func NewEngine(queue *strand.AsyncQueue, s store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		queue:   queue,
		store:   s,
		logger:  logger,
		broker:  NewBroker(),
		pending: make(map[string]*strand.DelayedOperation),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Schedule creates a timer record and arranges for it to fire after delay.
// The timer is persisted with status "scheduled" before this returns.
// Negative delays are clamped to zero, which schedules an immediate fire
// behind whatever is already queued.
func (e *Engine) Schedule(ctx context.Context, tag, note string, delay time.Duration) (*model.Timer, error) {
	if delay < 0 {
		delay = 0
	}
	if e.closed.Load() {
		return nil, ErrShuttingDown
	}

	now := time.Now().UTC()
	t := &model.Timer{
		ID:        model.NewID(),
		Tag:       tag,
		Note:      note,
		DelayMS:   delay.Milliseconds(),
		Status:    model.StatusScheduled,
		CreatedAt: now,
		FireAt:    now.Add(delay),
	}

	var createErr error
	ran := false
	e.queue.EnqueueBlocking(func() {
		ran = true
		e.queue.VerifyIsCurrentQueue()

		if err := e.store.CreateTimer(ctx, t); err != nil {
			createErr = fmt.Errorf("create timer: %w", err)
			return
		}

		op := e.queue.EnqueueAfterDelay(delay, strand.Tag(tag), func() {
			e.fire(t.ID)
		})
		e.pending[t.ID] = op

		timersScheduled.Inc()
		e.broker.Publish(model.TimerEvent{Kind: model.EventScheduled, Timer: *t})
	})
	if !ran {
		// The queue shut down before the task could run.
		return nil, ErrShuttingDown
	}
	if createErr != nil {
		return nil, createErr
	}

	e.logger.Info("timer scheduled", "timer_id", t.ID, "tag", tag, "delay_ms", t.DelayMS)
	return t, nil
}

// fire runs on the queue when a timer's delay elapses: fired→journal→publish.
func (e *Engine) fire(id string) {
	e.queue.VerifyIsCurrentQueue()
	delete(e.pending, id)

	ctx := context.Background()
	if err := e.store.UpdateTimerStatus(ctx, id, model.StatusFired); err != nil {
		e.logger.Error("failed to transition to fired", "timer_id", id, "error", err)
		return
	}
	t, err := e.store.GetTimer(ctx, id)
	if err != nil {
		e.logger.Error("failed to load fired timer", "timer_id", id, "error", err)
		return
	}

	timersFired.Inc()
	e.broker.Publish(model.TimerEvent{Kind: model.EventFired, Timer: *t})

	var latency int64
	if t.LatencyMS != nil {
		latency = *t.LatencyMS
	}
	e.logger.Info("timer fired", "timer_id", id, "tag", t.Tag, "latency_ms", latency)
}

// recoverPageSize is how many scheduled timers Recover loads per store query.
const recoverPageSize = 200

// Recover re-arms timers left in scheduled state by a previous process.
// Fire times already in the past fire immediately. Call it once at startup,
// before the engine starts accepting requests.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrShuttingDown
	}

	// Collect every scheduled row before arming anything. Arming first would
	// let overdue timers fire mid-listing and shift the pagination under us.
	var survivors []*model.Timer
	for {
		page, _, err := e.store.ListTimers(ctx, "", model.StatusScheduled, recoverPageSize, len(survivors))
		if err != nil {
			return 0, fmt.Errorf("list scheduled timers: %w", err)
		}
		if len(page) == 0 {
			break
		}
		survivors = append(survivors, page...)
	}
	if len(survivors) == 0 {
		return 0, nil
	}

	e.queue.EnqueueBlocking(func() {
		e.queue.VerifyIsCurrentQueue()
		for _, t := range survivors {
			delay := time.Until(t.FireAt)
			if delay < 0 {
				delay = 0
			}
			id := t.ID
			op := e.queue.EnqueueAfterDelay(delay, strand.Tag(t.Tag), func() {
				e.fire(id)
			})
			e.pending[id] = op
		}
	})

	e.logger.Info("timers recovered", "count", len(survivors))
	return len(survivors), nil
}

// journalCancelled runs on the queue after a pending operation has been
// cancelled. It persists the transition and publishes the event, returning
// the updated record or nil if journaling failed.
func (e *Engine) journalCancelled(ctx context.Context, id string) *model.Timer {
	if err := e.store.UpdateTimerStatus(ctx, id, model.StatusCancelled); err != nil {
		e.logger.Error("failed to transition to cancelled", "timer_id", id, "error", err)
		return nil
	}
	t, err := e.store.GetTimer(ctx, id)
	if err != nil {
		e.logger.Error("failed to load cancelled timer", "timer_id", id, "error", err)
		return nil
	}

	timersCancelled.Inc()
	e.broker.Publish(model.TimerEvent{Kind: model.EventCancelled, Timer: *t})
	return t
}

// CancelTimer cancels a single scheduled timer by ID and returns the updated
// record. It returns store.ErrNotFound if no such timer exists and
// ErrAlreadySettled if the timer fired or was cancelled before the call.
func (e *Engine) CancelTimer(ctx context.Context, id string) (*model.Timer, error) {
	var t *model.Timer
	var opErr error
	ran := false
	e.queue.EnqueueBlocking(func() {
		ran = true
		e.queue.VerifyIsCurrentQueue()

		op, ok := e.pending[id]
		if !ok {
			// Not pending: either unknown or already terminal. The store
			// record distinguishes the two.
			got, err := e.store.GetTimer(ctx, id)
			if err != nil {
				opErr = err
				return
			}
			opErr = fmt.Errorf("%w: timer %s already %s", ErrAlreadySettled, id, got.Status)
			return
		}

		// On the queue a pending entry cannot be mid-fire, so the cancel
		// always wins the race against the scheduled task.
		delete(e.pending, id)
		op.Cancel()

		t = e.journalCancelled(ctx, id)
		if t == nil {
			opErr = fmt.Errorf("cancel timer %s: journal failed", id)
		}
	})
	if !ran {
		return nil, ErrShuttingDown
	}
	if opErr != nil {
		return nil, opErr
	}

	e.logger.Info("timer cancelled", "timer_id", id, "tag", t.Tag)
	return t, nil
}

// CancelTag cancels every scheduled timer carrying tag and returns how many
// it cancelled. Cancelling a tag with no scheduled timers returns zero.
func (e *Engine) CancelTag(ctx context.Context, tag string) (int, error) {
	cancelled := 0
	ran := false
	e.queue.EnqueueBlocking(func() {
		ran = true
		e.queue.VerifyIsCurrentQueue()

		for id, op := range e.pending {
			if op.Tag() != strand.Tag(tag) {
				continue
			}
			delete(e.pending, id)
			op.Cancel()
			cancelled++
			e.journalCancelled(ctx, id)
		}
	})
	if !ran {
		return 0, ErrShuttingDown
	}

	if cancelled > 0 {
		e.logger.Info("tag cancelled", "tag", tag, "timers", cancelled)
	}
	return cancelled, nil
}

// IsScheduled reports whether at least one timer carrying tag is still
// scheduled. Callable from any goroutine.
func (e *Engine) IsScheduled(tag string) bool {
	return e.queue.IsScheduled(strand.Tag(tag))
}

// QueueStats returns a snapshot of the underlying queue's counters.
func (e *Engine) QueueStats() strand.QueueStats {
	return e.queue.Stats()
}

// Shutdown journals every still-scheduled timer as cancelled, shuts the
// queue down, and closes the event broker. It is idempotent; concurrent
// callers block until the first call completes.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.queue.EnterRestrictedMode()

		survivors := 0
		e.queue.EnqueueBlocking(func() {
			e.queue.VerifyIsCurrentQueue()
			for id, op := range e.pending {
				delete(e.pending, id)
				op.Cancel()
				survivors++
				e.journalCancelled(context.Background(), id)
			}
		})

		e.queue.Shutdown()
		e.broker.Close()
		e.logger.Info("timer engine stopped", "cancelled_on_shutdown", survivors)
	})
}
