package timerd_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/strand"
	"github.com/seantiz/strand/internal/model"
	"github.com/seantiz/strand/internal/store"
	"github.com/seantiz/strand/internal/timerd"
)

func newTestEngine(t *testing.T) (*timerd.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	queue := strand.NewAsyncQueue(strand.NewSerialExecutor("timerd-test", logger), logger)
	eng := timerd.NewEngine(queue, s, logger)
	t.Cleanup(eng.Shutdown)
	return eng, s
}

// waitForStatus polls the store until the timer reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Timer {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tm, err := s.GetTimer(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTimer: %v", err)
		}
		if tm.Status == expected {
			return tm
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timer %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestScheduleHappyPath(t *testing.T) {
	eng, s := newTestEngine(t)

	tm, err := eng.Schedule(context.Background(), "flush", "write dirty pages", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if tm.DelayMS != 30 {
		t.Errorf("delay_ms = %d, want 30", tm.DelayMS)
	}
	if !tm.FireAt.After(tm.CreatedAt) {
		t.Errorf("fire_at %v should be after created_at %v", tm.FireAt, tm.CreatedAt)
	}

	// Should be persisted as scheduled immediately.
	got, err := s.GetTimer(context.Background(), tm.ID)
	if err != nil {
		t.Fatalf("GetTimer: %v", err)
	}
	if got.Status != model.StatusScheduled {
		t.Errorf("initial status = %q, want scheduled", got.Status)
	}

	fired := waitForStatus(t, s, tm.ID, model.StatusFired, 5*time.Second)
	if fired.FinishedAt == nil {
		t.Error("finished_at is nil after fire")
	}
	if fired.LatencyMS == nil {
		t.Error("latency_ms is nil after fire")
	} else if *fired.LatencyMS < 0 {
		t.Errorf("latency_ms = %d, want >= 0 for a natural fire", *fired.LatencyMS)
	}
}

func TestScheduleZeroDelay(t *testing.T) {
	eng, s := newTestEngine(t)

	tm, err := eng.Schedule(context.Background(), "now", "", 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitForStatus(t, s, tm.ID, model.StatusFired, 5*time.Second)
}

func TestScheduleNegativeDelayClamps(t *testing.T) {
	eng, s := newTestEngine(t)

	tm, err := eng.Schedule(context.Background(), "past", "", -time.Hour)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if tm.DelayMS != 0 {
		t.Errorf("delay_ms = %d, want 0 after clamping", tm.DelayMS)
	}
	waitForStatus(t, s, tm.ID, model.StatusFired, 5*time.Second)
}

func TestFiresInFireTimeOrder(t *testing.T) {
	eng, _ := newTestEngine(t)

	events, unsub := eng.Broker().Subscribe("")
	defer unsub()

	late, err := eng.Schedule(context.Background(), "order", "", 120*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule late: %v", err)
	}
	early, err := eng.Schedule(context.Background(), "order", "", 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule early: %v", err)
	}
	middle, err := eng.Schedule(context.Background(), "order", "", 80*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule middle: %v", err)
	}

	want := []string{early.ID, middle.ID, late.ID}
	var fired []string
	timeout := time.After(5 * time.Second)
	for len(fired) < len(want) {
		select {
		case ev := <-events:
			if ev.Kind == model.EventFired {
				fired = append(fired, ev.Timer.ID)
			}
		case <-timeout:
			t.Fatalf("timed out with fired order %v", fired)
		}
	}

	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired order = %v, want %v", fired, want)
		}
	}
}

func TestCancelTimer(t *testing.T) {
	eng, s := newTestEngine(t)

	tm, err := eng.Schedule(context.Background(), "job", "", 10*time.Second)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !eng.IsScheduled("job") {
		t.Fatal("IsScheduled = false for a freshly scheduled tag")
	}

	cancelled, err := eng.CancelTimer(context.Background(), tm.ID)
	if err != nil {
		t.Fatalf("CancelTimer: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}
	if cancelled.LatencyMS != nil {
		t.Errorf("latency_ms = %v, want nil for a cancelled timer", *cancelled.LatencyMS)
	}
	if eng.IsScheduled("job") {
		t.Error("IsScheduled = true after cancelling the only timer")
	}

	got, err := s.GetTimer(context.Background(), tm.ID)
	if err != nil {
		t.Fatalf("GetTimer: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("stored status = %q, want cancelled", got.Status)
	}
}

func TestCancelTimerNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.CancelTimer(context.Background(), "no-such-timer")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelTimerAlreadySettled(t *testing.T) {
	eng, s := newTestEngine(t)

	tm, err := eng.Schedule(context.Background(), "quick", "", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitForStatus(t, s, tm.ID, model.StatusFired, 5*time.Second)

	_, err = eng.CancelTimer(context.Background(), tm.ID)
	if !errors.Is(err, timerd.ErrAlreadySettled) {
		t.Errorf("cancel after fire: err = %v, want ErrAlreadySettled", err)
	}

	// A second cancel after a successful one settles the same way.
	other, err := eng.Schedule(context.Background(), "quick", "", 10*time.Second)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := eng.CancelTimer(context.Background(), other.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	_, err = eng.CancelTimer(context.Background(), other.ID)
	if !errors.Is(err, timerd.ErrAlreadySettled) {
		t.Errorf("second cancel: err = %v, want ErrAlreadySettled", err)
	}
}

func TestCancelTag(t *testing.T) {
	eng, s := newTestEngine(t)

	var batch []string
	for i := 0; i < 3; i++ {
		tm, err := eng.Schedule(context.Background(), "batch", "", 10*time.Second)
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		batch = append(batch, tm.ID)
	}
	other, err := eng.Schedule(context.Background(), "other", "", 10*time.Second)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	n, err := eng.CancelTag(context.Background(), "batch")
	if err != nil {
		t.Fatalf("CancelTag: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled %d timers, want 3", n)
	}

	for _, id := range batch {
		got, err := s.GetTimer(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTimer: %v", err)
		}
		if got.Status != model.StatusCancelled {
			t.Errorf("timer %s status = %q, want cancelled", id, got.Status)
		}
	}
	if eng.IsScheduled("batch") {
		t.Error("IsScheduled(batch) = true after CancelTag")
	}
	if !eng.IsScheduled("other") {
		t.Error("IsScheduled(other) = false; CancelTag must not touch other tags")
	}
	got, _ := s.GetTimer(context.Background(), other.ID)
	if got.Status != model.StatusScheduled {
		t.Errorf("other timer status = %q, want scheduled", got.Status)
	}

	// Cancelling again finds nothing.
	n, err = eng.CancelTag(context.Background(), "batch")
	if err != nil {
		t.Fatalf("second CancelTag: %v", err)
	}
	if n != 0 {
		t.Errorf("second CancelTag cancelled %d, want 0", n)
	}
}

func TestEventsFollowLifecycle(t *testing.T) {
	eng, s := newTestEngine(t)

	events, unsub := eng.Broker().Subscribe("")
	defer unsub()

	tm, err := eng.Schedule(context.Background(), "life", "", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitForStatus(t, s, tm.ID, model.StatusFired, 5*time.Second)

	want := []string{model.EventScheduled, model.EventFired}
	for i, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Errorf("event[%d] kind = %q, want %q", i, ev.Kind, kind)
			}
			if ev.Timer.ID != tm.ID {
				t.Errorf("event[%d] timer = %q, want %q", i, ev.Timer.ID, tm.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func TestCancelPublishesEvent(t *testing.T) {
	eng, _ := newTestEngine(t)

	events, unsub := eng.Broker().Subscribe("")
	defer unsub()

	tm, err := eng.Schedule(context.Background(), "life", "", 10*time.Second)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := eng.CancelTimer(context.Background(), tm.ID); err != nil {
		t.Fatalf("CancelTimer: %v", err)
	}

	want := []string{model.EventScheduled, model.EventCancelled}
	for i, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Errorf("event[%d] kind = %q, want %q", i, ev.Kind, kind)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func TestScheduleConcurrent(t *testing.T) {
	eng, s := newTestEngine(t)

	ids := make(chan string, 5)
	for i := 0; i < 5; i++ {
		go func() {
			tm, err := eng.Schedule(context.Background(), "parallel", "", 30*time.Millisecond)
			if err != nil {
				t.Errorf("Schedule: %v", err)
				ids <- ""
				return
			}
			ids <- tm.ID
		}()
	}

	for i := 0; i < 5; i++ {
		id := <-ids
		if id == "" {
			continue
		}
		waitForStatus(t, s, id, model.StatusFired, 5*time.Second)
	}
}

func TestShutdownCancelsSurvivors(t *testing.T) {
	eng, s := newTestEngine(t)

	first, err := eng.Schedule(context.Background(), "survivor", "", 10*time.Second)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	second, err := eng.Schedule(context.Background(), "survivor", "", 10*time.Second)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	eng.Shutdown()

	for _, id := range []string{first.ID, second.ID} {
		got, err := s.GetTimer(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTimer: %v", err)
		}
		if got.Status != model.StatusCancelled {
			t.Errorf("timer %s status = %q, want cancelled after shutdown", id, got.Status)
		}
	}

	if _, err := eng.Schedule(context.Background(), "late", "", time.Second); !errors.Is(err, timerd.ErrShuttingDown) {
		t.Errorf("Schedule after shutdown: err = %v, want ErrShuttingDown", err)
	}
	if _, err := eng.CancelTimer(context.Background(), first.ID); !errors.Is(err, timerd.ErrShuttingDown) {
		t.Errorf("CancelTimer after shutdown: err = %v, want ErrShuttingDown", err)
	}
	if _, err := eng.CancelTag(context.Background(), "survivor"); !errors.Is(err, timerd.ErrShuttingDown) {
		t.Errorf("CancelTag after shutdown: err = %v, want ErrShuttingDown", err)
	}
}

// seedScheduledTimer inserts a scheduled row directly, as if written by a
// previous process that died before firing it.
func seedScheduledTimer(t *testing.T, s store.Store, tag string, fireAt time.Time) *model.Timer {
	t.Helper()
	tm := &model.Timer{
		ID:        model.NewID(),
		Tag:       tag,
		DelayMS:   50,
		Status:    model.StatusScheduled,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
		FireAt:    fireAt,
	}
	if err := s.CreateTimer(context.Background(), tm); err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	return tm
}

func TestRecoverReArmsScheduledTimers(t *testing.T) {
	eng, s := newTestEngine(t)

	overdue := seedScheduledTimer(t, s, "recover", time.Now().UTC().Add(-time.Second))
	upcoming := seedScheduledTimer(t, s, "recover", time.Now().UTC().Add(50*time.Millisecond))

	n, err := eng.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("Recover = %d, want 2", n)
	}

	waitForStatus(t, s, overdue.ID, model.StatusFired, 5*time.Second)
	waitForStatus(t, s, upcoming.ID, model.StatusFired, 5*time.Second)
}

func TestRecoverRearmedTimersCancellable(t *testing.T) {
	eng, s := newTestEngine(t)

	tm := seedScheduledTimer(t, s, "recover", time.Now().UTC().Add(10*time.Second))
	if _, err := eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := eng.CancelTimer(context.Background(), tm.ID)
	if err != nil {
		t.Fatalf("CancelTimer: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestRecoverNothingScheduled(t *testing.T) {
	eng, _ := newTestEngine(t)

	n, err := eng.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Errorf("Recover = %d, want 0", n)
	}
}

func TestRecoverAfterShutdown(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Shutdown()

	if _, err := eng.Recover(context.Background()); !errors.Is(err, timerd.ErrShuttingDown) {
		t.Errorf("Recover after shutdown: err = %v, want ErrShuttingDown", err)
	}
}

func TestQueueStatsReflectActivity(t *testing.T) {
	eng, s := newTestEngine(t)

	quick, err := eng.Schedule(context.Background(), "stats", "", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	slow, err := eng.Schedule(context.Background(), "stats", "", 10*time.Second)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitForStatus(t, s, quick.ID, model.StatusFired, 5*time.Second)
	if _, err := eng.CancelTimer(context.Background(), slow.ID); err != nil {
		t.Fatalf("CancelTimer: %v", err)
	}

	// The pending registry empties moments after the status row is visible.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.QueueStats().OutstandingDelayed == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := eng.QueueStats()
	if stats.Scheduled != 2 {
		t.Errorf("Scheduled = %d, want 2", stats.Scheduled)
	}
	if stats.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", stats.Cancelled)
	}
	if stats.OutstandingDelayed != 0 {
		t.Errorf("OutstandingDelayed = %d, want 0", stats.OutstandingDelayed)
	}
}
