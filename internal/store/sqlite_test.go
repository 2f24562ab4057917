package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/strand/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTimer() *model.Timer {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Timer{
		ID:        model.NewID(),
		Tag:       "flush",
		Note:      "test timer",
		DelayMS:   1500,
		Status:    model.StatusScheduled,
		CreatedAt: now,
		FireAt:    now.Add(1500 * time.Millisecond),
	}
}

func TestCreateAndGetTimer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tm := makeTestTimer()

	if err := s.CreateTimer(ctx, tm); err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	got, err := s.GetTimer(ctx, tm.ID)
	if err != nil {
		t.Fatalf("GetTimer: %v", err)
	}

	if got.ID != tm.ID {
		t.Errorf("ID = %q, want %q", got.ID, tm.ID)
	}
	if got.Tag != tm.Tag {
		t.Errorf("Tag = %q, want %q", got.Tag, tm.Tag)
	}
	if got.Note != tm.Note {
		t.Errorf("Note = %q, want %q", got.Note, tm.Note)
	}
	if got.DelayMS != tm.DelayMS {
		t.Errorf("DelayMS = %d, want %d", got.DelayMS, tm.DelayMS)
	}
	if got.Status != model.StatusScheduled {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusScheduled)
	}
	if got.LatencyMS != nil {
		t.Errorf("LatencyMS = %v, want nil for a scheduled timer", *got.LatencyMS)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil for a scheduled timer", got.FinishedAt)
	}
}

func TestGetTimerNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetTimer(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetTimer error = %v, want ErrNotFound", err)
	}
}

func TestListTimersPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert 5 timers with staggered creation times.
	for i := 0; i < 5; i++ {
		tm := makeTestTimer()
		tm.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateTimer(ctx, tm); err != nil {
			t.Fatalf("CreateTimer[%d]: %v", i, err)
		}
	}

	timers, total, err := s.ListTimers(ctx, "", "", 2, 0)
	if err != nil {
		t.Fatalf("ListTimers: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(timers) != 2 {
		t.Errorf("len(timers) = %d, want 2", len(timers))
	}

	timers2, total2, err := s.ListTimers(ctx, "", "", 2, 2)
	if err != nil {
		t.Fatalf("ListTimers page 2: %v", err)
	}
	if total2 != 5 {
		t.Errorf("total page 2 = %d, want 5", total2)
	}
	if len(timers2) != 2 {
		t.Errorf("len(timers) page 2 = %d, want 2", len(timers2))
	}
}

func TestListTimersOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert timers with ascending created_at.
	for i := 0; i < 3; i++ {
		tm := makeTestTimer()
		tm.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateTimer(ctx, tm); err != nil {
			t.Fatalf("CreateTimer[%d]: %v", i, err)
		}
	}

	timers, _, err := s.ListTimers(ctx, "", "", 10, 0)
	if err != nil {
		t.Fatalf("ListTimers: %v", err)
	}

	// Should be ordered DESC with newest first.
	for i := 1; i < len(timers); i++ {
		if timers[i].CreatedAt.After(timers[i-1].CreatedAt) {
			t.Errorf("timers not in DESC order: [%d].CreatedAt=%v > [%d].CreatedAt=%v",
				i, timers[i].CreatedAt, i-1, timers[i-1].CreatedAt)
		}
	}
}

func TestListTimersEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	timers, total, err := s.ListTimers(ctx, "", "", 10, 0)
	if err != nil {
		t.Fatalf("ListTimers: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if timers != nil {
		t.Errorf("timers = %v, want nil", timers)
	}
}

func TestListTimersFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := makeTestTimer()
	a.Tag = "alpha"
	b := makeTestTimer()
	b.Tag = "beta"
	c := makeTestTimer()
	c.Tag = "alpha"
	for _, tm := range []*model.Timer{a, b, c} {
		if err := s.CreateTimer(ctx, tm); err != nil {
			t.Fatalf("CreateTimer: %v", err)
		}
	}
	if err := s.UpdateTimerStatus(ctx, c.ID, model.StatusCancelled); err != nil {
		t.Fatalf("UpdateTimerStatus: %v", err)
	}

	timers, total, err := s.ListTimers(ctx, "alpha", "", 10, 0)
	if err != nil {
		t.Fatalf("ListTimers by tag: %v", err)
	}
	if total != 2 || len(timers) != 2 {
		t.Errorf("tag filter: total = %d len = %d, want 2 and 2", total, len(timers))
	}

	timers, total, err = s.ListTimers(ctx, "alpha", model.StatusScheduled, 10, 0)
	if err != nil {
		t.Fatalf("ListTimers by tag and status: %v", err)
	}
	if total != 1 || len(timers) != 1 {
		t.Fatalf("tag+status filter: total = %d len = %d, want 1 and 1", total, len(timers))
	}
	if timers[0].ID != a.ID {
		t.Errorf("filtered timer = %q, want %q", timers[0].ID, a.ID)
	}
}

func TestUpdateTimerStatusFired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tm := makeTestTimer()
	// A fire time in the past gives the fired record positive latency.
	tm.FireAt = tm.CreatedAt.Add(-2 * time.Second)

	if err := s.CreateTimer(ctx, tm); err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if err := s.UpdateTimerStatus(ctx, tm.ID, model.StatusFired); err != nil {
		t.Fatalf("UpdateTimerStatus: %v", err)
	}

	got, _ := s.GetTimer(ctx, tm.ID)
	if got.Status != model.StatusFired {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFired)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, expected it to be set for fired status")
	}
	if got.LatencyMS == nil {
		t.Fatal("LatencyMS is nil, expected it to be derived for fired status")
	}
	if *got.LatencyMS < 1500 {
		t.Errorf("LatencyMS = %d, want >= 1500 for a fire time 2s in the past", *got.LatencyMS)
	}
}

func TestUpdateTimerStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateTimerStatus(ctx, "nonexistent", model.StatusFired)
	if err != ErrNotFound {
		t.Errorf("UpdateTimerStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateTimerStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tm := makeTestTimer()

	if err := s.CreateTimer(ctx, tm); err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if err := s.UpdateTimerStatus(ctx, tm.ID, model.StatusFired); err != nil {
		t.Fatalf("UpdateTimerStatus to fired: %v", err)
	}

	err := s.UpdateTimerStatus(ctx, tm.ID, model.StatusCancelled)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("fired->cancelled error = %v, want ErrInvalidTransition", err)
	}

	// The record must be untouched.
	got, _ := s.GetTimer(ctx, tm.ID)
	if got.Status != model.StatusFired {
		t.Errorf("Status after rejected transition = %q, want %q", got.Status, model.StatusFired)
	}
}

func TestGetTimerStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fired := makeTestTimer()
	fired.Tag = "alpha"
	fired.FireAt = fired.CreatedAt.Add(-time.Second)
	cancelled := makeTestTimer()
	cancelled.Tag = "beta"
	scheduled := makeTestTimer()
	scheduled.Tag = "alpha"

	for _, tm := range []*model.Timer{fired, cancelled, scheduled} {
		if err := s.CreateTimer(ctx, tm); err != nil {
			t.Fatalf("CreateTimer: %v", err)
		}
	}
	if err := s.UpdateTimerStatus(ctx, fired.ID, model.StatusFired); err != nil {
		t.Fatalf("UpdateTimerStatus fired: %v", err)
	}
	if err := s.UpdateTimerStatus(ctx, cancelled.ID, model.StatusCancelled); err != nil {
		t.Fatalf("UpdateTimerStatus cancelled: %v", err)
	}

	stats, err := s.GetTimerStats(ctx)
	if err != nil {
		t.Fatalf("GetTimerStats: %v", err)
	}

	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusFired] != 1 {
		t.Errorf("fired count = %d, want 1", stats.CountByStatus[model.StatusFired])
	}
	if stats.CountByStatus[model.StatusCancelled] != 1 {
		t.Errorf("cancelled count = %d, want 1", stats.CountByStatus[model.StatusCancelled])
	}
	if stats.CountByStatus[model.StatusScheduled] != 1 {
		t.Errorf("scheduled count = %d, want 1", stats.CountByStatus[model.StatusScheduled])
	}
	if stats.CountByTag["alpha"] != 2 {
		t.Errorf("alpha count = %d, want 2", stats.CountByTag["alpha"])
	}
	if stats.CountByTag["beta"] != 1 {
		t.Errorf("beta count = %d, want 1", stats.CountByTag["beta"])
	}
	if stats.AvgLatencyMS <= 0 {
		t.Errorf("AvgLatencyMS = %f, want > 0 for a late fired timer", stats.AvgLatencyMS)
	}
}

func TestGetTimerStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.GetTimerStats(ctx)
	if err != nil {
		t.Fatalf("GetTimerStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgLatencyMS != 0 {
		t.Errorf("AvgLatencyMS = %f, want 0", stats.AvgLatencyMS)
	}
}
