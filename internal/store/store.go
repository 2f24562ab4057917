package store

import (
	"context"
	"errors"

	"github.com/seantiz/strand/internal/model"
)

// ErrInvalidTransition is returned when a timer status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TimerStats holds aggregate journal statistics.
//
// AvgLatencyMS averages the fire latency of fired timers only; it is zero
// when nothing has fired yet.
type TimerStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByTag    map[string]int `json:"count_by_tag"`
	AvgLatencyMS  float64        `json:"avg_latency_ms"`
}

// Store defines the persistence operations for the timer journal.
type Store interface {
	CreateTimer(ctx context.Context, tm *model.Timer) error
	GetTimer(ctx context.Context, id string) (*model.Timer, error)
	// ListTimers returns a page of timers, newest first, along with the
	// total count of timers matching the filters. Empty tag or status
	// means no filter on that column.
	ListTimers(ctx context.Context, tag, status string, limit, offset int) ([]*model.Timer, int, error)
	// UpdateTimerStatus validates the transition against the model rules
	// and stamps finished_at, since both reachable statuses are terminal.
	UpdateTimerStatus(ctx context.Context, id, status string) error
	GetTimerStats(ctx context.Context) (*TimerStats, error)
	Close() error
}
