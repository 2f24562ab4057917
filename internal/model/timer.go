package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Timer status constants.
const (
	StatusScheduled = "scheduled"
	StatusFired     = "fired"
	StatusCancelled = "cancelled"
)

// Event kind constants for the event stream.
const (
	EventScheduled = "scheduled"
	EventFired     = "fired"
	EventCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusScheduled: {
		StatusFired:     true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// Timer represents one scheduled operation journaled by the service.
//
// LatencyMS is how long after the intended fire time the timer actually ran.
// It is negative when the timer was expedited ahead of its fire time.
type Timer struct {
	ID         string     `json:"id"`
	Tag        string     `json:"tag"`
	Note       string     `json:"note,omitempty"`
	DelayMS    int64      `json:"delay_ms"`
	Status     string     `json:"status"`
	LatencyMS  *int64     `json:"latency_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FireAt     time.Time  `json:"fire_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TimerEvent is the payload fanned out to event stream subscribers when a
// timer changes state.
type TimerEvent struct {
	Kind  string `json:"kind"`
	Timer Timer  `json:"timer"`
}
