package events

import (
	"time"

	"github.com/planweave/planweave/internal/pool"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	PlanID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicRun  = "run"
	TopicPool = "pool"
)

// Event type constants
const (
	EventTypeTaskTransition = "task.transition"
	EventTypeRunStarted     = "run.started"
	EventTypeRunFinished    = "run.finished"
	EventTypePoolStats      = "pool.stats"
)

// TaskTransitionEvent is published on every task status change.
type TaskTransitionEvent struct {
	Plan         string
	TaskID       string
	OldStatus    string
	NewStatus    string
	FailureCount int
	Timestamp    time.Time
}

func (e TaskTransitionEvent) EventType() string { return EventTypeTaskTransition }
func (e TaskTransitionEvent) PlanID() string    { return e.Plan }

// RunStartedEvent is published when the runner starts (or resumes) a plan.
type RunStartedEvent struct {
	Plan      string
	Total     int
	Resumed   int // tasks already done at start
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) PlanID() string    { return e.Plan }

// RunFinishedEvent is published when a run reaches its terminal outcome.
type RunFinishedEvent struct {
	Plan      string
	Result    string // "succeeded" or "failed"
	Completed int
	Total     int
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) PlanID() string    { return e.Plan }

// PoolStatsEvent is published when a worker pool's occupancy changes.
type PoolStatsEvent struct {
	Plan      string
	Stats     pool.Stats
	Timestamp time.Time
}

func (e PoolStatsEvent) EventType() string { return EventTypePoolStats }
func (e PoolStatsEvent) PlanID() string    { return e.Plan }
