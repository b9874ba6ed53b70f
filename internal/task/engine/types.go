package engine

import (
	"context"
	"time"

	"jobsched/internal/task"
)

// Reason explains why an executor reached its terminal state.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonCompleted   Reason = "completed"    // OneShot fired
	ReasonStopped     Reason = "stopped"      // status observed as not RUNNING
	ReasonStatusError Reason = "status_error" // status could not be read
	ReasonCancelled   Reason = "cancelled"    // cancellation token fired
)

// ExecutionEvent is the observable side effect of one firing.
type ExecutionEvent struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	ScheduleType task.ScheduleType `json:"schedule_type"`
	FiredAt      time.Time         `json:"fired_at"`
	Seq          uint64            `json:"seq"`
}

// Sink receives execution events. Fire is called from the executor goroutine
// and is never interrupted by cancellation.
type Sink interface {
	Fire(ctx context.Context, ev ExecutionEvent) error
}

// StatusReader is the executor's read-only view of the status store.
type StatusReader interface {
	Status(ctx context.Context, id string) (task.Status, error)
}

// Observer receives executor lifecycle counts (metrics). Implementations must
// be safe for concurrent use.
type Observer interface {
	Fired(st task.ScheduleType)
	Finished(reason Reason)
}

// Spawn starts fn on a new goroutine. The supervisor's Go0 satisfies it.
type Spawn func(name string, fn func(ctx context.Context))

// HandleInfo is a point-in-time view of one registered executor.
type HandleInfo struct {
	ID           string            `json:"id"`
	ScheduleType task.ScheduleType `json:"schedule_type"`
	Duration     int64             `json:"duration"`
	Active       bool              `json:"active"`
	Fired        uint64            `json:"fired"`
	Reason       Reason            `json:"reason,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at,omitempty"`
}
