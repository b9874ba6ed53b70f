package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"jobsched/internal/task"
)

// Handle is the dispatcher's grip on one running executor.
type Handle struct {
	task    task.Task
	cancel  context.CancelFunc
	done    chan struct{}
	fired   atomic.Uint64
	started time.Time

	mu     sync.Mutex
	reason Reason
	ended  time.Time
}

func newHandle(t task.Task, cancel context.CancelFunc) *Handle {
	return &Handle{
		task:    t,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
}

func (h *Handle) ID() string      { return h.task.ID }
func (h *Handle) Task() task.Task { return h.task }

// Done is closed when the executor is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Active() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) Fired() uint64 { return h.fired.Load() }

// Reason is ReasonNone while the executor is active.
func (h *Handle) Reason() Reason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Cancel fires the cancellation token without waiting.
func (h *Handle) Cancel() { h.cancel() }

// Stop cancels the executor and waits for it to become terminal or for ctx.
func (h *Handle) Stop(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Info() HandleInfo {
	h.mu.Lock()
	reason, ended := h.reason, h.ended
	h.mu.Unlock()
	return HandleInfo{
		ID:           h.task.ID,
		ScheduleType: h.task.ScheduleType,
		Duration:     h.task.Duration,
		Active:       h.Active(),
		Fired:        h.Fired(),
		Reason:       reason,
		StartedAt:    h.started,
		EndedAt:      ended,
	}
}

func (h *Handle) finish(r Reason) {
	h.mu.Lock()
	h.reason = r
	h.ended = time.Now()
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}
