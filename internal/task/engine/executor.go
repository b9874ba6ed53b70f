package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"jobsched/internal/task"
	logx "jobsched/pkg/logx"
)

// Config is shared by every executor the dispatcher starts.
type Config struct {
	// Unit is the length of one duration unit; defaults to one second.
	Unit   time.Duration
	Status StatusReader
	Sink   Sink
	Log    logx.Logger
	// Observer is optional.
	Observer Observer
}

// Executor runs the timer loop of a single task.
type Executor struct {
	task   task.Task
	period time.Duration
	cfg    Config
	log    logx.Logger
}

func NewExecutor(t task.Task, cfg Config) *Executor {
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	return &Executor{
		task:   t,
		period: time.Duration(t.Duration) * cfg.Unit,
		cfg:    cfg,
		log: cfg.Log.With(
			logx.String("task_id", t.ID),
			logx.String("schedule_type", string(t.ScheduleType)),
		),
	}
}

// Launch starts the executor under parent and returns its handle. A nil spawn
// uses a plain goroutine.
func (e *Executor) Launch(parent context.Context, spawn Spawn) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := newHandle(e.task, cancel)
	run := func(context.Context) { e.run(ctx, h) }
	if spawn == nil {
		go run(ctx)
	} else {
		spawn("executor", run)
	}
	return h
}

func (e *Executor) run(ctx context.Context, h *Handle) {
	reason := ReasonCancelled
	defer func() {
		h.finish(reason)
		if e.cfg.Observer != nil {
			e.cfg.Observer.Finished(reason)
		}
		e.log.Debug("executor terminal", logx.String("reason", string(reason)), logx.Uint64("fired", h.Fired()))
	}()

	switch e.task.ScheduleType {
	case task.OneShot:
		reason = e.runOnce(ctx, h)
	case task.Repeated:
		reason = e.runRepeated(ctx, h)
	default:
		e.log.Warn("executor: unknown schedule type")
		reason = ReasonStopped
	}
}

func (e *Executor) runOnce(ctx context.Context, h *Handle) Reason {
	t := time.NewTimer(e.period)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ReasonCancelled
	case <-t.C:
	}
	if r := e.checkStatus(ctx); r != ReasonNone {
		return r
	}
	e.fire(ctx, h)
	return ReasonCompleted
}

func (e *Executor) runRepeated(ctx context.Context, h *Handle) Reason {
	tk := time.NewTicker(e.period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ReasonCancelled
		case <-tk.C:
		}
		if r := e.checkStatus(ctx); r != ReasonNone {
			return r
		}
		e.fire(ctx, h)
	}
}

// checkStatus returns ReasonNone when the task may fire.
func (e *Executor) checkStatus(ctx context.Context) Reason {
	st, err := e.cfg.Status.Status(ctx, e.task.ID)
	if ctx.Err() != nil {
		return ReasonCancelled
	}
	if err != nil {
		e.log.Warn("status read failed, stopping", logx.Err(err))
		return ReasonStatusError
	}
	if st != task.StatusRunning {
		return ReasonStopped
	}
	return ReasonNone
}

// fire runs the sink detached from cancellation; a panicking sink only loses
// this firing.
func (e *Executor) fire(ctx context.Context, h *Handle) {
	ev := ExecutionEvent{
		ID:           e.task.ID,
		Content:      e.task.Content,
		ScheduleType: e.task.ScheduleType,
		FiredAt:      time.Now(),
		Seq:          h.fired.Add(1),
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.Fired(e.task.ScheduleType)
	}
	if e.cfg.Sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("sink panicked", logx.Any("panic", fmt.Sprint(r)), logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := e.cfg.Sink.Fire(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Warn("sink failed", logx.Uint64("seq", ev.Seq), logx.Err(err))
	}
}
