package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/storage"
	"jobsched/internal/task"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

// Tick runs one todo phase followed by one control phase. Concurrent calls
// are serialized.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	start := time.Now()
	cfg := d.Config()
	var rep TickReport

	d.todoPhase(ctx, cfg, &rep)
	d.controlPhase(ctx, cfg, &rep)
	if cfg.PruneTerminal {
		rep.Pruned = d.reg.Prune()
	}

	rep.Took = time.Since(start)
	d.ticks.Add(1)
	d.lastTick.Store(start.UnixNano())
	d.lastTickTook.Store(int64(rep.Took))
	if d.metrics != nil {
		d.metrics.TickObserved(rep.Took)
	}
	if rep.Dispatched+rep.Controls+rep.Malformed+rep.StoreErrors > 0 {
		d.log.Debug("tick",
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("replaced", rep.Replaced),
			logx.Int("controls", rep.Controls),
			logx.Int("requeued", rep.Requeued),
			logx.Int("malformed", rep.Malformed),
			logx.Int("store_errors", rep.StoreErrors),
			logx.Duration("took", rep.Took),
		)
	}
	return rep
}

func (d *Dispatcher) storeError(rep *TickReport, op string, err error, fields ...logx.Field) {
	rep.StoreErrors++
	d.storeErrors.Add(1)
	if d.metrics != nil {
		d.metrics.StoreError(op)
	}
	d.log.Warn("store "+op+" failed", append(fields, logx.Err(err))...)
}

func (d *Dispatcher) malformedEntry(rep *TickReport, channel, entry string, err error) {
	rep.Malformed++
	d.malformed.Add(1)
	if d.metrics != nil {
		d.metrics.Malformed(channel)
	}
	d.log.Warn("dropping malformed entry",
		logx.String("channel", channel),
		logx.String("entry", entry),
		logx.Err(err),
	)
}

func (d *Dispatcher) todoPhase(ctx context.Context, cfg Config, rep *TickReport) {
	entries, err := d.store.QueueDrain(ctx, cfg.TodoChannel)
	if err != nil {
		// Entries already removed by a partial drain are still dispatched.
		d.storeError(rep, "drain", err, logx.String("channel", cfg.TodoChannel))
	}
	for _, entry := range entries {
		t, err := task.Decode(entry)
		if err != nil {
			d.malformedEntry(rep, cfg.TodoChannel, entry, err)
			continue
		}
		d.dispatch(ctx, cfg, t, rep)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, cfg Config, t task.Task, rep *TickReport) {
	log := d.log.With(logx.String("task_id", t.ID))

	// The previous executor must be gone before RUNNING is rewritten, or it
	// could observe the new flag and fire its old content once more.
	if prev, ok := d.reg.Get(t.ID); ok && prev.Active() {
		stopCtx, cancel := context.WithTimeout(ctx, cfg.StopWait)
		err := prev.Stop(stopCtx)
		cancel()
		if err != nil {
			log.Warn("previous executor still running after stop wait", logx.Duration("stop_wait", cfg.StopWait))
		}
		rep.Replaced++
		d.replaced.Add(1)
	}

	t.Status = task.StatusRunning
	if err := d.store.HashSet(ctx, t.ID, t.Fields()); err != nil {
		d.storeError(rep, "hset", err, logx.String("task_id", t.ID))
		return
	}

	parent, spawn := d.executorParent()
	ex := engine.NewExecutor(t, engine.Config{
		Unit:     cfg.DurationUnit,
		Status:   engine.StoreStatus{Store: d.store},
		Sink:     d.sink,
		Log:      d.log,
		Observer: d.observer,
	})
	d.reg.Put(ex.Launch(parent, spawn))

	rep.Dispatched++
	d.dispatched.Add(1)
	if d.metrics != nil {
		d.metrics.Dispatched()
	}
	log.Info("task dispatched",
		logx.String("schedule_type", string(t.ScheduleType)),
		logx.Int64("duration", t.Duration),
	)
}

func (d *Dispatcher) controlPhase(ctx context.Context, cfg Config, rep *TickReport) {
	entries, err := d.store.QueueDrain(ctx, cfg.ControlChannel)
	if err != nil {
		d.storeError(rep, "drain", err, logx.String("channel", cfg.ControlChannel))
	}
	for _, entry := range entries {
		ev, err := task.DecodeControl(entry)
		if err != nil {
			d.malformedEntry(rep, cfg.ControlChannel, entry, err)
			continue
		}
		d.applyControl(ctx, cfg, ev, rep)
	}
}

func (d *Dispatcher) applyControl(ctx context.Context, cfg Config, ev task.ControlEvent, rep *TickReport) {
	log := d.log.With(logx.String("task_id", ev.TargetID), logx.String("action", string(ev.Action)))

	// Unknown ids get no record; only known tasks are flagged.
	_, err := d.store.HashGetField(ctx, ev.TargetID, task.FieldStatus)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Debug("control event for unknown task")
	case err != nil:
		d.storeError(rep, "hget", err, logx.String("task_id", ev.TargetID))
		return
	default:
		if err := d.store.HashSet(ctx, ev.TargetID, map[string]string{task.FieldStatus: string(task.StatusStopped)}); err != nil {
			d.storeError(rep, "hset", err, logx.String("task_id", ev.TargetID))
			return
		}
	}

	if h, ok := d.reg.Get(ev.TargetID); ok && h.Active() {
		h.Cancel()
	}

	rep.Controls++
	d.controls.Add(1)
	if d.metrics != nil {
		d.metrics.ControlApplied(string(ev.Action))
	}

	if ev.Action != task.ActionUpdate || ev.Replacement == nil {
		log.Info("task stopped")
		return
	}
	repl := *ev.Replacement
	repl.ID = ev.TargetID
	enc, err := task.Encode(repl)
	if err != nil {
		d.malformedEntry(rep, cfg.ControlChannel, ev.TargetID, err)
		return
	}
	if err := d.store.QueuePush(ctx, cfg.TodoChannel, enc); err != nil {
		d.storeError(rep, "push", err, logx.String("task_id", ev.TargetID))
		return
	}
	rep.Requeued++
	log.Info("task stopped, replacement queued")
}
