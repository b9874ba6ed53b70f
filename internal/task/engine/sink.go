package engine

import (
	"context"

	"github.com/cockroachdb/errors"

	"jobsched/internal/eventbus"
	logx "jobsched/pkg/logx"
)

// EventTaskFired is the bus event type published by BusSink.
const EventTaskFired = "task.fired"

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev ExecutionEvent) error

func (f SinkFunc) Fire(ctx context.Context, ev ExecutionEvent) error { return f(ctx, ev) }

// LogSink writes one info line per firing.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Fire(_ context.Context, ev ExecutionEvent) error {
	s.Log.Info("task fired",
		logx.String("task_id", ev.ID),
		logx.String("content", ev.Content),
		logx.String("schedule_type", string(ev.ScheduleType)),
		logx.Uint64("seq", ev.Seq),
	)
	return nil
}

// BusSink publishes EventTaskFired; delivery is non-blocking.
type BusSink struct {
	Bus eventbus.Bus
}

func (s BusSink) Fire(_ context.Context, ev ExecutionEvent) error {
	if s.Bus == nil {
		return nil
	}
	s.Bus.Publish(eventbus.Event{Type: EventTaskFired, Time: ev.FiredAt, Data: ev})
	return nil
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Fire(ctx context.Context, ev ExecutionEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Fire(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
