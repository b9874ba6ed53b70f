package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/storage"
	"jobsched/internal/task"
	logx "jobsched/pkg/logx"
)

const unit = 20 * time.Millisecond

type recordSink struct {
	mu  sync.Mutex
	evs []ExecutionEvent
}

func (s *recordSink) Fire(_ context.Context, ev ExecutionEvent) error {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) events() []ExecutionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionEvent(nil), s.evs...)
}

type countObserver struct {
	mu       sync.Mutex
	fired    int
	finished map[Reason]int
}

func (o *countObserver) Fired(task.ScheduleType) {
	o.mu.Lock()
	o.fired++
	o.mu.Unlock()
}

func (o *countObserver) Finished(r Reason) {
	o.mu.Lock()
	if o.finished == nil {
		o.finished = map[Reason]int{}
	}
	o.finished[r]++
	o.mu.Unlock()
}

func setStatus(t *testing.T, st storage.Store, id string, s task.Status) {
	t.Helper()
	require.NoError(t, st.HashSet(context.Background(), id, map[string]string{task.FieldStatus: string(s)}))
}

func newTestExecutor(st storage.Store, sink Sink, tk task.Task) *Executor {
	return NewExecutor(tk, Config{
		Unit:   unit,
		Status: StoreStatus{Store: st},
		Sink:   sink,
		Log:    logx.Nop(),
	})
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("executor %s did not terminate", h.ID())
	}
}

func TestOneShotFiresOnce(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	setStatus(t, st, "a", task.StatusRunning)
	sink := &recordSink{}
	obs := &countObserver{}

	tk := task.Task{ID: "a", Content: "ping", ScheduleType: task.OneShot, Duration: 5}
	ex := NewExecutor(tk, Config{Unit: unit, Status: StoreStatus{Store: st}, Sink: sink, Observer: obs})
	start := time.Now()
	h := ex.Launch(context.Background(), nil)
	assert.True(t, h.Active())
	waitDone(t, h)

	evs := sink.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "ping", evs[0].Content)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.GreaterOrEqual(t, evs[0].FiredAt.Sub(start), 5*unit)
	assert.Equal(t, ReasonCompleted, h.Reason())
	assert.Equal(t, uint64(1), h.Fired())
	assert.False(t, h.Active())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.fired)
	assert.Equal(t, 1, obs.finished[ReasonCompleted])
}

func TestOneShotStoppedBeforeDeadline(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	setStatus(t, st, "a", task.StatusRunning)
	sink := &recordSink{}

	h := newTestExecutor(st, sink, task.Task{ID: "a", ScheduleType: task.OneShot, Duration: 5}).
		Launch(context.Background(), nil)
	setStatus(t, st, "a", task.StatusStopped)
	waitDone(t, h)

	assert.Empty(t, sink.events())
	assert.Equal(t, ReasonStopped, h.Reason())
}

func TestRepeatedFiresUntilStopped(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	setStatus(t, st, "r", task.StatusRunning)
	sink := &recordSink{}

	h := newTestExecutor(st, sink, task.Task{ID: "r", Content: "tick", ScheduleType: task.Repeated, Duration: 2}).
		Launch(context.Background(), nil)

	require.Eventually(t, func() bool { return len(sink.events()) >= 3 }, 2*time.Second, unit/2)
	setStatus(t, st, "r", task.StatusStopped)
	stoppedAt := len(sink.events())
	waitDone(t, h)

	evs := sink.events()
	assert.LessOrEqual(t, len(evs), stoppedAt+1)
	assert.Equal(t, ReasonStopped, h.Reason())
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	for i := 1; i < len(evs); i++ {
		assert.True(t, evs[i].FiredAt.After(evs[i-1].FiredAt))
	}
}

func TestCancelDuringWaitDoesNotFire(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	setStatus(t, st, "c", task.StatusRunning)
	sink := &recordSink{}

	for _, typ := range []task.ScheduleType{task.OneShot, task.Repeated} {
		h := newTestExecutor(st, sink, task.Task{ID: "c", ScheduleType: typ, Duration: 50}).
			Launch(context.Background(), nil)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, h.Stop(ctx))
		cancel()
		assert.Equal(t, ReasonCancelled, h.Reason())
	}
	assert.Empty(t, sink.events())
}

func TestParentCancellationStopsExecutor(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	setStatus(t, st, "p", task.StatusRunning)

	parent, cancel := context.WithCancel(context.Background())
	h := newTestExecutor(st, nil, task.Task{ID: "p", ScheduleType: task.Repeated, Duration: 1}).
		Launch(parent, nil)
	cancel()
	waitDone(t, h)
	assert.Equal(t, ReasonCancelled, h.Reason())
}

func TestStatusReadFailureStops(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	sink := &recordSink{}

	// no hash for "ghost"
	h := newTestExecutor(st, sink, task.Task{ID: "ghost", ScheduleType: task.Repeated, Duration: 1}).
		Launch(context.Background(), nil)
	waitDone(t, h)
	assert.Equal(t, ReasonStatusError, h.Reason())
	assert.Empty(t, sink.events())

	setStatus(t, st, "gone", task.StatusRunning)
	require.NoError(t, st.Close())
	h = newTestExecutor(st, sink, task.Task{ID: "gone", ScheduleType: task.OneShot, Duration: 1}).
		Launch(context.Background(), nil)
	waitDone(t, h)
	assert.Equal(t, ReasonStatusError, h.Reason())
	assert.Empty(t, sink.events())
}

func TestPanickingSinkKeepsExecutorAlive(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	setStatus(t, st, "x", task.StatusRunning)

	var mu sync.Mutex
	calls := 0
	sink := SinkFunc(func(context.Context, ExecutionEvent) error {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})
	h := newTestExecutor(st, sink, task.Task{ID: "x", ScheduleType: task.Repeated, Duration: 1}).
		Launch(context.Background(), nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, unit/2)
	assert.True(t, h.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
}

func TestSpawnIsUsed(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	setStatus(t, st, "s", task.StatusRunning)

	var names []string
	spawn := func(name string, fn func(ctx context.Context)) {
		names = append(names, name)
		go fn(context.Background())
	}
	h := newTestExecutor(st, nil, task.Task{ID: "s", ScheduleType: task.OneShot, Duration: 1}).
		Launch(context.Background(), spawn)
	waitDone(t, h)
	assert.Equal(t, []string{"executor"}, names)
}
