package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/storage"
	"jobsched/internal/task"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

const unit = 10 * time.Millisecond

type firedLog struct {
	mu  sync.Mutex
	evs []engine.ExecutionEvent
}

func (f *firedLog) Fire(_ context.Context, ev engine.ExecutionEvent) error {
	f.mu.Lock()
	f.evs = append(f.evs, ev)
	f.mu.Unlock()
	return nil
}

func (f *firedLog) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.evs {
		if ev.ID == id {
			n++
		}
	}
	return n
}

func (f *firedLog) contents(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.evs {
		if ev.ID == id {
			out = append(out, ev.Content)
		}
	}
	return out
}

type fakeMetrics struct {
	mu          sync.Mutex
	ticks       int
	dispatched  int
	controls    map[string]int
	malformed   map[string]int
	storeErrors map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{controls: map[string]int{}, malformed: map[string]int{}, storeErrors: map[string]int{}}
}

func (m *fakeMetrics) TickObserved(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
}

func (m *fakeMetrics) Dispatched() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched++
}

func (m *fakeMetrics) ControlApplied(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls[action]++
}

func (m *fakeMetrics) Malformed(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed[channel]++
}

func (m *fakeMetrics) StoreError(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeErrors[op]++
}

type fixture struct {
	store storage.Store
	sink  *firedLog
	d     *Dispatcher
}

func newFixture(t *testing.T, st storage.Store, m Metrics) *fixture {
	t.Helper()
	if st == nil {
		st = storage.NewMemory()
	}
	sink := &firedLog{}
	d, err := New(Config{Poll: "1h", DurationUnit: unit, StopWait: time.Second}, Deps{
		Store:   st,
		Sink:    sink,
		Log:     logx.Nop(),
		Metrics: m,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return &fixture{store: st, sink: sink, d: d}
}

func (f *fixture) submit(t *testing.T, tk task.Task) {
	t.Helper()
	enc, err := task.Encode(tk)
	require.NoError(t, err)
	require.NoError(t, f.store.QueuePush(context.Background(), DefaultTodoChannel, enc))
}

func (f *fixture) control(t *testing.T, ev task.ControlEvent) {
	t.Helper()
	enc, err := task.EncodeControl(ev)
	require.NoError(t, err)
	require.NoError(t, f.store.QueuePush(context.Background(), DefaultControlChannel, enc))
}

func (f *fixture) status(t *testing.T, id string) string {
	t.Helper()
	v, err := f.store.HashGetField(context.Background(), id, task.FieldStatus)
	require.NoError(t, err)
	return v
}

func (f *fixture) handle(t *testing.T, id string) *engine.Handle {
	t.Helper()
	h, ok := f.d.Registry().Get(id)
	require.True(t, ok, "no executor registered for %s", id)
	return h
}

func awaitTerminal(t *testing.T, h *engine.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("executor %s still active", h.ID())
	}
}

func TestOneShotScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.submit(t, task.Task{ID: "id-1", Content: "ping", ScheduleType: task.OneShot, Duration: 5, Slot: 0})
	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Dispatched)

	rec, err := f.store.HashGetAll(ctx, "id-1")
	require.NoError(t, err)
	got, err := task.FromFields(rec)
	require.NoError(t, err)
	assert.Equal(t, task.Task{ID: "id-1", Content: "ping", ScheduleType: task.OneShot, Duration: 5, Status: task.StatusRunning, Slot: 0}, got)

	h := f.handle(t, "id-1")
	awaitTerminal(t, h)
	assert.Equal(t, engine.ReasonCompleted, h.Reason())
	assert.Equal(t, []string{"ping"}, f.sink.contents("id-1"))
}

func TestRepeatedThenDeleteScenario(t *testing.T) {
	t.Parallel()
	m := newFakeMetrics()
	f := newFixture(t, nil, m)
	ctx := context.Background()

	f.submit(t, task.Task{ID: "id-2", Content: "tick", ScheduleType: task.Repeated, Duration: 2, Slot: 1})
	f.d.Tick(ctx)
	require.Eventually(t, func() bool { return f.sink.count("id-2") >= 2 }, 2*time.Second, unit)

	f.control(t, task.ControlEvent{TargetID: "id-2", Action: task.ActionDelete})
	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Controls)
	assert.Equal(t, string(task.StatusStopped), f.status(t, "id-2"))

	h := f.handle(t, "id-2")
	awaitTerminal(t, h)
	// Either the cancellation or the STOPPED flag may win the race.
	assert.Contains(t, []engine.Reason{engine.ReasonCancelled, engine.ReasonStopped}, h.Reason())
	fired := f.sink.count("id-2")
	time.Sleep(5 * unit)
	assert.Equal(t, fired, f.sink.count("id-2"))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 2, m.ticks)
	assert.Equal(t, 1, m.dispatched)
	assert.Equal(t, 1, m.controls["delete"])
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.submit(t, task.Task{ID: "d", Content: "x", ScheduleType: task.Repeated, Duration: 100})
	f.d.Tick(ctx)

	f.control(t, task.ControlEvent{TargetID: "d", Action: task.ActionDelete})
	f.d.Tick(ctx)
	f.control(t, task.ControlEvent{TargetID: "d", Action: task.ActionDelete})
	rep := f.d.Tick(ctx)

	assert.Equal(t, 1, rep.Controls)
	assert.Equal(t, 0, rep.Requeued)
	assert.Equal(t, 0, rep.StoreErrors)
	assert.Equal(t, string(task.StatusStopped), f.status(t, "d"))
	todo, err := f.store.QueueDrain(ctx, DefaultTodoChannel)
	require.NoError(t, err)
	assert.Empty(t, todo)
	assert.Equal(t, 1, f.d.Registry().Len())
	assert.Equal(t, 0, f.d.Registry().Active())
}

func TestDeleteUnknownTaskLeavesNoRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.control(t, task.ControlEvent{TargetID: "ghost", Action: task.ActionDelete})
	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Controls)
	_, err := f.store.HashGetAll(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateReplacesExecutorOnNextTick(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.submit(t, task.Task{ID: "u", Content: "old", ScheduleType: task.Repeated, Duration: 2, Slot: 4})
	f.d.Tick(ctx)
	require.Eventually(t, func() bool { return f.sink.count("u") >= 1 }, 2*time.Second, unit)
	first := f.handle(t, "u")

	// The embedded id is ignored in favour of the target id.
	f.control(t, task.ControlEvent{
		TargetID:    "u",
		Action:      task.ActionUpdate,
		Replacement: &task.Task{ID: "other", Content: "new", ScheduleType: task.Repeated, Duration: 2, Slot: 4},
	})
	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Requeued)
	assert.Equal(t, 0, rep.Dispatched)
	awaitTerminal(t, first)
	assert.Equal(t, string(task.StatusStopped), f.status(t, "u"))
	assert.Same(t, first, f.handle(t, "u"))

	rep = f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Dispatched)
	second := f.handle(t, "u")
	assert.NotSame(t, first, second)
	assert.True(t, second.Active())
	assert.Equal(t, string(task.StatusRunning), f.status(t, "u"))
	assert.Equal(t, "new", second.Task().Content)

	require.Eventually(t, func() bool {
		c := f.sink.contents("u")
		return len(c) > 0 && c[len(c)-1] == "new"
	}, 2*time.Second, unit)

	_, err := f.store.HashGetAll(ctx, "other")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedispatchCancelsPriorExecutor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.submit(t, task.Task{ID: "dup", Content: "a", ScheduleType: task.Repeated, Duration: 100})
	f.d.Tick(ctx)
	first := f.handle(t, "dup")

	f.submit(t, task.Task{ID: "dup", Content: "b", ScheduleType: task.Repeated, Duration: 100})
	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Replaced)
	assert.False(t, first.Active())
	assert.Equal(t, engine.ReasonCancelled, first.Reason())
	assert.Equal(t, 1, f.d.Registry().Active())
}

func TestMalformedEntriesDoNotAbortBatch(t *testing.T) {
	t.Parallel()
	m := newFakeMetrics()
	f := newFixture(t, nil, m)
	ctx := context.Background()

	require.NoError(t, f.store.QueuePush(ctx, DefaultTodoChannel, "garbage"))
	f.submit(t, task.Task{ID: "ok", Content: "fine", ScheduleType: task.OneShot, Duration: 100})
	require.NoError(t, f.store.QueuePush(ctx, DefaultTodoChannel, "id::c::Weekly::1::0"))
	require.NoError(t, f.store.QueuePush(ctx, DefaultControlChannel, "ok|explode"))

	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Dispatched)
	assert.Equal(t, 3, rep.Malformed)
	assert.Equal(t, string(task.StatusRunning), f.status(t, "ok"))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 2, m.malformed[DefaultTodoChannel])
	assert.Equal(t, 1, m.malformed[DefaultControlChannel])
}

// flakyStore fails draining one channel.
type flakyStore struct {
	storage.Store
	failChannel string
}

func (s *flakyStore) QueueDrain(ctx context.Context, channel string) ([]string, error) {
	if channel == s.failChannel {
		return nil, storage.ErrUnavailable
	}
	return s.Store.QueueDrain(ctx, channel)
}

func TestDrainFailureSkipsOnlyThatPhase(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	f := newFixture(t, &flakyStore{Store: mem, failChannel: DefaultTodoChannel}, nil)
	ctx := context.Background()

	require.NoError(t, mem.HashSet(ctx, "k", task.Task{ID: "k", Content: "c", ScheduleType: task.OneShot, Duration: 1, Status: task.StatusRunning}.Fields()))
	f.submit(t, task.Task{ID: "n", Content: "c", ScheduleType: task.OneShot, Duration: 1})
	f.control(t, task.ControlEvent{TargetID: "k", Action: task.ActionDelete})

	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.StoreErrors)
	assert.Equal(t, 0, rep.Dispatched)
	assert.Equal(t, 1, rep.Controls)
	assert.Equal(t, string(task.StatusStopped), f.status(t, "k"))

	left, err := mem.QueueDrain(ctx, DefaultTodoChannel)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	assert.Equal(t, uint64(1), f.d.Snapshot().StoreErrors)
}

// keyFailStore fails single-key operations so per-entry isolation can be
// checked. onHashSet runs before every HashSet.
type keyFailStore struct {
	storage.Store
	hsetKey   string
	hgetKey   string
	pushID    string
	onHashSet func(key string)
}

func (s *keyFailStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if s.onHashSet != nil {
		s.onHashSet(key)
	}
	if key == s.hsetKey {
		return storage.ErrUnavailable
	}
	return s.Store.HashSet(ctx, key, fields)
}

func (s *keyFailStore) HashGetField(ctx context.Context, key, field string) (string, error) {
	if key == s.hgetKey {
		return "", storage.ErrUnavailable
	}
	return s.Store.HashGetField(ctx, key, field)
}

func (s *keyFailStore) QueuePush(ctx context.Context, channel, entry string) error {
	if s.pushID != "" && channel == DefaultTodoChannel && strings.HasPrefix(entry, s.pushID+task.FieldSep) {
		return storage.ErrUnavailable
	}
	return s.Store.QueuePush(ctx, channel, entry)
}

func TestStoreErrorOnOneTodoEntryKeepsBatch(t *testing.T) {
	t.Parallel()
	m := newFakeMetrics()
	f := newFixture(t, &keyFailStore{Store: storage.NewMemory(), hsetKey: "bad"}, m)
	ctx := context.Background()

	f.submit(t, task.Task{ID: "first", Content: "c", ScheduleType: task.OneShot, Duration: 100})
	f.submit(t, task.Task{ID: "bad", Content: "c", ScheduleType: task.OneShot, Duration: 100})
	f.submit(t, task.Task{ID: "last", Content: "c", ScheduleType: task.OneShot, Duration: 100})

	rep := f.d.Tick(ctx)
	assert.Equal(t, 2, rep.Dispatched)
	assert.Equal(t, 1, rep.StoreErrors)
	assert.Equal(t, string(task.StatusRunning), f.status(t, "first"))
	assert.Equal(t, string(task.StatusRunning), f.status(t, "last"))
	_, ok := f.d.Registry().Get("bad")
	assert.False(t, ok, "no executor without a RUNNING record")

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.storeErrors["hset"])
}

func TestStoreErrorOnOneControlEntryKeepsBatch(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	f := newFixture(t, &keyFailStore{Store: mem, hgetKey: "unreadable", hsetKey: "unwritable", pushID: "norequeue"}, nil)
	ctx := context.Background()

	for _, id := range []string{"unreadable", "unwritable", "norequeue", "fine"} {
		require.NoError(t, mem.HashSet(ctx, id, task.Task{ID: id, Content: "c", ScheduleType: task.Repeated, Duration: 1, Status: task.StatusRunning}.Fields()))
	}
	f.control(t, task.ControlEvent{TargetID: "unreadable", Action: task.ActionDelete})
	f.control(t, task.ControlEvent{TargetID: "unwritable", Action: task.ActionDelete})
	f.control(t, task.ControlEvent{TargetID: "norequeue", Action: task.ActionUpdate,
		Replacement: &task.Task{ID: "norequeue", Content: "new", ScheduleType: task.OneShot, Duration: 1}})
	f.control(t, task.ControlEvent{TargetID: "fine", Action: task.ActionDelete})

	rep := f.d.Tick(ctx)
	assert.Equal(t, 3, rep.StoreErrors)
	assert.Equal(t, 2, rep.Controls)
	assert.Equal(t, 0, rep.Requeued)
	assert.Equal(t, string(task.StatusStopped), f.status(t, "fine"))
	assert.Equal(t, string(task.StatusStopped), f.status(t, "norequeue"))
	assert.Equal(t, string(task.StatusRunning), f.status(t, "unreadable"))
	assert.Equal(t, string(task.StatusRunning), f.status(t, "unwritable"))
}

func TestRedispatchStopsPriorBeforeRewritingStatus(t *testing.T) {
	t.Parallel()
	st := &keyFailStore{Store: storage.NewMemory()}
	f := newFixture(t, st, nil)
	ctx := context.Background()

	f.submit(t, task.Task{ID: "dup", Content: "a", ScheduleType: task.Repeated, Duration: 100})
	f.d.Tick(ctx)
	first := f.handle(t, "dup")

	var activeAtWrite []bool
	st.onHashSet = func(key string) {
		if key == "dup" {
			activeAtWrite = append(activeAtWrite, first.Active())
		}
	}
	f.submit(t, task.Task{ID: "dup", Content: "b", ScheduleType: task.Repeated, Duration: 100})
	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Replaced)
	assert.Equal(t, []bool{false}, activeAtWrite)
	assert.Equal(t, "b", f.handle(t, "dup").Task().Content)
}

func TestStartRunsLoopAndStopCancelsExecutors(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	d, err := New(Config{Poll: "20ms", DurationUnit: unit}, Deps{Store: st, Log: logx.Nop()})
	require.NoError(t, err)

	d.Start(context.Background())
	enc, err := task.Encode(task.Task{ID: "loop", Content: "c", ScheduleType: task.Repeated, Duration: 50})
	require.NoError(t, err)
	require.NoError(t, st.QueuePush(context.Background(), DefaultTodoChannel, enc))

	require.Eventually(t, func() bool { return d.Registry().Active() == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := d.Snapshot()
	assert.True(t, snap.Running)
	assert.GreaterOrEqual(t, snap.Ticks, uint64(1))
	assert.Equal(t, "interval", snap.PollKind)
	require.Len(t, snap.Executors, 1)
	assert.Equal(t, "loop", snap.Executors[0].ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, 0, d.Registry().Active())
	assert.False(t, d.Snapshot().Running)
}

func TestApplyValidatesAndPrunes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	assert.Error(t, f.d.Apply(Config{Poll: "whenever"}))
	assert.Equal(t, "1h", f.d.Config().Poll)

	require.NoError(t, f.d.Apply(Config{Poll: "5m", DurationUnit: unit, PruneTerminal: true}))
	assert.Equal(t, "5m", f.d.Config().Poll)
	assert.Equal(t, DefaultTodoChannel, f.d.Config().TodoChannel)

	f.submit(t, task.Task{ID: "p", Content: "c", ScheduleType: task.OneShot, Duration: 1})
	f.d.Tick(ctx)
	awaitTerminal(t, f.handle(t, "p"))
	rep := f.d.Tick(ctx)
	assert.Equal(t, 1, rep.Pruned)
	assert.Equal(t, 0, f.d.Registry().Len())
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
	_, err = New(Config{Poll: "bogus"}, Deps{Store: storage.NewMemory()})
	assert.Error(t, err)
}
