package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

// Dispatcher is the single writer of the executor registry.
type Dispatcher struct {
	store    storage.Store
	sink     engine.Sink
	log      logx.Logger
	metrics  Metrics
	observer engine.Observer
	reg      *engine.Registry

	mu   sync.Mutex
	cfg  Config
	spec ParsedSpec
	sup  *supervisor.Supervisor
	next time.Time

	// parent of executors started outside Start (direct Tick calls).
	baseCtx    context.Context
	baseCancel context.CancelFunc

	tickMu sync.Mutex
	reload chan struct{}

	ticks        atomic.Uint64
	lastTick     atomic.Int64 // unix nano
	lastTickTook atomic.Int64
	dispatched   atomic.Uint64
	replaced     atomic.Uint64
	controls     atomic.Uint64
	malformed    atomic.Uint64
	storeErrors  atomic.Uint64
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Store == nil {
		return nil, errors.New("dispatcher: store is required")
	}
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Poll)
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      deps.Store,
		sink:       deps.Sink,
		log:        log,
		metrics:    deps.Metrics,
		observer:   deps.Observer,
		reg:        engine.NewRegistry(),
		cfg:        cfg,
		spec:       spec,
		baseCtx:    base,
		baseCancel: cancel,
		reload:     make(chan struct{}, 1),
	}, nil
}

// Registry exposes the executor registry for read-only inspection.
func (d *Dispatcher) Registry() *engine.Registry { return d.reg }

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Apply swaps the configuration. A new poll schedule takes effect
// immediately; channels and duration unit apply from the next tick.
func (d *Dispatcher) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Poll)
	if err != nil {
		return err
	}
	d.mu.Lock()
	changed := d.cfg.Poll != cfg.Poll
	d.cfg = cfg
	d.spec = spec
	d.mu.Unlock()
	if changed {
		d.log.Info("poll schedule changed", logx.String("poll", cfg.Poll), logx.String("kind", spec.Kind.String()))
		select {
		case d.reload <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start runs the poll loop under its own supervisor. The first tick runs
// immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(d.log))
	d.sup = sup
	cfg := d.cfg
	d.mu.Unlock()

	sup.GoRestart("dispatcher.loop", d.loop)
	d.log.Info("dispatcher started",
		logx.String("poll", cfg.Poll),
		logx.String("todo", cfg.TodoChannel),
		logx.String("control", cfg.ControlChannel),
		logx.Duration("unit", cfg.DurationUnit),
	)
}

// Stop ends the poll loop, cancels every executor and waits for them or ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	start := time.Now()
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	d.baseCancel()
	if cerr := d.reg.CancelAll(ctx); err == nil {
		err = cerr
	}
	d.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)), logx.Int("registered", d.reg.Len()))
	return err
}

func (d *Dispatcher) loop(ctx context.Context) error {
	d.Tick(ctx)
	for {
		d.mu.Lock()
		spec := d.spec
		d.mu.Unlock()

		now := time.Now()
		next := spec.Schedule.Next(now)
		d.mu.Lock()
		d.next = next
		d.mu.Unlock()

		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-d.reload:
			t.Stop()
			continue
		case <-t.C:
		}
		d.Tick(ctx)
	}
}

// executorParent returns the context and spawner for new executors.
func (d *Dispatcher) executorParent() (context.Context, engine.Spawn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return d.sup.Context(), d.sup.Go0
	}
	return d.baseCtx, nil
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	cfg, spec, sup, next := d.cfg, d.spec, d.sup, d.next
	d.mu.Unlock()

	s := Snapshot{
		Running:        sup != nil,
		Poll:           cfg.Poll,
		PollKind:       spec.Kind.String(),
		TodoChannel:    cfg.TodoChannel,
		ControlChannel: cfg.ControlChannel,
		DurationUnit:   cfg.DurationUnit,
		Ticks:          d.ticks.Load(),
		LastTickTook:   time.Duration(d.lastTickTook.Load()),
		Dispatched:     d.dispatched.Load(),
		Replaced:       d.replaced.Load(),
		Controls:       d.controls.Load(),
		Malformed:      d.malformed.Load(),
		StoreErrors:    d.storeErrors.Load(),
		Registered:     d.reg.Len(),
		Active:         d.reg.Active(),
		Executors:      d.reg.Snapshot(),
	}
	if ns := d.lastTick.Load(); ns > 0 {
		s.LastTick = time.Unix(0, ns)
	}
	if sup != nil {
		s.NextTick = next
		s.Supervisor = sup.Snapshot()
	}
	return s
}
