package scheduler

import (
	"time"

	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	logx "jobsched/pkg/logx"
)

const (
	DefaultPoll           = "10s"
	DefaultTodoChannel    = "todo-list"
	DefaultControlChannel = "running-list"
	DefaultStopWait       = 5 * time.Second
)

// Config controls the dispatcher. Zero values take the defaults above; a zero
// DurationUnit means one second.
type Config struct {
	Poll           string
	TodoChannel    string
	ControlChannel string
	DurationUnit   time.Duration
	// StopWait bounds how long a replaced executor is awaited.
	StopWait time.Duration
	// PruneTerminal drops terminal executors from the registry after each tick.
	PruneTerminal bool
}

func (c Config) withDefaults() Config {
	if c.Poll == "" {
		c.Poll = DefaultPoll
	}
	if c.TodoChannel == "" {
		c.TodoChannel = DefaultTodoChannel
	}
	if c.ControlChannel == "" {
		c.ControlChannel = DefaultControlChannel
	}
	if c.DurationUnit <= 0 {
		c.DurationUnit = time.Second
	}
	if c.StopWait <= 0 {
		c.StopWait = DefaultStopWait
	}
	return c
}

// Metrics receives dispatcher counters. All methods must be safe for
// concurrent use; a nil Metrics is allowed.
type Metrics interface {
	TickObserved(took time.Duration)
	Dispatched()
	ControlApplied(action string)
	Malformed(channel string)
	StoreError(op string)
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Store    storage.Store
	Sink     engine.Sink
	Log      logx.Logger
	Metrics  Metrics
	Observer engine.Observer
}

// TickReport summarizes one tick.
type TickReport struct {
	Dispatched  int
	Replaced    int
	Controls    int
	Requeued    int
	Malformed   int
	StoreErrors int
	Pruned      int
	Took        time.Duration
}

// Snapshot is a diagnostic view of the dispatcher.
type Snapshot struct {
	Running        bool          `json:"running"`
	Poll           string        `json:"poll"`
	PollKind       string        `json:"poll_kind"`
	TodoChannel    string        `json:"todo_channel"`
	ControlChannel string        `json:"control_channel"`
	DurationUnit   time.Duration `json:"duration_unit"`

	Ticks        uint64        `json:"ticks"`
	LastTick     time.Time     `json:"last_tick"`
	LastTickTook time.Duration `json:"last_tick_took"`
	NextTick     time.Time     `json:"next_tick"`

	Dispatched  uint64 `json:"dispatched"`
	Replaced    uint64 `json:"replaced"`
	Controls    uint64 `json:"controls"`
	Malformed   uint64 `json:"malformed"`
	StoreErrors uint64 `json:"store_errors"`

	Registered int                 `json:"registered"`
	Active     int                 `json:"active"`
	Executors  []engine.HandleInfo `json:"executors"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}
