package config

// Config is the on-disk configuration (JSON or YAML, strict keys).
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	API       APIConfig       `json:"api"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the dispatcher.
//
// Defaults: poll "10s", todo_channel "todo-list", control_channel
// "running-list", duration_unit "1s", stop_wait "5s".
type SchedulerConfig struct {
	// Poll is a duration, HH:MM interval or cron expression.
	Poll           string `json:"poll"`
	TodoChannel    string `json:"todo_channel,omitempty"`
	ControlChannel string `json:"control_channel,omitempty"`
	// DurationUnit is the wall-clock length of one task duration unit.
	DurationUnit  string `json:"duration_unit,omitempty"`
	StopWait      string `json:"stop_wait,omitempty"`
	PruneTerminal bool   `json:"prune_terminal,omitempty"`
}

// StorageConfig selects the status store and queue backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Bucket      string `json:"bucket,omitempty"`       // nats
	Stream      string `json:"stream,omitempty"`       // nats
}

// APIConfig controls the HTTP job API.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	// RatePerSec <= 0 disables rate limiting.
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	ContentMaxLen int     `json:"content_max_len,omitempty"` // default 64
	ReadTimeout   string  `json:"read_timeout,omitempty"`
	WriteTimeout  string  `json:"write_timeout,omitempty"`
	IdleTimeout   string  `json:"idle_timeout,omitempty"`
	// Pprof mounts /debug/pprof on the API router. Bind to localhost when enabled.
	Pprof bool `json:"pprof,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig sends a message per task firing. The token is never logged.
type TelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token,omitempty"`
	ChatID     int64   `json:"chat_id,omitempty"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 1
	QueueSize  int     `json:"queue_size,omitempty"`   // default 64
}

type SystemdConfig struct {
	// Notify sends READY=1/STOPPING=1 when NOTIFY_SOCKET is set.
	Notify bool `json:"notify"`
}
