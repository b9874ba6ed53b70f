package config

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Poll: "10s"},
		Storage:   StorageConfig{Driver: "memory"},
		API:       APIConfig{Enabled: true, Addr: "127.0.0.1:8080", ContentMaxLen: 64},
	}
}

var knownDrivers = map[string]bool{
	"": true, "memory": true, "mem": true, "file": true,
	"sqlite": true, "sqlite3": true, "nats": true, "jetstream": true,
}

// Validate performs the static checks that need no collaborators.
// Schedule syntax is checked by the app's validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	s := cfg.Scheduler
	_, err := ParseDurationField("scheduler.duration_unit", s.DurationUnit)
	add(err)
	_, err = ParseDurationField("scheduler.stop_wait", s.StopWait)
	add(err)
	if s.TodoChannel != "" && s.TodoChannel == s.ControlChannel {
		add(errors.New("scheduler: todo_channel and control_channel must differ"))
	}

	st := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(st.Driver))
	if !knownDrivers[driver] {
		add(errors.WithHint(errors.Newf("storage.driver: unknown driver %q", st.Driver), "use memory, file, sqlite or nats"))
	}
	if (driver == "file" || driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(st.Path) == "" {
		add(errors.Newf("storage.path is required for driver %q", driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout)
	add(err)

	a := cfg.API
	for path, raw := range map[string]string{
		"api.read_timeout":  a.ReadTimeout,
		"api.write_timeout": a.WriteTimeout,
		"api.idle_timeout":  a.IdleTimeout,
	} {
		_, err = ParseDurationField(path, raw)
		add(err)
	}
	if a.RatePerSec < 0 || a.Burst < 0 || a.ContentMaxLen < 0 {
		add(errors.New("api: rate_per_sec, burst and content_max_len must be >= 0"))
	}

	tg := cfg.Notify.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("notify.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			add(errors.New("notify.telegram.chat_id is required when enabled"))
		}
	}

	return errors.Join(errs...)
}
