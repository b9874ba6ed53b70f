package app

import (
	"strings"
	"time"

	"jobsched/internal/api"
	"jobsched/internal/config"
	"jobsched/internal/jobs"
	"jobsched/internal/notify"
	"jobsched/internal/storage"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		BusyTimeout: busy,
		Bucket:      sc.Bucket,
		Stream:      sc.Stream,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	unit, err := config.ParseDurationOrDefault("scheduler.duration_unit", s.DurationUnit, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	stopWait, err := config.ParseDurationOrDefault("scheduler.stop_wait", s.StopWait, scheduler.DefaultStopWait)
	if err != nil {
		return scheduler.Config{}, err
	}
	out := scheduler.Config{
		Poll:           strings.TrimSpace(s.Poll),
		TodoChannel:    strings.TrimSpace(s.TodoChannel),
		ControlChannel: strings.TrimSpace(s.ControlChannel),
		DurationUnit:   unit,
		StopWait:       stopWait,
		PruneTerminal:  s.PruneTerminal,
	}
	if out.Poll != "" {
		if _, err := scheduler.ParseSchedule(out.Poll); err != nil {
			return scheduler.Config{}, err
		}
	}
	return out, nil
}

// mapJobsConfig uses the dispatcher's channel defaults so producers and the
// consumer always agree.
func mapJobsConfig(cfg *config.Config) jobs.Config {
	todo := strings.TrimSpace(cfg.Scheduler.TodoChannel)
	if todo == "" {
		todo = scheduler.DefaultTodoChannel
	}
	control := strings.TrimSpace(cfg.Scheduler.ControlChannel)
	if control == "" {
		control = scheduler.DefaultControlChannel
	}
	return jobs.Config{
		TodoChannel:    todo,
		ControlChannel: control,
		ContentMaxLen:  cfg.API.ContentMaxLen,
	}
}

func mapServerConfig(cfg *config.Config) (api.ServerConfig, error) {
	a := cfg.API
	read, err := config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 15*time.Second)
	if err != nil {
		return api.ServerConfig{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", a.WriteTimeout, 15*time.Second)
	if err != nil {
		return api.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", a.IdleTimeout, time.Minute)
	if err != nil {
		return api.ServerConfig{}, err
	}
	return api.ServerConfig{
		Addr:         strings.TrimSpace(a.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		Pprof:        a.Pprof,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, bool) {
	tg := cfg.Notify.Telegram
	return notify.Config{
		Token:      strings.TrimSpace(tg.Token),
		ChatID:     tg.ChatID,
		ThreadID:   tg.ThreadID,
		RatePerSec: tg.RatePerSec,
		QueueSize:  tg.QueueSize,
	}, tg.Enabled
}

// validateConfig runs every mapping so a reload is rejected before anything
// is applied.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	return nil
}
