package config

import (
	"strings"

	logx "jobsched/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (the telegram token) are never
// included; only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll", strings.TrimSpace(newCfg.Scheduler.Poll)),
			logx.String("scheduler.duration_unit", strings.TrimSpace(newCfg.Scheduler.DurationUnit)),
		)
		if oldCfg.Scheduler.TodoChannel != newCfg.Scheduler.TodoChannel ||
			oldCfg.Scheduler.ControlChannel != newCfg.Scheduler.ControlChannel {
			attrs = append(attrs,
				logx.String("scheduler.todo_channel", newCfg.Scheduler.TodoChannel),
				logx.String("scheduler.control_channel", newCfg.Scheduler.ControlChannel),
			)
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		// URL may carry credentials.
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.url_set", strings.TrimSpace(newCfg.Storage.URL) != ""),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Any("api.rate_per_sec", newCfg.API.RatePerSec),
			logx.Int("api.burst", newCfg.API.Burst),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		tg := newCfg.Notify.Telegram
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.telegram_enabled", tg.Enabled),
			logx.Bool("notify.telegram_token_set", strings.TrimSpace(tg.Token) != ""),
			logx.Int64("notify.telegram_chat_id", tg.ChatID),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	return changed, attrs
}

// RestartRequired lists changed settings that only take effect after a
// restart (storage backend, API listener, notifier credentials).
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.API.Enabled != newCfg.API.Enabled || oldCfg.API.Addr != newCfg.API.Addr ||
		oldCfg.API.Pprof != newCfg.API.Pprof {
		out = append(out, "api.listener")
	}
	if oldCfg.Notify != newCfg.Notify {
		out = append(out, "notify")
	}
	return out
}
