package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/api"
	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/jobs"
	"jobsched/internal/metrics"
	"jobsched/internal/notify"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager // nil when running on defaults
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	dispatcher *scheduler.Dispatcher
	jobs       *jobs.Service
	limiter    *api.RateLimiter
	server     *api.Server // nil when the API is disabled
	notifier   *notify.Notifier
	sd         *systemd.Notifier
}

// New loads cfgPath (JSON or YAML) and wires every component. An empty path
// runs on config.Default() without hot reload.
func New(cfgPath string) (*App, error) {
	var (
		cfgm *config.ConfigManager
		cfg  *config.Config
		err  error
	)
	if strings.TrimSpace(cfgPath) == "" {
		cfg = config.Default()
	} else {
		cfgm = config.NewConfigManager(cfgPath)
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		sd:      systemd.New(cfg.Systemd.Notify),
	}

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.store = store

	schedCfg, _ := mapSchedulerConfig(cfg)
	sinks := engine.MultiSink{
		engine.LogSink{Log: log.With(logx.String("comp", "executor"))},
		engine.BusSink{Bus: a.bus},
	}
	a.dispatcher, err = scheduler.New(schedCfg, scheduler.Deps{
		Store:    store,
		Sink:     sinks,
		Log:      log.With(logx.String("comp", "dispatcher")),
		Metrics:  a.metrics,
		Observer: a.metrics,
	})
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	if err := a.metrics.RegisterActiveExecutors(a.dispatcher.Registry().Active); err != nil {
		a.log.Warn("active executors gauge not registered", logx.Err(err))
	}

	a.jobs = jobs.NewService(store, mapJobsConfig(cfg), log.With(logx.String("comp", "jobs")))

	if cfg.API.Enabled {
		a.limiter = api.NewRateLimiter(cfg.API.RatePerSec, cfg.API.Burst)
		srvCfg, _ := mapServerConfig(cfg)
		handler := api.NewRouter(api.Deps{
			Jobs:      a.jobs,
			Scheduler: a.dispatcher,
			Store:     store,
			Log:       log.With(logx.String("comp", "api")),
			Limiter:   a.limiter,
			Observer:  a.metrics,
			Metrics:   a.metrics.Handler(),
			Pprof:     cfg.API.Pprof,
		})
		a.server = api.NewServer(srvCfg, handler, log.With(logx.String("comp", "api")))
	}

	if ncfg, enabled := mapNotifyConfig(cfg); enabled {
		sender, err := notify.NewTelegramSender(ncfg)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
		a.notifier = notify.New(ncfg, sender, log.With(logx.String("comp", "notify")), a.metrics.NotifyDropped)
	}
	return a, nil
}

func (a *App) Dispatcher() *scheduler.Dispatcher { return a.dispatcher }
func (a *App) Jobs() *jobs.Service               { return a.jobs }

// APIAddr is the bound API address, or "" when the API is off.
func (a *App) APIAddr() string {
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	driver := a.cfg.Storage.Driver

	if err := a.store.Ping(ctx); err != nil {
		return errors.WithHint(errors.Wrap(err, "storage not reachable"), "check storage.driver and storage.url/path")
	}
	if a.server != nil {
		if err := a.server.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	a.dispatcher.Start(a.sup.Context())

	if a.notifier != nil {
		a.sup.Go("notify.run", func(c context.Context) error {
			return a.notifier.Run(c, a.bus)
		})
	}
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validateConfig(cfg)
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					a.applyConfig(newCfg)
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if sent, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("storage", driver),
		logx.String("api", a.APIAddr()),
		logx.Bool("notify", a.notifier != nil),
	)
	return nil
}

// applyConfig hot-applies logging, the API rate limit, the dispatcher
// settings and the producer channels. Everything else needs a restart.
func (a *App) applyConfig(newCfg *config.Config) {
	oldCfg := a.cfg
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	a.logs.Apply(mapLogConfig(newCfg))

	if a.limiter != nil {
		a.limiter.Apply(newCfg.API.RatePerSec, newCfg.API.Burst)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.dispatcher.Apply(sc); err != nil {
		a.log.Warn("scheduler config rejected", logx.Err(err))
	} else {
		a.jobs.Apply(mapJobsConfig(newCfg))
	}

	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.cfg = newCfg

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop runs the shutdown steps in order, each bounded by its own budget and
// by ctx. A step that overruns is left running in the background.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.sd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	var errs []error
	step := func(name string, budget time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, errors.Wrap(err, name))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("api", 3*time.Second, func(c context.Context) error {
		if a.server == nil {
			return nil
		}
		return a.server.Stop(c)
	})
	step("dispatcher", 5*time.Second, a.dispatcher.Stop)
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
