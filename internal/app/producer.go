package app

import (
	"strings"

	"github.com/cockroachdb/errors"

	"jobsched/internal/config"
	"jobsched/internal/jobs"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// Producer gives CLI commands direct access to the configured store without
// starting the dispatcher.
type Producer struct {
	Jobs  *jobs.Service
	store storage.Store
	logs  *logx.Service
}

// OpenProducer loads cfgPath and opens its store. In-process drivers are
// refused: a separate process would never see the entries.
func OpenProducer(cfgPath string) (*Producer, error) {
	if strings.TrimSpace(cfgPath) == "" {
		return nil, errors.WithHint(errors.New("config path is required"), "pass --config")
	}
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	sc, _ := mapStorageConfig(cfg)
	switch sc.Driver {
	case "", "memory", "mem", "file":
		return nil, errors.WithHint(
			errors.Newf("storage driver %q is private to the serving process", sc.Driver),
			"use the HTTP API, or switch storage.driver to sqlite or nats",
		)
	}

	logCfg := mapLogConfig(cfg)
	logCfg.File.Enabled = false
	logSvc, log := logx.New(logCfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return &Producer{
		Jobs:  jobs.NewService(store, mapJobsConfig(cfg), log.With(logx.String("comp", "jobs"))),
		store: store,
		logs:  logSvc,
	}, nil
}

func (p *Producer) Close() error {
	err := p.store.Close()
	_ = p.logs.Close()
	return err
}
