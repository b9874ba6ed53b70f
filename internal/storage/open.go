package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	logx "jobsched/pkg/logx"
)

// Open initializes the configured store. An empty driver selects "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "nats", "jetstream":
		return openNATS(cfg, log)
	default:
		return nil, errors.WithHint(
			errors.Newf("unknown storage driver: %s", driver),
			"use one of: memory, file, sqlite, nats",
		)
	}
}
