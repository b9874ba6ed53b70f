package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "jobsched/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create storage dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection: serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st, err := NewSQLite(context.Background(), db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// NewSQLite wraps an open database handle and applies the schema.
func NewSQLite(ctx context.Context, db *sql.DB, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		return nil, errors.Wrap(err, "apply sqlite schema")
	}
	return s, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("hset", err)
	}
	defer func() { _ = tx.Rollback() }()
	for f, v := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_fields(key, field, value) VALUES(?,?,?)
			 ON CONFLICT(key, field) DO UPDATE SET value=excluded.value`,
			key, f, v,
		); err != nil {
			return unavailable("hset", err)
		}
	}
	return unavailable("hset", tx.Commit())
}

func (s *sqliteStore) HashGetField(ctx context.Context, key, field string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM task_fields WHERE key = ? AND field = ?`, key, field,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrNotFound, "key %q field %q", key, field)
	}
	if err != nil {
		return "", unavailable("hget", err)
	}
	return v, nil
}

func (s *sqliteStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM task_fields WHERE key = ?`, key)
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, unavailable("hgetall", err)
		}
		out[f] = v
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("hgetall", err)
	}
	if len(out) == 0 {
		return nil, notFound(key)
	}
	return out, nil
}

func (s *sqliteStore) QueuePush(ctx context.Context, channel, entry string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries(channel, entry) VALUES(?,?)`, channel, entry,
	)
	return unavailable("push", err)
}

// QueueDrain reads and deletes in one transaction so entries pushed
// concurrently are left for the next drain.
func (s *sqliteStore) QueueDrain(ctx context.Context, channel string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("drain", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, entry FROM queue_entries WHERE channel = ? ORDER BY seq`, channel,
	)
	if err != nil {
		return nil, unavailable("drain", err)
	}
	var (
		out     []string
		lastSeq int64
	)
	for rows.Next() {
		var e string
		if err := rows.Scan(&lastSeq, &e); err != nil {
			_ = rows.Close()
			return nil, unavailable("drain", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, unavailable("drain", err)
	}
	_ = rows.Close()
	if len(out) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE channel = ? AND seq <= ?`, channel, lastSeq,
	); err != nil {
		return nil, unavailable("drain", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("drain", err)
	}
	return out, nil
}
