package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned for lookups against an unknown key or field.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable matches transient backend failures (connectivity, closed store).
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the hash + queue API consumed by the scheduler core.
//
// All methods are safe for concurrent use.
type Store interface {
	// HashSet merges fields into the hash stored at key, creating it if needed.
	HashSet(ctx context.Context, key string, fields map[string]string) error
	// HashGetField returns one field; ErrNotFound if the key or field is missing.
	HashGetField(ctx context.Context, key, field string) (string, error)
	// HashGetAll returns every field of key; ErrNotFound if the key is missing.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// QueuePush appends entry to the tail of channel.
	QueuePush(ctx context.Context, channel, entry string) error
	// QueueDrain removes and returns every entry currently in channel, oldest first.
	QueueDrain(ctx context.Context, channel string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process store
//   - "file": journaled in-process store at Path
//   - "sqlite": SQLite database file at Path
//   - "nats": JetStream server at URL (Bucket/Stream name the resources)
type Config struct {
	Driver      string
	Path        string
	URL         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Bucket      string        // nats KV bucket; default "jobsched-tasks"
	Stream      string        // nats stream; default "JOBSCHED"
	FetchWait   time.Duration // nats drain fetch wait; default 100ms
}

// unavailableError marks a backend failure as transient.
type unavailableError struct {
	op    string
	cause error
}

func (e *unavailableError) Error() string {
	return e.op + ": " + ErrUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }
func (e *unavailableError) Unwrap() error        { return e.cause }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailableError{op: op, cause: err}
}

func notFound(key string) error {
	return errors.Wrapf(ErrNotFound, "key %q", key)
}

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
