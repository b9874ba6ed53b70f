package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "jobsched/pkg/logx"
)

// fileStore keeps the data set in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal of mutations)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	state        memoryState
	snapshotPath string
	journal      *os.File

	writes       int
	compactEvery int
}

type journalOp string

const (
	opHashSet journalOp = "hset"
	opPush    journalOp = "push"
	opDrain   journalOp = "drain"
)

type journalRecord struct {
	Op      journalOp         `json:"op"`
	Key     string            `json:"key,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Channel string            `json:"channel,omitempty"`
	Entry   string            `json:"entry,omitempty"`
}

type snapshot struct {
	Hashes map[string]map[string]string `json:"hashes"`
	Queues map[string][]string          `json:"queues"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	state := newMemoryState()
	if err := loadSnapshot(snapPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load snapshot")
	}
	replayed, err := replayJournal(journalPath, &state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "replay journal")
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	log.Debug("file store opened",
		logx.String("snapshot", snapPath),
		logx.Int("tasks", len(state.hashes)),
		logx.Int("journal_records", replayed),
	)

	return &fileStore{
		log:          log,
		state:        state,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opHashSet, Key: key, Fields: fields}); err != nil {
		return err
	}
	s.state.hset(key, fields)
	return nil
}

func (s *fileStore) HashGetField(ctx context.Context, key, field string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return "", unavailable("hget", errClosed)
	}
	h, ok := s.state.hashes[key]
	if !ok {
		return "", notFound(key)
	}
	v, ok := h[field]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "key %q field %q", key, field)
	}
	return v, nil
}

func (s *fileStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, unavailable("hgetall", errClosed)
	}
	h, ok := s.state.hashes[key]
	if !ok {
		return nil, notFound(key)
	}
	return copyFields(h), nil
}

func (s *fileStore) QueuePush(ctx context.Context, channel, entry string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opPush, Channel: channel, Entry: entry}); err != nil {
		return err
	}
	s.state.push(channel, entry)
	return nil
}

func (s *fileStore) QueueDrain(ctx context.Context, channel string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.queues[channel]) == 0 {
		if s.journal == nil {
			return nil, unavailable("drain", errClosed)
		}
		return nil, nil
	}
	if err := s.appendLocked(journalRecord{Op: opDrain, Channel: channel}); err != nil {
		return nil, err
	}
	return s.state.drain(channel), nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return unavailable("ping", errClosed)
	}
	return nil
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return unavailable(string(rec.Op), errClosed)
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return unavailable(string(rec.Op), err)
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort; the journal stays authoritative on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	snap := snapshot{Hashes: s.state.hashes, Queues: s.state.queues}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *memoryState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, h := range snap.Hashes {
		out.hset(k, h)
	}
	for ch, q := range snap.Queues {
		out.queues[ch] = append(out.queues[ch], q...)
	}
	return nil
}

func replayJournal(path string, out *memoryState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write
			continue
		}
		switch r.Op {
		case opHashSet:
			out.hset(r.Key, r.Fields)
		case opPush:
			out.push(r.Channel, r.Entry)
		case opDrain:
			out.drain(r.Channel)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
