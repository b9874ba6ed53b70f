package storage

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

var errClosed = errors.New("store closed")

// memoryState is the in-process data set shared by the memory and file drivers.
type memoryState struct {
	hashes map[string]map[string]string
	queues map[string][]string
}

func newMemoryState() memoryState {
	return memoryState{
		hashes: map[string]map[string]string{},
		queues: map[string][]string{},
	}
}

func (m *memoryState) hset(key string, fields map[string]string) {
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (m *memoryState) push(channel, entry string) {
	m.queues[channel] = append(m.queues[channel], entry)
}

func (m *memoryState) drain(channel string) []string {
	q := m.queues[channel]
	delete(m.queues, channel)
	return q
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	state  memoryState
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (s *MemoryStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("hset", errClosed)
	}
	s.state.hset(key, fields)
	return nil
}

func (s *MemoryStore) HashGetField(ctx context.Context, key, field string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
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

func (s *MemoryStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("hgetall", errClosed)
	}
	h, ok := s.state.hashes[key]
	if !ok {
		return nil, notFound(key)
	}
	return copyFields(h), nil
}

func (s *MemoryStore) QueuePush(ctx context.Context, channel, entry string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("push", errClosed)
	}
	s.state.push(channel, entry)
	return nil
}

func (s *MemoryStore) QueueDrain(ctx context.Context, channel string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("drain", errClosed)
	}
	return s.state.drain(channel), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("ping", errClosed)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
