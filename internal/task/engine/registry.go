package engine

import (
	"context"
	"sort"
	"sync"
)

// Registry maps task id to the handle of its most recent executor.
// The dispatcher is the only writer.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Handle{}}
}

// Put stores h under its id and returns the handle it replaced, if any.
func (r *Registry) Put(h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.m[h.ID()]
	r.m[h.ID()] = h
	return prev
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[id]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Active counts non-terminal executors.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, h := range r.m {
		if h.Active() {
			n++
		}
	}
	return n
}

// Snapshot returns every entry ordered by id.
func (r *Registry) Snapshot() []HandleInfo {
	r.mu.RLock()
	out := make([]HandleInfo, 0, len(r.m))
	for _, h := range r.m {
		out = append(out, h.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune drops terminal entries and returns how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, h := range r.m {
		if !h.Active() {
			delete(r.m, id)
			n++
		}
	}
	return n
}

// CancelAll cancels every active executor and waits for them or ctx.
func (r *Registry) CancelAll(ctx context.Context) error {
	r.mu.RLock()
	hs := make([]*Handle, 0, len(r.m))
	for _, h := range r.m {
		if h.Active() {
			h.Cancel()
			hs = append(hs, h)
		}
	}
	r.mu.RUnlock()
	for _, h := range hs {
		if err := h.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}
