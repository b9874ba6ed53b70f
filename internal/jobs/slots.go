package jobs

import "sync"

// SlotTable hands out the lowest free non-negative index and reuses freed
// ones, like a slab allocator. The index is stored on the task as a
// back-reference and carries no meaning for the scheduler.
type SlotTable struct {
	mu   sync.Mutex
	used map[int64]string
	free []int64 // freed slots, kept sorted ascending
	next int64
}

func NewSlotTable() *SlotTable {
	return &SlotTable{used: map[int64]string{}}
}

// Alloc reserves a slot for id.
func (s *SlotTable) Alloc(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var slot int64
	if len(s.free) > 0 {
		slot = s.free[0]
		s.free = s.free[1:]
	} else {
		slot = s.next
		s.next++
	}
	s.used[slot] = id
	return slot
}

// Free releases slot if it is held by id. It reports whether anything was freed.
func (s *SlotTable) Free(slot int64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.used[slot]; !ok || owner != id {
		return false
	}
	delete(s.used, slot)
	i := 0
	for i < len(s.free) && s.free[i] < slot {
		i++
	}
	s.free = append(s.free, 0)
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = slot
	return true
}

func (s *SlotTable) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}
