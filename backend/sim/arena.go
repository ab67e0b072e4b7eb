package sim

// arena is a generational slot allocator. Handles carry a slot index and a
// generation; a freed slot bumps its generation on reuse, so stale handles
// keep failing lookups instead of aliasing new resources.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
}

type arenaSlot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// insert stores v and returns its slot index and generation. Generations
// start at 1 so the zero handle is never valid.
func (a *arena[T]) insert(v T) (slot, gen uint32) {
	if n := len(a.free); n > 0 {
		i := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[i]
		s.gen++
		s.live = true
		s.val = v
		return i, s.gen
	}
	a.slots = append(a.slots, arenaSlot[T]{gen: 1, live: true, val: v})
	return uint32(len(a.slots) - 1), 1
}

// get returns the value stored at (slot, gen), or false for a stale or
// never-issued handle.
func (a *arena[T]) get(slot, gen uint32) (T, bool) {
	if slot >= uint32(len(a.slots)) {
		var zero T
		return zero, false
	}
	s := &a.slots[slot]
	if !s.live || s.gen != gen {
		var zero T
		return zero, false
	}
	return s.val, true
}

// remove frees the slot at (slot, gen), reporting whether the handle was
// live.
func (a *arena[T]) remove(slot, gen uint32) bool {
	if slot >= uint32(len(a.slots)) {
		return false
	}
	s := &a.slots[slot]
	if !s.live || s.gen != gen {
		return false
	}
	var zero T
	s.live = false
	s.val = zero
	a.free = append(a.free, slot)
	return true
}
