package server

// arena hands out small integer ids (starting at 1) and recycles the slots
// of released ids. It is not safe for concurrent use.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	n     int
}

type arenaSlot[T any] struct {
	v    T
	used bool
}

func (a *arena[T]) alloc(v T) uint32 {
	a.n++
	if k := len(a.free); k > 0 {
		idx := a.free[k-1]
		a.free = a.free[:k-1]
		a.slots[idx] = arenaSlot[T]{v: v, used: true}
		return idx + 1
	}
	a.slots = append(a.slots, arenaSlot[T]{v: v, used: true})
	return uint32(len(a.slots))
}

func (a *arena[T]) get(id uint32) (T, bool) {
	var zero T
	if id == 0 || int(id) > len(a.slots) || !a.slots[id-1].used {
		return zero, false
	}
	return a.slots[id-1].v, true
}

func (a *arena[T]) release(id uint32) (T, bool) {
	v, ok := a.get(id)
	if !ok {
		return v, false
	}
	var zero T
	a.slots[id-1] = arenaSlot[T]{v: zero}
	a.free = append(a.free, id-1)
	a.n--
	return v, true
}

func (a *arena[T]) each(fn func(id uint32, v T)) {
	for i, s := range a.slots {
		if s.used {
			fn(uint32(i+1), s.v)
		}
	}
}

func (a *arena[T]) len() int { return a.n }
