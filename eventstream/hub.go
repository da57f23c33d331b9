package eventstream

import "sync"

// Hub is an in-process Source that fans every event out to all registered
// handlers. The zero value is ready to use.
type Hub[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]Handler[T]
	order    []uint64
}

func (h *Hub[T]) AddHandler(fn Handler[T]) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[uint64]Handler[T])
	}
	h.nextID++
	h.handlers[h.nextID] = fn
	h.order = append(h.order, h.nextID)
	return h.nextID
}

func (h *Hub[T]) RemoveHandler(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[id]; !ok {
		return
	}
	delete(h.handlers, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered handlers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// Emit delivers v to every handler in registration order.
func (h *Hub[T]) Emit(v T) { h.dispatch(Event[T]{Value: v}) }

// End signals completion to every handler.
func (h *Hub[T]) End() { h.dispatch(Event[T]{End: true}) }

// Fail signals a terminal error to every handler.
func (h *Hub[T]) Fail(err error) { h.dispatch(Event[T]{Err: err}) }

func (h *Hub[T]) dispatch(ev Event[T]) {
	h.mu.Lock()
	fns := make([]Handler[T], 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.handlers[id])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
