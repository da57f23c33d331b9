// Package destroy provides the lifecycle primitive shared by handles,
// connections and host sessions: a list of cleanup handlers run exactly once
// when the owner is torn down.
package destroy

import (
	"fmt"
	"sync"

	"worker-runner/logx"
)

// Handler is a cleanup callback. A returned error (or a panic) is logged and
// does not prevent the remaining handlers from running.
type Handler func() error

// HandlerID identifies a registration so it can be removed later.
type HandlerID uint64

type entry struct {
	id HandlerID
	fn Handler
}

// Target collects destroy handlers. The zero value is ready to use.
type Target struct {
	mu       sync.Mutex
	nextID   HandlerID
	handlers []entry
	consumed bool
}

// AddDestroyHandler registers fn. On an already destroyed target fn runs
// immediately, before AddDestroyHandler returns, so a registration can never
// miss a teardown that already happened.
func (t *Target) AddDestroyHandler(fn Handler) HandlerID {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	if t.consumed {
		t.mu.Unlock()
		run(id, fn)
		return id
	}
	t.handlers = append(t.handlers, entry{id: id, fn: fn})
	t.mu.Unlock()
	return id
}

// RemoveDestroyHandler unregisters a pending handler. It reports whether the
// handler was still registered.
func (t *Target) RemoveDestroyHandler(id HandlerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.handlers {
		if e.id == id {
			t.handlers = append(t.handlers[:i], t.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Destroy runs every registered handler once, in registration order. Calling
// it again is a no-op.
func (t *Target) Destroy() {
	t.mu.Lock()
	if t.consumed {
		t.mu.Unlock()
		return
	}
	t.consumed = true
	handlers := t.handlers
	t.handlers = nil
	t.mu.Unlock()

	for _, e := range handlers {
		run(e.id, e.fn)
	}
}

// Destroyed reports whether Destroy has been called.
func (t *Target) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed
}

// Len returns the number of handlers still waiting for Destroy.
func (t *Target) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

func run(id HandlerID, fn Handler) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Uint64("handler_id", uint64(id)).Str("panic", fmt.Sprint(r)).Msg("destroy handler panicked")
		}
	}()
	if err := fn(); err != nil {
		logx.Log.Warn().Uint64("handler_id", uint64(id)).Err(err).Msg("destroy handler failed")
	}
}
