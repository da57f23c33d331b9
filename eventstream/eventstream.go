// Package eventstream adapts push-style handler registration into pull-style
// sequences.
//
// A Source only knows how to add and remove a handler. Stream turns it into
// subscriptions that register their handler lazily (on first Next), buffer
// pushed events so the producer never blocks, and remove the handler on every
// exit path: completion, error, context cancellation or an explicit Close.
// Each subscription owns its own registration.
package eventstream

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("subscription closed")

// Event is one push from a source: a value, a terminal error, or the end of
// the sequence.
type Event[T any] struct {
	Value T
	Err   error
	End   bool
}

// Handler receives events. Sources may call it from any goroutine.
type Handler[T any] func(Event[T])

// Source is the capability being adapted.
type Source[T any] interface {
	AddHandler(fn Handler[T]) uint64
	RemoveHandler(id uint64)
}

// SourceFuncs adapts a pair of functions to Source.
type SourceFuncs[T any] struct {
	Add    func(fn Handler[T]) uint64
	Remove func(id uint64)
}

func (f SourceFuncs[T]) AddHandler(fn Handler[T]) uint64 { return f.Add(fn) }
func (f SourceFuncs[T]) RemoveHandler(id uint64)         { f.Remove(id) }

// Stream is a restartable sequence over a Source.
type Stream[T any] struct {
	src Source[T]
}

// New wraps src. Nothing is registered until a subscription is consumed.
func New[T any](src Source[T]) *Stream[T] {
	return &Stream[T]{src: src}
}

// Subscribe returns an independent, not yet started subscription.
func (s *Stream[T]) Subscribe() *Subscription[T] {
	return &Subscription[T]{src: s.src, signal: make(chan struct{}, 1)}
}

// All returns a range-over-func view. Iteration ends without an error when
// the source ends; a source error or a context error is yielded once. Leaving
// the loop early removes the handler.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		sub := s.Subscribe()
		defer sub.Close()
		for {
			v, err := sub.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Subscription is one consumer's view of a Stream.
type Subscription[T any] struct {
	src    Source[T]
	signal chan struct{}

	mu         sync.Mutex
	started    bool
	registered bool
	removed    bool
	closed     bool
	done       bool
	id         uint64
	queue      []Event[T]
}

// Next returns the next value. It returns io.EOF once the source has ended
// and the source's error once it has failed. A cancelled ctx closes the
// subscription.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	s.start()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event[T]{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			switch {
			case ev.Err != nil:
				s.finish()
				return zero, ev.Err
			case ev.End:
				s.finish()
				return zero, io.EOF
			}
			return ev.Value, nil
		}
		if s.done {
			s.mu.Unlock()
			return zero, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			s.Close()
			return zero, ctx.Err()
		}
	}
}

// Close removes the handler. It is safe to call more than once and from any
// goroutine.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.release()
	s.wake()
}

// Active reports whether the handler is currently registered with the source.
func (s *Subscription[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered && !s.removed
}

func (s *Subscription[T]) start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	// The source may push synchronously from AddHandler, so no lock is held.
	id := s.src.AddHandler(s.push)

	s.mu.Lock()
	s.id = id
	s.registered = true
	release := s.closed || s.done
	s.mu.Unlock()
	if release {
		s.release()
	}
}

func (s *Subscription[T]) push(ev Event[T]) {
	s.mu.Lock()
	if s.closed || s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if ev.End || ev.Err != nil {
		s.done = true
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.release()
}

func (s *Subscription[T]) release() {
	s.mu.Lock()
	if !s.registered || s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	id := s.id
	s.mu.Unlock()
	s.src.RemoveHandler(id)
}

func (s *Subscription[T]) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
