// Package interrupter turns an external cancel signal into a failure delivered
// to whoever awaits a pending operation.
//
// An Interrupter owns one Future at a time. The Future never succeeds: it only
// fails, and only through Interrupt. Interrupt fails the current Future and
// installs a fresh one, so the same Interrupter can guard the next operation.
// Successful completion of the guarded operation is observed on a separate
// channel; Race selects between the two.
package interrupter

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrInterrupted matches every failure produced by Interrupt.
var ErrInterrupted = errors.New("interrupted")

// Error is the failure of an interrupted Future. Source is the Interrupter
// that fired; Cause is the reason passed to Interrupt.
type Error struct {
	Source *Interrupter
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return ErrInterrupted.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInterrupted, e.Cause)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrInterrupted}
	}
	return []error{ErrInterrupted, e.Cause}
}

// Future is closed when its Interrupter fires.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the future has failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the failure, or nil while the future is pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future fails or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupter is a self-resetting cancellation cell. The zero value is ready
// to use.
type Interrupter struct {
	mu      sync.Mutex
	current *Future
	fired   int
}

// New returns an Interrupter with a pending Future.
func New() *Interrupter {
	return &Interrupter{current: newFuture()}
}

// Future returns the currently pending future.
func (i *Interrupter) Future() *Future {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current == nil {
		i.current = newFuture()
	}
	return i.current
}

// Interrupt fails the current future with cause and replaces it with a fresh
// one. It returns the failure delivered to the old future's waiters.
func (i *Interrupter) Interrupt(cause error) *Error {
	i.mu.Lock()
	f := i.current
	if f == nil {
		f = newFuture()
	}
	i.current = newFuture()
	i.fired++
	i.mu.Unlock()

	err := &Error{Source: i, Cause: cause}
	f.err = err
	close(f.done)
	return err
}

// Fired returns how many times Interrupt has been called.
func (i *Interrupter) Fired() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fired
}

// Race waits for the first of: a value on result, the future failing, or ctx
// ending. An interrupt observed at any point wins over a value received in
// the same turn, so a result arriving after the interrupt is never returned.
func Race[T any](ctx context.Context, f *Future, result <-chan T) (T, error) {
	var zero T
	if err := f.Err(); err != nil {
		return zero, err
	}
	select {
	case v, ok := <-result:
		if err := f.Err(); err != nil {
			return zero, err
		}
		if !ok {
			return zero, errors.New("result channel closed")
		}
		return v, nil
	case <-f.Done():
		return zero, f.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
