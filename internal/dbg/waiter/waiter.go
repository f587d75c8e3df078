// Package waiter tracks the execution state of a debugger host and lets any
// number of goroutines block until it changes.
package waiter

import (
	"context"
	"sync"
	"time"

	"gni.dev/dbgapi/internal/dbg"
)

// generation is closed when the state moves past it. next and final are
// written before the close and read only after it.
type generation struct {
	done  chan struct{}
	next  dbg.State
	final bool
}

type Waiter struct {
	mu     sync.Mutex
	state  dbg.State
	gen    *generation
	closed bool
}

func New(initial dbg.State) *Waiter {
	return &Waiter{
		state: initial,
		gen:   &generation{done: make(chan struct{})},
	}
}

func (w *Waiter) State() dbg.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Set records a new state. Every goroutine parked in Wait is woken if the
// state differs from the previous one.
func (w *Waiter) Set(s dbg.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || s == w.state {
		return
	}
	w.state = s
	g := w.gen
	g.next = s
	w.gen = &generation{done: make(chan struct{})}
	close(g.done)
}

// Wait blocks until the state changes from what it is at call time. It
// returns dbg.ErrTimedOut when timeout elapses first and dbg.ErrClosed once
// the waiter has been closed. A non-positive timeout expires at once.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (dbg.State, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return dbg.StateInvalid, dbg.ErrClosed
	}
	g := w.gen
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.done:
		if g.final {
			return dbg.StateInvalid, dbg.ErrClosed
		}
		return g.next, nil
	case <-timer.C:
		return w.State(), dbg.ErrTimedOut
	case <-ctx.Done():
		return w.State(), ctx.Err()
	}
}

// Close releases every waiter with dbg.ErrClosed. Later calls to Set are
// ignored.
func (w *Waiter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.gen.final = true
	close(w.gen.done)
}
