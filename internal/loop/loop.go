// Package loop provides the single owner goroutine that serializes every
// mutation of connection and call state.
//
// Callers never touch loop-owned state directly: they Post a closure, or Do
// one and wait for it. Timers created with AfterFunc fire by posting onto
// the loop, and Timer.Stop called from loop code guarantees the callback
// will not run even if the underlying runtime timer already expired.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("owner loop is closed")

const defaultMailboxSize = 256

type Loop struct {
	mailbox chan func()

	mu      sync.Mutex
	closed  bool
	running bool
	done    chan struct{}
}

func New() *Loop {
	return &Loop{
		mailbox: make(chan func(), defaultMailboxSize),
		done:    make(chan struct{}),
	}
}

// Run executes posted closures until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running || l.closed {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.done:
			return
		case fn := <-l.mailbox:
			fn()
		}
	}
}

// Close stops the loop. Closures still queued are discarded.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Post enqueues fn without waiting. It reports false when the loop is closed.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.mailbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do posts fn and blocks until it has run on the loop. Calling Do from loop
// code deadlocks until ctx expires.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Timer is a cancellable delayed action executed on the loop.
type Timer struct {
	rt        *time.Timer
	cancelled bool
}

// AfterFunc schedules fn on the loop after d. Must be called from loop code.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.rt = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled {
				return
			}
			t.cancelled = true
			fn()
		})
	})
	return t
}

// Stop cancels the timer. Must be called from loop code; safe on nil.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.cancelled = true
	t.rt.Stop()
}

// Pending reports whether the timer has neither fired nor been stopped.
func (t *Timer) Pending() bool {
	return t != nil && !t.cancelled
}
