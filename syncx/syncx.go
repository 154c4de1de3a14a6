// Package syncx contains the two synchronization primitives the cycle loop is
// built from: a single slot Signal and a one shot completion Latch.
package syncx

import (
	"context"
	"sync"
)

// Signal is a single slot wakeup.  Any number of Notify calls made while no
// one is waiting collapse into one pending wakeup.
type Signal struct {
	ch   chan struct{}
	once sync.Once
}

func (s *Signal) init() {
	s.once.Do(func() { s.ch = make(chan struct{}, 1) })
}

// Notify sets the slot; it never blocks
func (s *Signal) Notify() {
	s.init()
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the slot is set, consuming it, or ctx is done
func (s *Signal) Wait(ctx context.Context) error {
	s.init()
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the slot for use in a select.  Receiving from it consumes the wakeup.
func (s *Signal) C() <-chan struct{} {
	s.init()
	return s.ch
}

// Drain clears a pending wakeup without blocking
func (s *Signal) Drain() {
	s.init()
	select {
	case <-s.ch:
	default:
	}
}

// Latch is released exactly once, carrying an error.  The zero value is ready to use.
type Latch struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
	set  bool
}

func (l *Latch) chanLocked() chan struct{} {
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return l.done
}

// Release opens the latch with err.  Later calls are no-ops and return false.
func (l *Latch) Release(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		return false
	}
	l.set = true
	l.err = err
	close(l.chanLocked())
	return true
}

// Done is closed once the latch is released
func (l *Latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chanLocked()
}

// Released returns true once Release has been called
func (l *Latch) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Wait blocks until the latch is released and returns its error, or ctx's error
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
