// Package asyncutil provides the concurrency primitives shared by the
// connection manager and receive path: a FIFO-fair cancellable mutex and
// an unbounded FIFO queue.
package asyncutil

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is returned by Lock when ctx is done before ownership is
// granted. Unlike a plain context error, the waiter is guaranteed to have
// been removed from the queue (or to have handed ownership straight to the
// next waiter) before Lock returns.
var ErrAborted = errors.New("asyncutil: aborted")

// Mutex is a FIFO-fair mutex whose waiters can be cancelled via context
// without corrupting ownership handoff. It serializes the connection
// manager's reconnect attempts (spec §5, "async mutex").
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Lock blocks until the mutex is acquired or ctx is done. On cancellation
// it returns ErrAborted and guarantees the mutex invariant is preserved:
// if ownership was handed to this waiter in the same instant it was
// cancelled, Lock unlocks on the caller's behalf before returning.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		select {
		case <-ch:
			// Ownership was granted concurrently with cancellation; honor
			// the grant then immediately release it to preserve the
			// invariant that every granted lock is eventually unlocked.
			m.Unlock()
			return ErrAborted
		default:
		}
		if !m.removeWaiter(ch) {
			// Unlock handed ownership over after the check above.
			m.Unlock()
		}
		return ErrAborted
	}
}

// removeWaiter removes target from the queue and reports whether it was
// still queued; false means Unlock has already handed it ownership.
func (m *Mutex) removeWaiter(target chan struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ch := range m.waiters {
		if ch == target {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Unlock releases the mutex, handing ownership directly to the
// longest-waiting blocked caller, if any.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) == 0 {
		m.locked = false
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	close(next)
}
