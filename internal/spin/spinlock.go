// Package spin provides the busy-wait lock used by allocators that may be
// entered from contexts where sleeping on a scheduler queue is not allowed.
package spin

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYield bounds how long Lock spins before handing the
// processor back to the scheduler.
const attemptsBeforeYield = 64

// yieldFn is swapped by tests.
var yieldFn = runtime.Gosched

// Lock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked lock.
//
// Lock is not reentrant: re-acquiring a lock already held by the current
// task deadlocks.
type Lock struct {
	state atomic.Uint32
}

// Lock blocks until the lock can be acquired.
func (l *Lock) Lock() {
	for {
		for i := 0; i < attemptsBeforeYield; i++ {
			if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
				return
			}
		}
		yieldFn()
	}
}

// TryLock attempts to acquire the lock and reports whether it succeeded.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock relinquishes a held lock. Calling Unlock while the lock is free has
// no effect.
func (l *Lock) Unlock() {
	l.state.Store(0)
}
