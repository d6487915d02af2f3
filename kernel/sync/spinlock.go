// Package sync provides the spinlock used to serialise access to state that
// is shared between normal kernel context and interrupt handlers.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked between acquisition attempts. There is no
	// scheduler in the kernel so it is nil unless a test installs one.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked lock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current execution
// context (e.g. from an interrupt handler that interrupted the holder) will
// cause a deadlock; such code paths must use TryToAcquire instead.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		for atomic.LoadUint32(&l.state) != 0 {
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
