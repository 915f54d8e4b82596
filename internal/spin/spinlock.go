// Package spin provides a minimal test-and-set spin lock for very short
// critical sections (counter updates, handle table mutation). It yields the
// processor between attempts instead of parking, so it must never be held
// across a blocking call.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Lock is a spin lock. The zero value is unlocked.
type Lock struct {
	flag atomic.Bool
}

// TryLock attempts to acquire the lock without spinning.
func (l *Lock) TryLock() bool {
	return l.flag.CompareAndSwap(false, true)
}

// Lock spins until the lock is acquired.
func (l *Lock) Lock() {
	for {
		if l.flag.CompareAndSwap(false, true) {
			return
		}
		// reduce CAS pressure: wait for the flag to clear before retrying
		for l.flag.Load() {
			runtime.Gosched()
		}
	}
}

// Unlock releases the lock. Calling Unlock on an unlocked Lock is a
// programming error.
func (l *Lock) Unlock() {
	if !l.flag.CompareAndSwap(true, false) {
		panic("spin: unlock of unlocked Lock")
	}
}

// Locked reports whether the lock is currently held by someone.
func (l *Lock) Locked() bool {
	return l.flag.Load()
}
