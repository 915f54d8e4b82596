package jobs

import (
	"runtime"

	"github.com/vertexforge/engine/internal/spin"
)

// noThread marks a fiber that may be resumed on any worker.
const noThread int32 = -1

// Fiber is a suspendable execution context owned by the scheduler. Every
// fiber except the main one is backed by a goroutine parked on a wakeup
// channel; "switching" to a fiber wakes its goroutine and parks the current
// one. A fiber is handed to each job entry point and is the receiver for
// every operation that may suspend (WaitForCounter, ParallelFor) as well as
// for introspection, since the hosting worker is a property of the fiber,
// not of the calling goroutine.
type Fiber struct {
	sys    *System
	idx    uint32
	resume chan struct{}

	// worker currently hosting this fiber. Written by whoever switches to
	// the fiber, before the wakeup; read only by the fiber itself.
	worker int32

	// resumeThread is set by the fiber before parking on a counter: the
	// worker it must be resumed on, or noThread for any.
	resumeThread int32

	// Cleanup batons. A fiber cannot push itself onto the free list or drop
	// its own lock: another worker could start running it mid-switch. The
	// outgoing fiber instead deposits the action here, on the incoming
	// fiber, which performs it first thing after the switch completes.
	oldFiberToFree  *Fiber
	oldLockToUnlock *spin.Lock
}

func newFiber(sys *System, idx uint32) *Fiber {
	return &Fiber{
		sys:          sys,
		idx:          idx,
		resume:       make(chan struct{}, 1),
		worker:       noThread,
		resumeThread: noThread,
	}
}

// UnmanagedThreadIndex is reported for code that is not running on a
// scheduler-managed execution context.
const UnmanagedThreadIndex = -1

// Index returns the fiber's pool index.
func (f *Fiber) Index() int {
	return int(f.idx)
}

// ThreadIndex returns the index of the worker currently hosting the fiber:
// 0 for the main participant, 1..N-1 for workers. A nil fiber reports
// UnmanagedThreadIndex.
func (f *Fiber) ThreadIndex() int {
	if f == nil {
		return UnmanagedThreadIndex
	}
	return int(f.worker)
}

// IsManaged reports whether f is a scheduler-managed execution context.
// Code holding no fiber (an arbitrary goroutine) is unmanaged: it may
// submit work but must not wait.
func (f *Fiber) IsManaged() bool {
	return f != nil && f.worker != noThread
}

// System returns the owning scheduler.
func (f *Fiber) System() *System {
	return f.sys
}

// wake publishes the fiber's state writes and resumes its goroutine. The
// resume channel is buffered so the waker never blocks: by the switch
// protocol a fiber has at most one pending wakeup.
func (f *Fiber) wake() {
	f.resume <- struct{}{}
}

// park suspends the calling goroutine until the fiber is woken. If the
// scheduler is tearing down, the goroutine exits instead: abandoned fibers
// must not outlive Shutdown.
func (f *Fiber) park() {
	select {
	case <-f.resume:
	case <-f.sys.done:
		runtime.Goexit()
	}
}

// cleanup consumes the batons left by the fiber we just switched away from.
// Must run exactly once after every inbound switch, before any other work.
func (f *Fiber) cleanup() {
	if old := f.oldFiberToFree; old != nil {
		f.oldFiberToFree = nil
		f.sys.freeFibers.Enqueue(old)
	}
	if lock := f.oldLockToUnlock; lock != nil {
		f.oldLockToUnlock = nil
		lock.Unlock()
	}
}

// switchTo hands the current worker slot from f to next and parks f. When
// park returns the fiber has been resumed, possibly on a different worker.
func (f *Fiber) switchTo(next *Fiber) {
	w := f.worker
	next.worker = w
	f.sys.workers[w].current = next
	next.wake()
	f.park()
}
