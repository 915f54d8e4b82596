// Package jobs implements the engine's cooperative job scheduler. Thousands
// of short tasks are multiplexed over a fixed pool of fibers distributed
// across worker slots. A job may submit further jobs and block on their
// completion counter without occupying a worker: the wait suspends the
// fiber, the worker picks up other work, and the fiber is resumed once the
// counter reaches zero, optionally pinned back to the worker it blocked on.
package jobs

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vertexforge/engine/internal/logging"
)

// Priority selects which submission queue a batch goes to. Workers drain
// higher priorities first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh

	numPriorities = 3
)

// EntryPoint is a job's entry function. The fiber argument is the execution
// context the job runs on; it is required for any operation that may
// suspend, such as waiting on a counter.
type EntryPoint func(f *Fiber, arg any)

// Job couples an entry point with its argument. Jobs are cheap values,
// copied into the submission queue.
type Job struct {
	Entry   EntryPoint
	Arg     any
	counter *Counter
}

// NewJob builds a job value.
func NewJob(entry EntryPoint, arg any) Job {
	return Job{Entry: entry, Arg: arg}
}

const (
	maxFibers         = 128
	defaultFiberCount = maxFibers
	maxThreads        = 64

	jobQueueCapacity     = 1 << 14
	counterQueueCapacity = 1 << 12
)

// perWorker is the scheduler state of one worker slot.
type perWorker struct {
	// resumable fibers that must be resumed on this worker
	pinned *lockFreeQueue[*Fiber]

	// fiber currently executing on this worker; only touched by code
	// running on the worker itself
	current *Fiber

	// teardown coordination
	shutdownFiber *Fiber
	threadFiber   *Fiber

	jobsExecuted atomic.Uint64
}

// System is the scheduler instance. Create one with Init and tear it down
// with Shutdown, both from the same goroutine.
type System struct {
	fibers  []*Fiber
	workers []perWorker

	jobQueues  [numPriorities]*lockFreeQueue[Job]
	resumable  *lockFreeQueue[*Fiber]
	freeFibers *lockFreeQueue[*Fiber]

	freeCounters *lockFreeQueue[*Counter]

	stopped        atomic.Bool
	stoppedThreads atomic.Uint32
	done           chan struct{}
	wg             sync.WaitGroup

	threadCount int
	pinWorkers  bool
	log         logging.Logger
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	ThreadCount  int    `json:"thread_count"`
	FiberCount   int    `json:"fiber_count"`
	FreeFibers   int    `json:"free_fibers"`
	PendingJobs  int    `json:"pending_jobs"`
	JobsExecuted uint64 `json:"jobs_executed"`
}

// Init starts the scheduler: it creates the fiber pool, converts the calling
// goroutine into the main fiber (index 0, worker 0) and spawns N-1 worker
// slots, where N is the number of hardware threads capped at 64. Must be
// called once; the caller becomes the main participant and must later call
// Shutdown from the same goroutine.
func Init(opts ...Option) *System {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	threadCount := cfg.threadCount
	if threadCount <= 0 {
		threadCount = runtime.NumCPU()
	}
	if threadCount == 0 {
		threadCount = 4
	}
	if threadCount > maxThreads {
		threadCount = maxThreads
	}
	if cfg.fiberCount < 2 {
		cfg.fiberCount = 2
	}
	if cfg.fiberCount > maxFibers {
		cfg.fiberCount = maxFibers
	}

	s := &System{
		fibers:       make([]*Fiber, cfg.fiberCount),
		workers:      make([]perWorker, threadCount),
		resumable:    newLockFreeQueue[*Fiber](nextPow2(cfg.fiberCount * 2)),
		freeFibers:   newLockFreeQueue[*Fiber](nextPow2(cfg.fiberCount * 2)),
		freeCounters: newLockFreeQueue[*Counter](counterQueueCapacity),
		done:         make(chan struct{}),
		threadCount:  threadCount,
		pinWorkers:   cfg.pinWorkers,
		log:          cfg.log,
	}
	for i := range s.jobQueues {
		s.jobQueues[i] = newLockFreeQueue[Job](jobQueueCapacity)
	}

	s.log.Info("starting job system")

	// main fiber: the calling goroutine, already running
	main := newFiber(s, 0)
	main.worker = 0
	s.fibers[0] = main

	// remaining fibers start parked on the free list
	for i := 1; i < cfg.fiberCount; i++ {
		f := newFiber(s, uint32(i))
		s.fibers[i] = f
		go s.fiberMain(f)
		s.freeFibers.Enqueue(f)
	}

	// worker 0 is the main participant
	s.workers[0].pinned = newLockFreeQueue[*Fiber](nextPow2(cfg.fiberCount))
	s.workers[0].shutdownFiber = s.newShutdownFiber()
	s.workers[0].threadFiber = main
	s.workers[0].current = main
	if s.pinWorkers {
		pinCurrentThread(0)
	}

	// worker slots 1..N-1
	for i := 1; i < threadCount; i++ {
		s.workers[i].pinned = newLockFreeQueue[*Fiber](nextPow2(cfg.fiberCount))
		s.workers[i].shutdownFiber = s.newShutdownFiber()
		s.wg.Add(1)
		go s.workerMain(int32(i))
	}

	s.log.Info("started job system", "threads", threadCount, "fibers", cfg.fiberCount)
	return s
}

func (s *System) newShutdownFiber() *Fiber {
	f := newFiber(s, ^uint32(0))
	go s.shutdownFiberMain(f)
	return f
}

// Main returns the main participant's fiber. It may only be used from the
// goroutine that called Init.
func (s *System) Main() *Fiber {
	return s.fibers[0]
}

// ThreadCount returns the number of worker slots, including the main
// participant.
func (s *System) ThreadCount() int {
	return s.threadCount
}

// FiberCount returns the size of the fiber pool.
func (s *System) FiberCount() int {
	return len(s.fibers)
}

// Stats snapshots scheduler activity counters.
func (s *System) Stats() Stats {
	pending := 0
	for _, q := range s.jobQueues {
		pending += q.Len()
	}
	var executed uint64
	for i := range s.workers {
		executed += s.workers[i].jobsExecuted.Load()
	}
	return Stats{
		ThreadCount:  s.threadCount,
		FiberCount:   len(s.fibers),
		FreeFibers:   s.freeFibers.Len(),
		PendingJobs:  pending,
		JobsExecuted: executed,
	}
}

// workerMain is the entry of a worker slot's bootstrap goroutine. It plays
// the role of the slot's OS thread: it registers itself as the thread
// fiber, hands the slot to a pool fiber, and sleeps until teardown returns
// the slot to it.
func (s *System) workerMain(idx int32) {
	defer s.wg.Done()

	if s.pinWorkers {
		pinCurrentThread(int(idx))
	}

	s.log.Debug("starting worker thread", "thread", idx)

	threadFiber := newFiber(s, ^uint32(0))
	threadFiber.worker = idx
	s.workers[idx].threadFiber = threadFiber

	// fetch a free fiber and hand it the slot; the fiber runs the
	// scheduling loop
	var first *Fiber
	for {
		if f, ok := s.freeFibers.TryDequeue(); ok {
			first = f
			break
		}
		runtime.Gosched()
	}
	threadFiber.switchTo(first)

	s.log.Debug("shutting down worker thread", "thread", idx)
}

// fiberMain is the scheduling loop every pool fiber runs when it owns a
// worker slot.
func (s *System) fiberMain(f *Fiber) {
	f.park()
	f.cleanup()

	for !s.stopped.Load() {
		var toResume *Fiber
		var job Job
		foundJob := false

		// find something to do
		for !s.stopped.Load() {
			// fibers pinned to the current worker first
			if fb, ok := s.workers[f.worker].pinned.TryDequeue(); ok {
				toResume = fb
				break
			}

			// then fibers resumable anywhere
			if fb, ok := s.resumable.TryDequeue(); ok {
				toResume = fb
				break
			}

			// no fiber to resume, fetch a fresh job
			if j, ok := s.dequeueJob(); ok {
				job = j
				foundJob = true
				break
			}

			runtime.Gosched()
		}

		if toResume != nil {
			// mark ourselves to be freed by the incoming fiber
			toResume.oldFiberToFree = f
			f.switchTo(toResume)
			f.cleanup()
		} else if foundJob {
			job.Entry(f, job.Arg)
			s.workers[f.worker].jobsExecuted.Add(1)

			if job.counter != nil {
				s.finishJob(job.counter)
			}
		}
	}

	// hand the slot to the worker's shutdown fiber; this fiber is abandoned
	f.switchTo(s.workers[f.worker].shutdownFiber)
}

func (s *System) dequeueJob() (Job, bool) {
	for p := numPriorities - 1; p >= 0; p-- {
		if j, ok := s.jobQueues[p].TryDequeue(); ok {
			return j, true
		}
	}
	return Job{}, false
}

// finishJob decrements a completed job's counter and, if it reached zero,
// makes every waiter resumable.
func (s *System) finishJob(c *Counter) {
	c.mutex.Lock()

	c.value--
	if c.value != 0 {
		c.mutex.Unlock()
		return
	}

	// Snapshot and clear the waiter set, then drop the lock before touching
	// any queue: a resumed waiter may free the counter immediately, so the
	// counter must not be accessed past the unlock.
	waiters := c.waiters
	c.waiters = waiterSet{}
	c.mutex.Unlock()

	waiters.forEach(func(idx uint32) {
		waiter := s.fibers[idx]
		if rt := waiter.resumeThread; rt != noThread {
			s.workers[rt].pinned.Enqueue(waiter)
		} else {
			s.resumable.Enqueue(waiter)
		}
	})
}

// Run submits a batch of jobs. If counter is non-nil and *counter is nil, a
// counter is acquired (reused from the free list when possible), initialized
// to len(batch) and written back; if *counter is non-nil, len(batch) is
// added to it. Safe to call from any fiber and from the main participant;
// never suspends.
func (s *System) Run(batch []Job, counter **Counter, priority Priority) {
	if counter != nil {
		if *counter == nil {
			c, ok := s.freeCounters.TryDequeue()
			if !ok {
				c = &Counter{}
			}
			// fresh counter, no concurrent accessors yet
			c.value = uint32(len(batch))
			*counter = c
		} else {
			c := *counter
			c.mutex.Lock()
			c.value += uint32(len(batch))
			c.mutex.Unlock()
		}
	}

	q := s.jobQueues[priority]
	for i := range batch {
		job := batch[i]
		if counter != nil {
			job.counter = *counter
		}
		for !q.Enqueue(job) {
			// submission outpaced the workers; apply backpressure
			runtime.Gosched()
		}
	}
}

// WaitForCounter blocks the fiber until the counter reaches zero. The
// worker is released to run other work in the meantime. If stayOnThread is
// set, the fiber is resumed on the worker it blocked on.
func (f *Fiber) WaitForCounter(c *Counter, stayOnThread bool) {
	s := f.sys

	c.mutex.Lock()

	if c.value == 0 {
		c.mutex.Unlock()
		return
	}

	// find a replacement fiber to occupy the worker: prefer resuming useful
	// work over starting a fresh loop fiber
	next, ok := s.resumable.TryDequeue()
	if !ok {
		for {
			if next, ok = s.freeFibers.TryDequeue(); ok {
				break
			}
			runtime.Gosched()
		}
	}

	// register as a waiter before the switch; the counter's lock is still
	// held and is released by the replacement fiber after the switch, so
	// the completion path cannot observe a half-registered waiter
	c.waiters.set(f.idx)
	if stayOnThread {
		f.resumeThread = f.worker
	} else {
		f.resumeThread = noThread
	}
	next.oldLockToUnlock = &c.mutex

	f.switchTo(next)
	f.cleanup()
}

// FreeCounter returns a quiescent counter to the free list. The counter
// must have completed (count zero) and have no waiters.
func (s *System) FreeCounter(c *Counter) {
	c.mutex.Lock()
	if c.value != 0 || !c.waiters.none() {
		c.mutex.Unlock()
		panic("jobs: FreeCounter on a counter still in use")
	}
	c.mutex.Unlock()

	// a full free list just drops the counter for the GC
	s.freeCounters.Enqueue(c)
}

// shutdownFiberMain coordinates teardown: every worker slot eventually
// switches to its shutdown fiber, which waits for all slots to arrive and
// then returns the slot to its original thread fiber.
func (s *System) shutdownFiberMain(f *Fiber) {
	f.park()

	s.stoppedThreads.Add(1)
	for s.stoppedThreads.Load() != uint32(s.threadCount) {
		time.Sleep(time.Millisecond)
	}

	f.switchTo(s.workers[f.worker].threadFiber)
}

// Shutdown stops the scheduler. Must be called from the main participant,
// outside any job. Pending jobs are abandoned; blocked waiters are not
// resumed. Blocks until every worker has exited.
func (s *System) Shutdown() {
	s.log.Info("shutting down job system")

	s.stopped.Store(true)

	// hand our slot to its shutdown fiber; we are resumed by worker 0's
	// shutdown fiber once all slots have arrived at the barrier
	main := s.fibers[0]
	main.switchTo(s.workers[main.worker].shutdownFiber)

	// back on worker 0
	s.wg.Wait()

	// drop pooled counters
	for {
		if _, ok := s.freeCounters.TryDequeue(); !ok {
			break
		}
	}

	// release every still-parked fiber goroutine
	close(s.done)

	s.log.Info("job system shut down")
}

func nextPow2(v int) int {
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}
