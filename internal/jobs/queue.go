package jobs

import (
	"sync/atomic"
)

const cacheLineSize = 64

// lockFreeQueue is a bounded multi-producer/multi-consumer queue. Each cell
// carries a sequence counter so that a consumer can never observe a slot
// whose value has not been fully written yet.
type lockFreeQueue[T any] struct {
	cells    []queueCell[T]
	mask     uint64
	_pad0    [cacheLineSize - 8]byte
	enqueues atomic.Uint64
	_pad1    [cacheLineSize - 8]byte
	dequeues atomic.Uint64
	_pad2    [cacheLineSize - 8]byte
}

type queueCell[T any] struct {
	seq atomic.Uint64
	val T
}

// newLockFreeQueue creates a queue with the given capacity (power of 2).
func newLockFreeQueue[T any](capacity int) *lockFreeQueue[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("jobs: queue capacity must be a power of 2")
	}
	q := &lockFreeQueue[T]{
		cells: make([]queueCell[T], capacity),
		mask:  uint64(capacity - 1),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Enqueue appends an item. Returns false if the queue is full.
func (q *lockFreeQueue[T]) Enqueue(item T) bool {
	pos := q.enqueues.Load()
	for {
		cell := &q.cells[pos&q.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			// Slot is free, try to reserve it
			if q.enqueues.CompareAndSwap(pos, pos+1) {
				cell.val = item
				cell.seq.Store(pos + 1)
				return true
			}
			pos = q.enqueues.Load()
		case diff < 0:
			// Slot still holds an unconsumed item from the previous lap
			return false
		default:
			pos = q.enqueues.Load()
		}
	}
}

// TryDequeue removes the oldest item. Returns false if the queue is empty.
func (q *lockFreeQueue[T]) TryDequeue() (T, bool) {
	pos := q.dequeues.Load()
	for {
		cell := &q.cells[pos&q.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos+1)

		switch {
		case diff == 0:
			// Slot holds a published item, try to claim it
			if q.dequeues.CompareAndSwap(pos, pos+1) {
				item := cell.val
				var zero T
				cell.val = zero
				cell.seq.Store(pos + q.mask + 1)
				return item, true
			}
			pos = q.dequeues.Load()
		case diff < 0:
			var zero T
			return zero, false
		default:
			pos = q.dequeues.Load()
		}
	}
}

// Len returns the approximate number of queued items.
func (q *lockFreeQueue[T]) Len() int {
	enq := q.enqueues.Load()
	deq := q.dequeues.Load()
	if enq < deq {
		return 0
	}
	return int(enq - deq)
}
