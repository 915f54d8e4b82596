package jobs

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParallelForMarksEveryIndex(t *testing.T) {
	s := newTestSystem(t)

	const count = 1000
	marks := make([]int32, count)

	s.Main().ParallelFor(count, 32, func(start, end int) {
		for i := start; i < end; i++ {
			atomic.StoreInt32(&marks[i], 1)
		}
	})

	for i, m := range marks {
		assert.Equal(t, int32(1), m, "index %d not visited", i)
	}
}

func TestParallelForZeroCountIsNoop(t *testing.T) {
	s := newTestSystem(t)

	called := false
	s.Main().ParallelFor(0, 32, func(start, end int) {
		called = true
	})
	assert.False(t, called)
}

func TestParallelForSingleItem(t *testing.T) {
	s := newTestSystem(t)

	var calls [][2]int
	s.Main().ParallelFor(1, 32, func(start, end int) {
		calls = append(calls, [2]int{start, end})
	})

	assert.Equal(t, [][2]int{{0, 1}}, calls)
}

func TestParallelForRangesCoverWithoutOverlap(t *testing.T) {
	s := newTestSystem(t)

	const count = 777
	visits := make([]int32, count)

	s.Main().ParallelFor(count, 10, func(start, end int) {
		for i := start; i < end; i++ {
			atomic.AddInt32(&visits[i], 1)
		}
	})

	for i, v := range visits {
		assert.Equal(t, int32(1), v, "index %d visited %d times", i, v)
	}
}

func TestParallelForFromWithinJob(t *testing.T) {
	s := newTestSystem(t)

	const count = 256
	var sum atomic.Int64

	var counter *Counter
	s.Run([]Job{NewJob(func(f *Fiber, _ any) {
		f.ParallelFor(count, 16, func(start, end int) {
			for i := start; i < end; i++ {
				sum.Add(int64(i))
			}
		})
	}, nil)}, &counter, PriorityNormal)

	s.Main().WaitForCounter(counter, true)
	s.FreeCounter(counter)

	assert.Equal(t, int64(count*(count-1)/2), sum.Load())
}
