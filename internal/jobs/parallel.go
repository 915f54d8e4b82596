package jobs

// ParallelFor splits count items into batches of at least minBatchSize,
// runs one job per batch and waits for all of them. fn receives the
// half-open index range [start, end) it is responsible for. Must be called
// on a fiber; the calling fiber is suspended while the batches run.
func (f *Fiber) ParallelFor(count, minBatchSize int, fn func(start, end int)) {
	if count == 0 {
		return
	}
	if count == 1 {
		fn(0, 1)
		return
	}
	if minBatchSize < 1 {
		minBatchSize = 1
	}

	s := f.sys
	numWorkers := s.threadCount
	batchSize := (count + numWorkers - 1) / numWorkers
	if batchSize < minBatchSize {
		batchSize = minBatchSize
	}
	jobCount := (count + batchSize - 1) / batchSize

	type rangeArg struct {
		start, end int
	}

	batch := make([]Job, jobCount)
	for i := 0; i < jobCount; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > count {
			end = count
		}
		batch[i] = NewJob(func(_ *Fiber, arg any) {
			r := arg.(rangeArg)
			fn(r.start, r.end)
		}, rangeArg{start: start, end: end})
	}

	var counter *Counter
	s.Run(batch, &counter, PriorityNormal)
	f.WaitForCounter(counter, true)
	s.FreeCounter(counter)
}
