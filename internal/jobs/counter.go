package jobs

import (
	"math/bits"

	"github.com/vertexforge/engine/internal/spin"
)

// Counter tracks the number of outstanding jobs of one or more batches and
// holds the set of fibers blocked on their completion. Counters are obtained
// through Run and must be returned with FreeCounter once the caller has
// observed completion.
type Counter struct {
	mutex   spin.Lock
	value   uint32
	waiters waiterSet
}

// waiterSet is a fixed bitset of fiber indices, sized for the fiber pool.
type waiterSet [(maxFibers + 63) / 64]uint64

func (w *waiterSet) set(idx uint32) {
	w[idx/64] |= 1 << (idx % 64)
}

func (w *waiterSet) none() bool {
	for _, word := range w {
		if word != 0 {
			return false
		}
	}
	return true
}

// forEach invokes fn for every set bit, in ascending index order.
func (w *waiterSet) forEach(fn func(idx uint32)) {
	for i, word := range w {
		for word != 0 {
			bit := uint32(bits.TrailingZeros64(word))
			fn(uint32(i)*64 + bit)
			word &= word - 1
		}
	}
}
