// Package handle provides a generation-checked handle table. Subsystems
// that hand out opaque identifiers for internal objects (file handles,
// resource slots) allocate a Handle per object; a stale Handle kept after
// its slot was freed and reused fails validation instead of aliasing the
// new object.
package handle

import (
	"github.com/vertexforge/engine/internal/spin"
)

// Nil is the zero Handle; it is never returned by Allocate.
const Nil Handle = 0

// Handle packs a slot index and the slot's generation at allocation time.
type Handle uint64

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

// Manager is a growable table of handle slots. Safe for concurrent use.
type Manager struct {
	mutex       spin.Lock
	generations []uint32
	freeList    []uint32
	liveCount   int
}

// New creates a manager with capacity for initialCapacity handles before
// the table grows.
func New(initialCapacity int) *Manager {
	m := &Manager{
		generations: make([]uint32, 0, initialCapacity),
		freeList:    make([]uint32, 0, initialCapacity),
	}
	return m
}

// Allocate returns a fresh valid handle.
func (m *Manager) Allocate() Handle {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var index uint32
	if n := len(m.freeList); n > 0 {
		index = m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
	} else {
		index = uint32(len(m.generations))
		// generation starts at 1 so that the zero Handle is never valid
		m.generations = append(m.generations, 1)
	}
	m.liveCount++
	return makeHandle(index, m.generations[index])
}

// Free invalidates a handle and recycles its slot. Returns false if the
// handle is stale or was never allocated.
func (m *Manager) Free(h Handle) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	index := h.index()
	if int(index) >= len(m.generations) || m.generations[index] != h.generation() {
		return false
	}

	// bumping the generation invalidates every outstanding copy
	m.generations[index]++
	m.freeList = append(m.freeList, index)
	m.liveCount--
	return true
}

// IsValid reports whether the handle refers to a live slot.
func (m *Manager) IsValid(h Handle) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	index := h.index()
	return int(index) < len(m.generations) && m.generations[index] == h.generation()
}

// LiveCount returns the number of live handles.
func (m *Manager) LiveCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.liveCount
}
