package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedPoolExhaustionAndReuse(t *testing.T) {
	p := NewFixedPool(64, 16)
	assert.Equal(t, 16, p.FreeElementCount())

	slots := make([][]byte, 0, 16)
	for i := 0; i < 16; i++ {
		slot := p.Allocate(64)
		require.NotNil(t, slot, "allocation %d", i)
		require.Len(t, slot, 64)
		slots = append(slots, slot)
	}
	assert.Equal(t, 0, p.FreeElementCount())

	assert.Nil(t, p.Allocate(64), "17th allocation must fail")

	p.Deallocate(slots[7])
	assert.Equal(t, 1, p.FreeElementCount())

	slot := p.Allocate(64)
	require.NotNil(t, slot)
	assert.Equal(t, 0, p.FreeElementCount())
}

func TestFixedPoolSlotsAreDistinct(t *testing.T) {
	p := NewFixedPool(8, 4)

	seen := map[*byte]bool{}
	for i := 0; i < 4; i++ {
		slot := p.Allocate(8)
		require.NotNil(t, slot)
		require.False(t, seen[&slot[0]], "slot handed out twice")
		seen[&slot[0]] = true
	}
}

func TestFixedPoolRoundTrip(t *testing.T) {
	const count = 16
	p := NewFixedPool(32, count)

	slots := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		slots = append(slots, p.Allocate(32))
	}

	// free in reverse; the pool must be fully walkable again
	for i := count - 1; i >= 0; i-- {
		p.Deallocate(slots[i])
	}
	assert.Equal(t, count, p.FreeElementCount())

	for i := 0; i < count; i++ {
		require.NotNil(t, p.Allocate(32), "free list broken at %d", i)
	}
	assert.Nil(t, p.Allocate(32))
}

func TestFixedPoolWrongSizeFails(t *testing.T) {
	p := NewFixedPool(64, 4)
	assert.Nil(t, p.Allocate(32))
	assert.Equal(t, 4, p.FreeElementCount())
}

func TestFixedPoolWithCallerMemory(t *testing.T) {
	backing := make([]byte, 64*8)
	p := NewFixedPoolWithMemory(backing, 64, 8)

	slot := p.Allocate(64)
	require.NotNil(t, slot)
	// the slot aliases the caller's buffer
	slot[0] = 0xAB
	assert.Equal(t, byte(0xAB), backing[(len(backing)-64)])
}

func TestFixedPoolForeignSlotPanics(t *testing.T) {
	p := NewFixedPool(64, 4)
	foreign := make([]byte, 64)
	assert.Panics(t, func() { p.Deallocate(foreign) })
}

func TestFixedPoolElementSizeTooSmallPanics(t *testing.T) {
	assert.Panics(t, func() { NewFixedPool(2, 4) })
}

func TestDynamicPoolGrowth(t *testing.T) {
	p := NewDynamicPool(16, 4)
	assert.Equal(t, 0, p.FreeElementCount())

	slots := make([][]byte, 0, 20)
	for i := 0; i < 20; i++ {
		slot := p.Allocate(16)
		require.NotNil(t, slot, "allocation %d", i)
		slots = append(slots, slot)
	}

	// pools of 4, 6, 9 and 13 slots were created on demand: 32 total
	assert.Equal(t, 32-20, p.FreeElementCount())

	for _, s := range slots {
		p.Deallocate(s)
	}
	assert.Equal(t, 32, p.FreeElementCount())
}

func TestDynamicPoolClearEmptyPools(t *testing.T) {
	p := NewDynamicPool(16, 4)

	slots := make([][]byte, 0, 10)
	for i := 0; i < 10; i++ {
		slots = append(slots, p.Allocate(16))
	}
	for _, s := range slots {
		p.Deallocate(s)
	}

	p.ClearEmptyPools()
	assert.Equal(t, 0, p.FreeElementCount())

	// the pool list is empty again; allocation grows from scratch
	require.NotNil(t, p.Allocate(16))
}

func TestDynamicPoolClearKeepsLivePools(t *testing.T) {
	p := NewDynamicPool(16, 2)

	a := p.Allocate(16)
	b := p.Allocate(16)
	c := p.Allocate(16) // forces a second pool
	require.NotNil(t, c)

	p.Deallocate(c)
	p.ClearEmptyPools()

	// the pool holding a and b must survive
	p.Deallocate(a)
	p.Deallocate(b)
	assert.Equal(t, 2, p.FreeElementCount())
}

func TestDynamicPoolForeignSlotPanics(t *testing.T) {
	p := NewDynamicPool(16, 4)
	p.Allocate(16)
	assert.Panics(t, func() { p.Deallocate(make([]byte, 16)) })
}

func TestDynamicPoolRoundTrip(t *testing.T) {
	const count = 9
	p := NewDynamicPool(8, count)

	slots := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		slots = append(slots, p.Allocate(8))
	}
	for i := count - 1; i >= 0; i-- {
		p.Deallocate(slots[i])
	}
	assert.Equal(t, count, p.FreeElementCount())

	for i := 0; i < count; i++ {
		require.NotNil(t, p.Allocate(8))
	}
}
