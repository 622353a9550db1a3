package hinako

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 31: 32, 32: 32, 33: 64}
	for in, want := range cases {
		assert.Equal(t, want, nextPowerOfTwo(in), "in=%d", in)
	}
}

func TestSlotAllocator_AllocIsPowerOfTwoSized(t *testing.T) {
	mem := newFakeMemory()
	alloc := NewSlotAllocator(mem, mem, 40, nil)
	assert.Equal(t, 64, alloc.SlotSize())
}

func TestSlotAllocator_AllocFreeReuse(t *testing.T) {
	mem := newFakeMemory()
	alloc := NewSlotAllocator(mem, mem, 64, nil)
	alloc.SetBlockSize(256) // 4 slots per block

	s1, err := alloc.Alloc(0, false)
	require.NoError(t, err)
	s2, err := alloc.Alloc(0, false)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	require.NoError(t, alloc.Free(s1))

	s3, err := alloc.Alloc(0, false)
	require.NoError(t, err)
	assert.Equal(t, s1, s3, "freed slot should be handed back out before a fresh block is reserved")
}

func TestSlotAllocator_BlockReleasedWhenFullyFreed(t *testing.T) {
	mem := newFakeMemory()
	alloc := NewSlotAllocator(mem, mem, 64, nil)
	alloc.SetBlockSize(128) // 2 slots per block

	s1, err := alloc.Alloc(0, false)
	require.NoError(t, err)
	s2, err := alloc.Alloc(0, false)
	require.NoError(t, err)

	require.NoError(t, alloc.Free(s1))
	require.NoError(t, alloc.Free(s2))

	// The block backing s1/s2 was released; a fresh Alloc must reserve
	// a new block rather than reuse either freed address.
	s3, err := alloc.Alloc(0, false)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s3)
	assert.NotEqual(t, s2, s3)
}

func TestSlotAllocator_FreeUnknownSlotFails(t *testing.T) {
	mem := newFakeMemory()
	alloc := NewSlotAllocator(mem, mem, 64, nil)
	err := alloc.Free(0xdeadbeef)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSlotAllocator_FreeListLinksSurviveAcrossSlots(t *testing.T) {
	mem := newFakeMemory()
	alloc := NewSlotAllocator(mem, mem, 64, nil)
	alloc.SetBlockSize(256) // 4 slots

	var slots []uintptr
	for i := 0; i < 4; i++ {
		s, err := alloc.Alloc(0, false)
		require.NoError(t, err)
		slots = append(slots, s)
	}

	s5, err := alloc.Alloc(0, false)
	require.NoError(t, err, "block exhausted, allocator should reserve a fresh block from the backend")
	for _, s := range slots {
		assert.NotEqual(t, s, s5)
	}
}
