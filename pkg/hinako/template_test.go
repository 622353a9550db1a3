package hinako

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawTemplate_Measure(t *testing.T) {
	tmpl := defaultTemplate()
	n, err := tmpl.measure()
	require.NoError(t, err)
	assert.Greater(t, n, nopSlideLen)
	assert.Less(t, n, len(tmpl.bytes))
}

func TestSentinelPattern_DistinctPerID(t *testing.T) {
	seen := make(map[string]sentinelID)
	for id := sentUsageCounter; id <= sentStackPreserveHi; id++ {
		key := string(sentinelPattern(id))
		if other, ok := seen[key]; ok {
			t.Fatalf("sentinel %d collides with %d", id, other)
		}
		seen[key] = id
	}
}

func TestTrampolineWriter_TemplateSlotSize(t *testing.T) {
	w := NewTrampolineWriter(defaultTemplate(), nil)
	size, err := w.TemplateSlotSize()
	require.NoError(t, err)
	assert.Greater(t, size, relocBudget)
}

func TestTrampolineWriter_Write_PatchesSentinels(t *testing.T) {
	mem := newFakeMemory()
	tmpl := defaultTemplate()
	w := NewTrampolineWriter(tmpl, mem)

	size, err := w.TemplateSlotSize()
	require.NoError(t, err)
	slot, err := mem.reserveNear(0, false, size)
	require.NoError(t, err)

	const enginePtr = uintptr(0x1000)
	const entryPtr = uintptr(0x2000)
	const preCallFn = uintptr(0x3000)
	const postCallFn = uintptr(0x4000)
	relocStub := []byte{0x90, 0x90, 0x90}

	length, afterCallMark, usageAddr, flagsAddr, err := w.Write(WriteParams{
		Slot:          slot,
		EnginePtr:     enginePtr,
		EntryPtr:      entryPtr,
		PreCallFn:     preCallFn,
		PostCallFn:    postCallFn,
		RelocatedStub: relocStub,
		StackPreserve: 16,
	})
	require.NoError(t, err)
	assert.Greater(t, length, 0)
	assert.NotZero(t, afterCallMark)
	assert.NotZero(t, usageAddr)
	assert.NotZero(t, flagsAddr)
	assert.NotEqual(t, usageAddr, flagsAddr)

	written, err := mem.Read(slot, length)
	require.NoError(t, err)

	// No unpatched sentinel word should remain anywhere in the core
	// template region once Write has run (every placeholder it scans
	// for has a corresponding WriteParams field above).
	for i := 0; i+wordSize <= length; i++ {
		if id, ok := matchSentinel(written[i : i+wordSize]); ok {
			t.Fatalf("sentinel %d left unpatched at offset %d", id, i)
		}
	}

	slide, err := mem.Read(slot, nopSlideLen)
	require.NoError(t, err)
	for _, b := range slide {
		assert.Equal(t, byte(0x90), b, "NOP slide must survive patching")
	}

	// The relocated stub bytes must have been copied verbatim into the
	// slot at the offset sentRelocatedStub was patched to point at.
	coreLen, err := tmpl.measure()
	require.NoError(t, err)
	relocOffset := roundUp32(coreLen) + 2*wordSize
	assert.Equal(t, relocStub, written[relocOffset:relocOffset+len(relocStub)], "relocated stub bytes must sit at the relocation offset")
}

func TestTrampolineWriter_Write_RejectsOversizedRelocatedStub(t *testing.T) {
	mem := newFakeMemory()
	w := NewTrampolineWriter(defaultTemplate(), mem)
	size, err := w.TemplateSlotSize()
	require.NoError(t, err)
	slot, err := mem.reserveNear(0, false, size)
	require.NoError(t, err)

	oversized := make([]byte, relocBudget+wordSize+1)
	_, _, _, _, err = w.Write(WriteParams{Slot: slot, RelocatedStub: oversized})
	assert.ErrorIs(t, err, ErrDisassembleFailed)
}
