package hinako

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simplePrologue is push rbp; mov rbp, rsp; sub rsp, 0x20 — eight bytes
// of ordinary amd64 code with nothing relative to relocate, long
// enough to clear minPatchBytes in one pass.
func simplePrologue() []byte {
	return []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xe5,       // mov rbp, rsp
		0x48, 0x83, 0xec, 0x20, // sub rsp, 0x20
	}
}

func TestStubBuilder_Build_SimplePrologue(t *testing.T) {
	mem := newFakeMemory()
	hookedAddr := mem.place(append(simplePrologue(), make([]byte, 16)...))
	trampolineAddr := mem.place(make([]byte, 64))

	b := NewStubBuilder(x86Disassembler{}, mem, Mode64)
	stub, err := b.Build(hookedAddr, trampolineAddr)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, stub.OriginalStubLen, minPatchBytes)
	assert.Equal(t, stub.OriginalStub, stub.ModifiedStub, "ModifiedStub[0:5) is only patched later, by PatchModifiedStubHead")

	// RelocatedStub is the copied prologue plus a 14-byte indirect tail
	// jump back into the target body (amd64 always uses the indirect
	// form, stub.go's encodeTailJump).
	assert.Equal(t, stub.OriginalStubLen+14, len(stub.RelocatedStub))
	assert.Equal(t, simplePrologue()[:stub.OriginalStubLen], stub.RelocatedStub[:stub.OriginalStubLen])

	tail := stub.RelocatedStub[stub.OriginalStubLen:]
	assert.Equal(t, byte(0xFF), tail[0])
	assert.Equal(t, byte(0x25), tail[1])
}

func TestStubBuilder_Build_PatchModifiedStubHead(t *testing.T) {
	mem := newFakeMemory()
	hookedAddr := mem.place(append(simplePrologue(), make([]byte, 16)...))
	trampolineAddr := mem.place(make([]byte, 64))

	b := NewStubBuilder(x86Disassembler{}, mem, Mode64)
	stub, err := b.Build(hookedAddr, trampolineAddr)
	require.NoError(t, err)

	PatchModifiedStubHead(stub.ModifiedStub, hookedAddr, trampolineAddr)
	assert.Equal(t, byte(0xE9), stub.ModifiedStub[0])

	rel := decodeRel32(stub.ModifiedStub, 0, 1)
	gotTarget := hookedAddr + jmpRel32Size + uintptr(int64(rel))
	assert.Equal(t, trampolineAddr, gotTarget)
}

func TestStubBuilder_Build_RelocatesCallRel32(t *testing.T) {
	mem := newFakeMemory()

	// call rel32 followed by padding, targeting an address comfortably
	// outside the 5 bytes being patched over.
	callTarget := fakeMemBase + 0x100000
	prologue := make([]byte, 16)
	prologue[0] = 0xE8 // CALL rel32

	hookedAddr := mem.place(prologue)
	disp := int32(int64(callTarget) - int64(hookedAddr+5))
	prologue[1] = byte(disp)
	prologue[2] = byte(disp >> 8)
	prologue[3] = byte(disp >> 16)
	prologue[4] = byte(disp >> 24)
	require.NoError(t, mem.Write(hookedAddr, prologue))

	trampolineAddr := mem.place(make([]byte, 64))

	b := NewStubBuilder(x86Disassembler{}, mem, Mode64)
	stub, err := b.Build(hookedAddr, trampolineAddr)
	require.NoError(t, err)
	require.Equal(t, 5, stub.OriginalStubLen)

	relDisp := decodeRel32(stub.RelocatedStub, 0, 1)
	gotTarget := trampolineAddr + 5 + uintptr(int64(relDisp))
	assert.Equal(t, callTarget, gotTarget, "relocated call must still reach the original absolute target")
}

func TestStubBuilder_Build_RejectsBranchIntoPatchedRegion(t *testing.T) {
	mem := newFakeMemory()

	prologue := make([]byte, 16)
	prologue[0] = 0xEB // JMP rel8
	prologue[1] = 0x00 // target = hookedAddr+2, inside [hookedAddr, hookedAddr+5)

	hookedAddr := mem.place(prologue)
	trampolineAddr := mem.place(make([]byte, 64))

	b := NewStubBuilder(x86Disassembler{}, mem, Mode64)
	_, err := b.Build(hookedAddr, trampolineAddr)
	assert.ErrorIs(t, err, ErrDisassembleFailed)
}

func TestStubBuilder_Build_ReaderFaultPropagates(t *testing.T) {
	mem := newFakeMemory()
	// An address close enough to the end of the backing buffer that
	// reading maxOriginalStubBytes runs off the end.
	hookedAddr := fakeMemBase + uintptr(len(mem.buf)) - 3

	b := NewStubBuilder(x86Disassembler{}, mem, Mode64)
	_, err := b.Build(hookedAddr, fakeMemBase+0x500)
	assert.Error(t, err)
}
