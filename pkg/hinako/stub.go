package hinako

import (
	"github.com/pkg/errors"
)

// StubReader reads bytes from the target process's address space. It
// is the fault-guarded primitive structured access-violation handlers
// wrap every read of target memory with. winapi_windows.go provides
// the real implementation; tests use an in-memory byte slice.
type StubReader interface {
	Read(addr uintptr, n int) ([]byte, error)
}

// StubBuilder, given hookedAddr, produces the bytes the patcher needs
// (originalStub, modifiedStub) and a relocated, position-independent
// copy of the overwritten prologue that the trampoline jumps into
// after PreCall.
type StubBuilder struct {
	disasm StubDisassembler
	reader StubReader
	mode   int // Mode32 or Mode64
}

// StubDisassembler narrows LengthDisassembler to the one call
// StubBuilder needs.
type StubDisassembler = LengthDisassembler

func NewStubBuilder(disasm StubDisassembler, reader StubReader, mode int) *StubBuilder {
	return &StubBuilder{disasm: disasm, reader: reader, mode: mode}
}

// BuiltStub is the output of StubBuilder.Build, feeding the
// HookEntry fields originalStub/modifiedStub/relocatedStub/originalStubLen.
type BuiltStub struct {
	OriginalStub    []byte
	ModifiedStub    []byte
	RelocatedStub   []byte
	OriginalStubLen int
}

// Build walks instructions at hookedAddr until the accumulated length
// is >= 5 bytes, relocates the copied instructions to run correctly
// from trampolineAddr, appends a tail jump back to
// hookedAddr+originalStubLen, and prepares the 5-byte-patched
// modifiedStub.
func (b *StubBuilder) Build(hookedAddr, trampolineAddr uintptr) (BuiltStub, error) {
	raw, err := b.reader.Read(hookedAddr, maxOriginalStubBytes)
	if err != nil {
		return BuiltStub{}, errors.Wrap(err, "hinako: read original prologue")
	}

	var (
		relocated []byte
		total     int
	)
	for total < minPatchBytes {
		if total >= len(raw) {
			return BuiltStub{}, errors.WithStack(ErrDisassembleFailed)
		}
		di, err := b.disasm.Decode(raw[total:], b.mode)
		if err != nil {
			return BuiltStub{}, err
		}
		if di.Len == 0 {
			return BuiltStub{}, errors.WithStack(ErrDisassembleFailed)
		}

		instBytes := append([]byte(nil), raw[total:total+di.Len]...)
		relocOffset := len(relocated)

		switch di.Kind {
		case KindJmpRel, KindJccRel, KindCallRel:
			origInstAddr := hookedAddr + uintptr(total)
			absTarget, err := rebaseRelBranch(instBytes, di, origInstAddr)
			if err != nil {
				return BuiltStub{}, err
			}
			if absTarget >= hookedAddr && absTarget < hookedAddr+uintptr(minPatchBytes) {
				// Branch into the middle of the bytes being replaced:
				// cannot be relocated safely.

				return BuiltStub{}, errors.WithStack(ErrDisassembleFailed)
			}
			newInstAddr := trampolineAddr + uintptr(relocOffset)
			newRel := int64(absTarget) - int64(newInstAddr) - int64(di.Len)
			if !fitsSigned(newRel, di.DispLen) {
				return BuiltStub{}, errors.WithStack(ErrDisassembleFailed)
			}
			writeSignedAt(instBytes, di.DispOffset, di.DispLen, newRel)

		case KindRipRelMem:
			if di.HasTrailingImm {
				// A trailing immediate after the RIP-relative operand
				// would need its own relocation accounting; out of
				// scope for this builder.
				return BuiltStub{}, errors.WithStack(ErrDisassembleFailed)
			}
			origInstAddr := hookedAddr + uintptr(total)
			disp := readSignedAt(instBytes, di.DispOffset, di.DispLen)
			absTarget := int64(origInstAddr) + int64(di.Len) + disp
			newInstAddr := trampolineAddr + uintptr(relocOffset)
			newDisp := absTarget - int64(newInstAddr) - int64(di.Len)
			if !fitsSigned(newDisp, 4) {
				return BuiltStub{}, errors.WithStack(ErrDisassembleFailed)
			}
			writeSignedAt(instBytes, di.DispOffset, 4, newDisp)
		}

		relocated = append(relocated, instBytes...)
		total += di.Len
	}

	original := append([]byte(nil), raw[:total]...)

	tail := encodeTailJump(b.mode, trampolineAddr+uintptr(len(relocated)), hookedAddr+uintptr(total))
	relocated = append(relocated, tail...)

	modified := append([]byte(nil), original...)
	return BuiltStub{
		OriginalStub:    original,
		ModifiedStub:    modified, // caller overwrites [0:5) with the real jump once trampolineAddr is final
		RelocatedStub:   relocated,
		OriginalStubLen: total,
	}, nil
}

// PatchModifiedStubHead overwrites ModifiedStub[0:5) with JMP rel32 to
// trampolineAddr: modifiedStub is originalStub with bytes [0..5)
// replaced by E9 <rel32>.
func PatchModifiedStubHead(modifiedStub []byte, hookedAddr, trampolineAddr uintptr) {
	encodeRel32Jump(modifiedStub, 0, hookedAddr, trampolineAddr)
}

func fitsSigned(v int64, width int) bool {
	if width == 1 {
		return v >= -128 && v <= 127
	}
	return v >= int64(minInt32) && v <= int64(maxInt32)
}

func writeSignedAt(buf []byte, off, width int, v int64) {
	if width == 1 {
		buf[off] = byte(int8(v))
		return
	}
	u := uint32(int32(v))
	buf[off] = byte(u)
	buf[off+1] = byte(u >> 8)
	buf[off+2] = byte(u >> 16)
	buf[off+3] = byte(u >> 24)
}

func readSignedAt(buf []byte, off, width int) int64 {
	if width == 1 {
		return int64(int8(buf[off]))
	}
	u := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	return int64(int32(u))
}

// rebaseRelBranch returns the absolute target of a relative branch
// instruction given its original address, without mutating instBytes.
func rebaseRelBranch(instBytes []byte, di DecodedInst, origInstAddr uintptr) (uintptr, error) {
	disp := readSignedAt(instBytes, di.DispOffset, di.DispLen)
	return uintptr(int64(origInstAddr) + int64(di.Len) + disp), nil
}

// encodeTailJump emits the unconditional jump from the end of the
// relocated stub back into the target's body: JMP rel32 on
// 32-bit, JMP [RIP] with an absolute 8-byte target appended on 64-bit
// (a rel32 jump cannot be guaranteed to reach an arbitrary target
// address from within the ±1 GiB trampoline window once a target lives
// outside it, so amd64 always uses the indirect form for the tail).
func encodeTailJump(mode int, at uintptr, target uintptr) []byte {
	if mode == Mode32 {
		buf := make([]byte, jmpRel32Size)
		encodeRel32Jump(buf, 0, at, target)
		return buf
	}
	// FF 25 00 00 00 00 <8-byte absolute target>: JMP [RIP+0], operand
	// is the absolute address stored immediately after the instruction.
	buf := make([]byte, 6+8)
	buf[0] = 0xFF
	buf[1] = 0x25
	// disp32 = 0: target qword sits immediately after this 6-byte instruction.
	u := uint64(target)
	for i := 0; i < 8; i++ {
		buf[6+i] = byte(u >> (8 * i))
	}
	return buf
}
