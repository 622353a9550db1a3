package hinako

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// InstKind classifies an instruction for the purposes of relocation.
// It is the minimum shape information StubBuilder needs beyond raw
// length.
type InstKind int

const (
	KindOther InstKind = iota
	KindJmpRel
	KindJccRel
	KindCallRel
	KindRipRelMem
)

// DecodedInst is what a LengthDisassembler reports about the single
// instruction at the head of a byte slice.
type DecodedInst struct {
	Len            int
	Kind           InstKind
	DispOffset     int // byte offset of the relocatable displacement field
	DispLen        int // 1 (rel8) or 4 (rel32/disp32)
	HasTrailingImm bool
}

// LengthDisassembler is the external collaborator that computes the
// length of copied prologue bytes. StubBuilder never calls an
// assembler library directly — it goes through this interface, so a
// host embedding this engine could swap in its own length-disassembler
// without touching the relocation logic.
type LengthDisassembler interface {
	Decode(code []byte, mode int) (DecodedInst, error)
}

// x86Disassembler is the default LengthDisassembler, backed by
// golang.org/x/arch/x86/x86asm. Exposed as a swappable implementation
// here instead of a free function, per the external-collaborator
// boundary above.
type x86Disassembler struct{}

// Mode32 and Mode64 mirror x86asm.Decode's bitness argument.
const (
	Mode32 = 32
	Mode64 = 64
)

func (x86Disassembler) Decode(code []byte, mode int) (DecodedInst, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return DecodedInst{}, errors.Wrap(ErrDisassembleFailed, err.Error())
	}
	d := DecodedInst{Len: inst.Len, Kind: KindOther}

	switch inst.Op {
	case x86asm.JMP:
		d.Kind = KindJmpRel
	case x86asm.CALL:
		d.Kind = KindCallRel
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO,
		x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		d.Kind = KindJccRel
	}

	if d.Kind == KindJmpRel || d.Kind == KindJccRel || d.Kind == KindCallRel {
		if rel, ok := relArg(inst); ok {
			_ = rel
			d.DispLen = relDispLen(inst.Len, d.Kind)
			d.DispOffset = inst.Len - d.DispLen
		} else {
			// Indirect JMP/CALL (register or memory operand): nothing
			// to relocate as a relative displacement; treat as an
			// ordinary instruction so the caller copies it verbatim
			// (still subject to the RIP-relative memory check below).
			d.Kind = KindOther
		}
	}

	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if mem, ok := a.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			d.Kind = KindRipRelMem
			d.DispLen = 4
			d.DispOffset = inst.Len - 4
			if hasImmArg(inst) {
				d.HasTrailingImm = true
			}
		}
	}

	return d, nil
}

func relArg(inst x86asm.Inst) (int64, bool) {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return int64(rel), true
		}
	}
	return 0, false
}

func hasImmArg(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if _, ok := a.(x86asm.Imm); ok {
			return true
		}
	}
	return false
}

// relDispLen infers whether a relative branch used a 1-byte or 4-byte
// encoding from the total instruction length, since x86asm.Inst does
// not expose the displacement width directly. Jcc rel32 is always
// preceded by the 0x0F escape byte (6 total), Jcc rel8 is 2 total
// (opcode+disp8); JMP/CALL rel32 is 5 total, JMP rel8 is 2 total.
func relDispLen(totalLen int, kind InstKind) int {
	switch kind {
	case KindJccRel:
		if totalLen >= 6 {
			return 4
		}
		return 1
	default: // JMP/CALL
		if totalLen >= 5 {
			return 4
		}
		return 1
	}
}
