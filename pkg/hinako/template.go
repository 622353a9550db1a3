package hinako

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// sentinelID names one of the placeholder words the raw template
// embeds.
type sentinelID byte

const (
	sentTerminator      sentinelID = 0x00
	sentUsageCounter    sentinelID = 0x01
	sentFlagsWord       sentinelID = 0x02
	sentEnginePtr       sentinelID = 0x03
	sentEntryPtr        sentinelID = 0x04
	sentPreCallFn       sentinelID = 0x05
	sentPostCallFn      sentinelID = 0x06
	sentRelocatedStub   sentinelID = 0x07
	sentAfterCallMark   sentinelID = 0x08
	sentStackPreserveLo sentinelID = 0x09
	sentStackPreserveHi sentinelID = 0x0A
)

// nopSlideLen is the number of 0x90 bytes every architecture's raw
// template opens with, checked by Patcher before it trusts a slot
// enough to restore original bytes from it during uninstall.
const nopSlideLen = 8

// relocBudget is the fixed amount of space reserved in every template
// for the relocated-stub-plus-tail-jump StubBuilder produces, capping
// out at the largest possible relocated prologue (maxOriginalStubBytes)
// plus the largest tail jump encoding (the 14-byte amd64 "JMP [RIP];
// abs64" form).
const relocBudget = maxOriginalStubBytes + 14

// sentinelPattern returns the wordSize-wide bit pattern a raw template
// uses to mark a placeholder: 0xFFDDFF08 on 32-bit, the same nibbles
// repeated out to 0xFFDDFFDDFFDDFF08 on 64-bit — a bit pattern chosen
// because it never occurs as the encoding of legitimate code.
func sentinelPattern(id sentinelID) []byte {
	b := make([]byte, wordSize)
	for i := 0; i < wordSize-1; i++ {
		if i%2 == 0 {
			b[i] = 0xFF
		} else {
			b[i] = 0xDD
		}
	}
	b[wordSize-1] = byte(id)
	return b
}

// rawTemplate is implemented per architecture (template_amd64.go,
// template_386.go): the pre-assembled byte array with sentinel
// placeholders, plus the fixed ABI save-area size.
type rawTemplate struct {
	bytes      []byte
	mode       int // Mode32 / Mode64
	saveArea   int // bytes of register save area at dispatcher entry
}

// measure locates the terminator sentinel and returns the template's
// length up to (not including) it (step 1: "Measures
// template length by scanning for the terminator").
func (t rawTemplate) measure() (int, error) {
	term := sentinelPattern(sentTerminator)
	for i := 0; i+wordSize <= len(t.bytes); i++ {
		if bytesEqual(t.bytes[i:i+wordSize], term) {
			return i, nil
		}
	}
	return 0, errors.WithStack(ErrDisassembleFailed)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func roundUp32(n int) int {
	return (n + 31) &^ 31
}

// SlotWriter exposes the raw write primitive TrampolineWriter needs
// against a just-allocated executable slot. winapi_windows.go backs it
// with unsafe pointer writes; tests back it with a plain byte buffer.
type SlotWriter interface {
	Write(addr uintptr, data []byte) error
	Read(addr uintptr, n int) ([]byte, error)
}

// TrampolineWriter stamps a filled-in raw template into a freshly
// allocated slot.
type TrampolineWriter struct {
	template rawTemplate
	writer   SlotWriter
}

func NewTrampolineWriter(template rawTemplate, writer SlotWriter) *TrampolineWriter {
	return &TrampolineWriter{template: template, writer: writer}
}

// TemplateSlotSize is the fixed, process-wide size every slot must be
// able to hold: the 32-byte-rounded template, the 2-word tail, and the
// worst-case relocated-stub budget ("the fixed template
// length" feeding SlotAllocator's once-per-process slot size).
func (w *TrampolineWriter) TemplateSlotSize() (int, error) {
	coreLen, err := w.template.measure()
	if err != nil {
		return 0, err
	}
	return roundUp32(coreLen) + 2*wordSize + relocBudget, nil
}

// WriteParams bundles the concrete values TrampolineWriter patches
// into a freshly allocated slot.
type WriteParams struct {
	Slot          uintptr
	EnginePtr     uintptr
	EntryPtr      uintptr
	PreCallFn     uintptr
	PostCallFn    uintptr
	RelocatedStub []byte
	StackPreserve uint32
}

// Write copies the template into slot and patches every sentinel
//. It returns the trampoline's total length and the
// after-call mark address (HookEntry.trampolineLen / .afterCallMark).
func (w *TrampolineWriter) Write(p WriteParams) (trampolineLen int, afterCallMark uintptr, usageCounterAddr uintptr, flagsWordAddr uintptr, err error) {
	coreLen, err := w.template.measure()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if len(p.RelocatedStub) > relocBudget {
		return 0, 0, 0, 0, errors.WithStack(ErrDisassembleFailed)
	}

	paddedCore := roundUp32(coreLen)
	total := paddedCore + 2*wordSize + relocBudget

	buf := make([]byte, total)
	copy(buf, w.template.bytes[:coreLen])
	// buf[coreLen:paddedCore] and the tail/relocation regions start
	// zeroed.

	flagsWordAddr = p.Slot + uintptr(paddedCore)
	usageCounterAddr = p.Slot + uintptr(paddedCore) + uintptr(wordSize)
	relocOffset := paddedCore + 2*wordSize

	var afterCallOffset = -1

	for i := 0; i+wordSize <= coreLen; {
		id, ok := matchSentinel(buf[i : i+wordSize])
		if !ok {
			i++
			continue
		}
		switch id {
		case sentUsageCounter:
			putWord(buf[i:i+wordSize], uint64(usageCounterAddr))
		case sentFlagsWord:
			putWord(buf[i:i+wordSize], uint64(flagsWordAddr))
		case sentEnginePtr:
			putWord(buf[i:i+wordSize], uint64(p.EnginePtr))
		case sentEntryPtr:
			putWord(buf[i:i+wordSize], uint64(p.EntryPtr))
		case sentPreCallFn:
			putWord(buf[i:i+wordSize], uint64(p.PreCallFn))
		case sentPostCallFn:
			putWord(buf[i:i+wordSize], uint64(p.PostCallFn))
		case sentRelocatedStub:
			putWord(buf[i:i+wordSize], uint64(p.Slot)+uint64(relocOffset))
		case sentAfterCallMark:
			afterCallOffset = i
			putWord(buf[i:i+wordSize], uint64(p.Slot)+uint64(i)+uint64(wordSize))
		case sentStackPreserveLo:
			putWord(buf[i:i+wordSize], uint64(p.StackPreserve))
		case sentStackPreserveHi:
			putWord(buf[i:i+wordSize], uint64(p.StackPreserve)>>32)
		}
		// Skip past the word we just patched: the concrete value we
		// wrote must not be re-scanned as if it were another sentinel.
		i += wordSize
	}
	if afterCallOffset < 0 {
		return 0, 0, 0, 0, errors.WithStack(ErrDisassembleFailed)
	}

	copy(buf[relocOffset:], p.RelocatedStub)

	if err := w.writer.Write(p.Slot, buf); err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "hinako: write trampoline")
	}

	return total, p.Slot + uintptr(afterCallOffset) + uintptr(wordSize), usageCounterAddr, flagsWordAddr, nil
}

func matchSentinel(word []byte) (sentinelID, bool) {
	for id := sentUsageCounter; id <= sentStackPreserveHi; id++ {
		if bytesEqual(word, sentinelPattern(id)) {
			return id, true
		}
	}
	return 0, false
}

func putWord(dst []byte, v uint64) {
	if wordSize == 4 {
		binary.LittleEndian.PutUint32(dst, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(dst, v)
}
