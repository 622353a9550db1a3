package hinako

import (
	"go.uber.org/atomic"
)

// EntryState is the lifecycle of a HookEntry.
type EntryState int

const (
	StateAllocated EntryState = iota
	StateInstalled
	StateUninstalling
	StateLeaked
)

func (s EntryState) String() string {
	switch s {
	case StateAllocated:
		return "Allocated"
	case StateInstalled:
		return "Installed"
	case StateUninstalling:
		return "Uninstalling"
	case StateLeaked:
		return "Leaked"
	default:
		return "Unknown"
	}
}

// maxOriginalStubBytes bounds the prologue bytes captured from the
// target before patching.
const maxOriginalStubBytes = 32

// CustomHandler is one entry of a hook's ordered custom-handler chain
//.
type CustomHandler struct {
	DLLName     string
	HandlerName string
	Flags       uint32
}

// UnknownStackReturnSize marks HookEntry.StackReturnSize as not yet
// known from function metadata.
const UnknownStackReturnSize = ^uint32(0)

// HookEntry is the engine's record of one installed (or installing)
// hook. Fields are set once at construction and thereafter mutated
// only through the registry mutex (state, customHandlers) or through
// the atomic trampoline-resident words (usage counter, flags word).
type HookEntry struct {
	ID          uint32
	OrigProc    uintptr
	HookedAddr  uintptr
	FunctionName string

	OriginalStub    []byte
	ModifiedStub    []byte
	RelocatedStub   []byte
	OriginalStubLen int

	Trampoline    uintptr
	TrampolineLen int
	AfterCallMark uintptr

	// usageCounter and flagsWord alias words living inside the
	// trampoline slot itself. They are accessed exclusively through the
	// atomic helpers below; no other field of HookEntry is touched from
	// the dispatcher fast path.
	usageCounterAddr uintptr
	flagsWordAddr    uintptr

	Flags HookFlags
	State EntryState

	CustomHandlers []CustomHandler

	StackReturnSize uint32

	callCounter atomic.Uint64

	// alreadyReportedOverwrite is the overwrite detector's one-shot
	// latch: whether it is ever cleared is a deliberately open question,
	// and current behaviour never clears it.
	alreadyReportedOverwrite atomic.Bool

	DbFunc DbFunc
}

// NextCallCounter returns the next per-entry monotonic call identifier
//. Starts at 1; 0 is never returned.
func (e *HookEntry) NextCallCounter() uint64 {
	return e.callCounter.Add(1)
}

// SkippedByOverwriteCheck implements the undocumented id-high-bit
// reservation carried over from the original engine (Open
// Question 3, SPEC_FULL.md "Supplemented features" #1): entries whose
// id has bit 31 set are exempt from OverwriteDetector.
func (e *HookEntry) SkippedByOverwriteCheck() bool {
	return e.ID&0x80000000 != 0
}

func (e *HookEntry) usageCounter(mem memoryWords) uintptr {
	return mem.loadAcquire(e.usageCounterAddr)
}

func (e *HookEntry) flagsWord(mem memoryWords) [2]byte {
	v := mem.loadAcquire(e.flagsWordAddr)
	return [2]byte{byte(v), byte(v >> 8)}
}

// setDisabled flips flagsWord[0].
func (e *HookEntry) setDisabled(mem memoryWords, disabled bool) {
	for {
		old := mem.loadAcquire(e.flagsWordAddr)
		nv := old
		if disabled {
			nv = (old &^ 0xFF) | 0x01
		} else {
			nv = old &^ 0xFF
		}
		if mem.casRelease(e.flagsWordAddr, old, nv) {
			return
		}
	}
}

// setUninstalled flips flagsWord[1].
func (e *HookEntry) setUninstalled(mem memoryWords) {
	for {
		old := mem.loadAcquire(e.flagsWordAddr)
		nv := old | 0x0100
		if mem.casRelease(e.flagsWordAddr, old, nv) {
			return
		}
	}
}

// memoryWords is the narrow interface the HookEntry needs against the
// process's address space to read/write the machine-word-sized
// trampoline-resident control words (usage counter, flags word,
// free-list links). The dispatcher, patcher and allocator share one
// implementation (direct unsafe reads/writes on Windows); tests use an
// in-slice fake so the state machine is exercised without a real
// executable mapping.
type memoryWords interface {
	loadAcquire(addr uintptr) uintptr
	casRelease(addr uintptr, old, new uintptr) bool
}
