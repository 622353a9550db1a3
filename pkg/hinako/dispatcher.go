package hinako

import (
	"sync"

	"go.uber.org/atomic"
)

// Dispatcher actions returned to the template (, the state
// diagram's three arrows out of START). ActionSkipBit is OR'd with the
// number of stack bytes to pop.
const (
	ActionIgnore   uint32 = 0
	ActionContinue uint32 = 1
	ActionSkipBit  uint32 = 0x80000000
)

// Clock is the timing source Dispatcher samples at the four
// observation points per-call record names (wall/kernel/
// user/cycles). The only implementation in this package is the
// portable default below, which fills Wall alone; Kernel, User and
// Cycles stay zero unless the host supplies its own Clock through
// WithClock (the Dispatcher only needs *a* monotonic sample per point,
// not the precise accounting).
type Clock interface {
	Sample() TimingSample
}

type wallClock struct{ nowNano func() int64 }

func (w wallClock) Sample() TimingSample { return TimingSample{Wall: uint64(w.nowNano())} }

// NewWallClock returns the portable default Clock, driven by a caller
// supplied monotonic nanosecond source (tests pass a deterministic
// counter; production wires time.Now().UnixNano).
func NewWallClock(nowNano func() int64) Clock { return wallClock{nowNano: nowNano} }

// Dispatcher implements PreCall/PostCall and the per-call record
// lifecycle. It is reentrancy-safe and allocation-free on its fast
// path except for the ParamCache/CustomHandlerChain/Callbacks it is
// configured with, which the host controls.
type Dispatcher struct {
	storage   CallStorage
	params    ParamCache
	handlers  *CustomHandlerChain
	callbacks *Callbacks
	mem       memoryWords
	clock     Clock
	sequence  atomic.Uint64

	reentrant sync.Map // map[uint32]bool, per OS thread id
}

func NewDispatcher(storage CallStorage, params ParamCache, handlers *CustomHandlerChain, callbacks *Callbacks, mem memoryWords, clock Clock) *Dispatcher {
	if params == nil {
		params = noopParamCache{}
	}
	return &Dispatcher{storage: storage, params: params, handlers: handlers, callbacks: callbacks, mem: mem, clock: clock}
}

// NextSequenceCookie returns the next never-zero, strictly monotonic
// call sequence number.
func (d *Dispatcher) NextSequenceCookie() uint64 { return d.sequence.Add(1) }

func (d *Dispatcher) acquireReentrancy(threadID uint32) bool {
	_, loaded := d.reentrant.LoadOrStore(threadID, true)
	return !loaded
}

func (d *Dispatcher) releaseReentrancy(threadID uint32) {
	d.reentrant.Delete(threadID)
}

// PreCall implements PreCall steps. Inputs mirror the
// template calling convention (engine/entry pointers, the raw stack
// pointer captured at the template's `call` into the dispatcher);
// regs is the register snapshot already loaded from the template's
// saved area. It returns the action word the
// template branches on and, when continuing, the (possibly
// handler-mutated) registers to write back plus the CallRecord pushed
// onto the in-use LIFO.
func (d *Dispatcher) PreCall(entry *HookEntry, regs RegisterSnapshot, stackPtr uintptr, threadID uint32) (action uint32, outRegs RegisterSnapshot, rec *CallRecord) {
	// Step 1: reentrancy guard.
	if !d.acquireReentrancy(threadID) {
		return ActionIgnore, regs, nil
	}

	// Step 3: system/internal thread short-circuit releases the guard
	// immediately since there will be no matching PostCall.
	if d.callbacks.isSystemThread(threadID) {
		d.releaseReentrancy(threadID)
		return ActionIgnore, regs, nil
	}

	// Step 2: timing baseline.
	t0 := d.clock.Sample()

	// Step 4: take a per-call record.
	rec = d.storage.Take()
	rec.Entry = entry
	rec.Registers = regs
	rec.TimingPreCallEntry = t0
	rec.ThreadID = threadID

	// Step 5: original return address at [stackPtr].
	rec.OriginalReturnAddr = d.mem.loadAcquire(stackPtr)

	// Step 6: resolve argument addresses against the entry snapshot.
	_ = d.params.ResolveAddresses(entry, regs, stackPtr)

	// Step 7: call metadata.
	rec.SequenceCookie = d.NextSequenceCookie()
	if parent := d.storage.PeekParent(); parent != nil {
		rec.ChainDepth = parent.ChainDepth + 1
	} else {
		rec.ChainDepth = 1
	}

	rec.TimingPreCallMid = d.clock.Sample()

	// Step 8: stack trace, unless disabled.
	if entry.Flags&FlagDisableStackWalk == 0 {
		rec.StackTrace = nil // captured by a host-supplied walker in a fuller build; out of scope here.
	}

	effective := entry.Flags
	underLdr := d.callbacks.underLoaderLock()
	runPre := effective&FlagCallPreCall != 0 && (!underLdr || effective&FlagDontCallOnLdrLock == 0)

	skipHandlers := underLdr && effective&FlagDontCallCustomHandlersOnLdrLock != 0

	var handlerFailed bool
	if runPre {
		result := HandlerContinue
		if !skipHandlers {
			result = d.handlers.Run(PhasePreCall, entry, rec)
		}
		switch result {
		case HandlerFailure:
			handlerFailed = true
		case HandlerSuppress:
			rec.suppressed = true
		default:
			result = d.callbacks.onHookCalled(PhasePreCall, entry, rec)
			if result == HandlerSuppress {
				rec.suppressed = true
			}
			handlerFailed = result == HandlerFailure
		}
		if handlerFailed {
			d.callbacks.onError(ErrHandlerFailed)
		}
	}

	// The guard only needs to span handler/callback invocation: a
	// handler calling a hooked API must not re-enter the dispatcher on
	// this thread. It is released here so that a nested hook called
	// from the target body itself (not from a handler) dispatches
	// normally, preserving Pre(f)/Pre(g)/Post(g)/Post(f) ordering for a
	// function g called from inside hooked function f's own body.
	d.releaseReentrancy(threadID)

	if handlerFailed {
		d.storage.Release(rec)
		return ActionIgnore, regs, nil
	}

	// Step 10: snapshot pre-call registers for PostCall restoration.
	rec.PreCallRegisters = rec.Registers

	// Step 11: skip-call synthesis.
	if skip, size, ok := skipRequested(rec); ok && entry.StackReturnSize != UnknownStackReturnSize {
		_ = size
		d.storage.Release(rec)
		return ActionSkipBit | entry.StackReturnSize, skip, nil
	}

	// Step 12: forge the return address, push onto the in-use LIFO.
	d.mem.casRelease(stackPtr, d.mem.loadAcquire(stackPtr), entry.AfterCallMark)
	d.storage.PushInUse(rec)
	return ActionContinue, rec.Registers, rec
}

// skipRequested inspects whatever a Pre-phase handler wrote into
// rec.Registers to decide whether a skip-call was requested. A fuller
// host-facing API would expose a dedicated field on CallRecord for
// this instead of overloading GP[skipCallReg]; kept this way because
// nothing else in CallRecord's data model needs a register-indexed map,
// only the template-level convention does.
const skipCallReg = -1

func skipRequested(rec *CallRecord) (regs RegisterSnapshot, size uint32, ok bool) {
	v, present := rec.Registers.GP[skipCallReg]
	if !present || v == 0 {
		return rec.Registers, 0, false
	}
	return rec.Registers, uint32(v), true
}

// PostCall implements PostCall steps.
func (d *Dispatcher) PostCall(entry *HookEntry, stackPtr uintptr, threadID uint32) (realReturnAddr uintptr, outRegs RegisterSnapshot) {
	// The guard is taken here at entry and released right after the
	// handler-running section below, before the parent accounting and
	// record release: it exists to stop a handler that calls a hooked
	// API from re-entering the dispatcher on this thread.
	d.acquireReentrancy(threadID)

	d.clock.Sample()

	rec, orphans, ok := d.storage.PopUntil(entry)
	if !ok {
		panic("hinako: PostCall with empty in-use call stack (corrupt dispatcher state)")
	}
	for _, orphan := range orphans {
		d.storage.Release(orphan)
	}

	// Step 3: restore stack-resident parameter words the target may
	// have scribbled over.
	for addr, word := range rec.SavedParamWords {
		d.mem.casRelease(addr, d.mem.loadAcquire(addr), word)
	}

	postEntry := d.clock.Sample()
	rec.TimingPostCallEntry = postEntry
	elapsed := elapsedSince(rec.TimingPreCallMid, postEntry) - rec.ChildOverheadAccum

	effective := entry.Flags
	underLdr := d.callbacks.underLoaderLock()
	runPost := effective&FlagCallPostCall != 0 && (!underLdr || effective&FlagDontCallOnLdrLock == 0)
	skipHandlers := underLdr && effective&FlagDontCallCustomHandlersOnLdrLock != 0

	if runPost {
		result := HandlerContinue
		if !skipHandlers {
			result = d.handlers.Run(PhasePostCall, entry, rec)
		}
		switch result {
		case HandlerFailure:
			d.callbacks.onError(ErrHandlerFailed)
		case HandlerSuppress:
			// Post phase suppressed its own outer notification.
		default:
			result = d.callbacks.onHookCalled(PhasePostCall, entry, rec)
			if result == HandlerFailure {
				d.callbacks.onError(ErrHandlerFailed)
			}
		}
	}
	d.releaseReentrancy(threadID)

	if parent := d.storage.PeekParent(); parent != nil {
		parent.ChildElapsedAccum += elapsed
		parent.ChildOverheadAccum += dispatcherOverhead
	}

	ret := rec.OriginalReturnAddr
	regs := rec.PreCallRegisters
	rec.TimingPostCallExit = d.clock.Sample()
	d.storage.Release(rec)
	return ret, regs
}

// dispatcherOverhead is a fixed estimate of the dispatcher's own
// per-call cost subtracted from a parent's elapsed time (// PostCall step 6 "add dispatcher-overhead to its child-overhead
// accumulator"). A real build would measure this empirically at
// startup; fixed here since the measurement apparatus is host-specific
// and out of this core's scope.
const dispatcherOverhead = 0

func elapsedSince(start, end TimingSample) uint64 {
	if end.Wall < start.Wall {
		return 0
	}
	return end.Wall - start.Wall
}
