package hinako

import (
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PlatformMemory bundles every raw-memory primitive the engine needs
// against both its own trampoline slots and the target process's
// address space. winapi_windows.go provides the real Windows-backed
// implementation; tests provide an in-process fake over plain byte
// slices.
type PlatformMemory interface {
	vmBackend
	TargetMemory
	StubReader
	SlotWriter
	memoryWords
}

// engineConfig collects EngineOptions before New freezes them into an
// Engine. Unset collaborator fields fall back to platformDefaults()
// at Initialize time.
type engineConfig struct {
	log           *zap.Logger
	drainRetries  int
	drainInterval time.Duration
	blockSize     int
	suspendBatch  int

	mem        PlatformMemory
	suspender  Suspender
	paramCache ParamCache
	callbacks  *Callbacks
	tid        func() uint32
	clock      Clock
}

// EngineOption configures an Engine at construction — functional
// options, the idiom the rest of the retrieved corpus's CLI tooling
// uses.
type EngineOption func(*engineConfig)

func WithLogger(log *zap.Logger) EngineOption {
	return func(c *engineConfig) { c.log = log }
}

// WithDrainParams overrides the uninstall quiescence-drain retry count
// and backoff interval (default 20 × 10ms ≈ 200ms).
func WithDrainParams(retries int, interval time.Duration) EngineOption {
	return func(c *engineConfig) { c.drainRetries = retries; c.drainInterval = interval }
}

// WithBlockSize overrides the SlotAllocator's OS-allocation granularity
// (default 64 KiB).
func WithBlockSize(n int) EngineOption {
	return func(c *engineConfig) { c.blockSize = n }
}

// WithSuspendBatchSize overrides the install batch size (default 10).
func WithSuspendBatchSize(n int) EngineOption {
	return func(c *engineConfig) { c.suspendBatch = n }
}

func WithPlatformMemory(mem PlatformMemory) EngineOption {
	return func(c *engineConfig) { c.mem = mem }
}

func WithSuspender(s Suspender) EngineOption {
	return func(c *engineConfig) { c.suspender = s }
}

func WithParamCache(p ParamCache) EngineOption {
	return func(c *engineConfig) { c.paramCache = p }
}

func WithCallbacks(cb *Callbacks) EngineOption {
	return func(c *engineConfig) { c.callbacks = cb }
}

func WithThreadIDFunc(f func() uint32) EngineOption {
	return func(c *engineConfig) { c.tid = f }
}

func WithClock(clock Clock) EngineOption {
	return func(c *engineConfig) { c.clock = clock }
}

// HookSpec is one element of the batch passed to Hook.
type HookSpec struct {
	ID                 uint32
	Target             uintptr
	FunctionName       string
	Flags              HookFlags
	DbFunc             DbFunc
	CustomHandlersBlob []byte
}

// Engine implements the hook registry and exposes the public API
// surface. It is the single mutable-state owner: the process-wide
// engine instance, modelled as an explicit startup/teardown protocol
// rather than package-level singletons.
type Engine struct {
	mu      sync.Mutex
	log     *zap.Logger
	entries []*HookEntry // insertion order, Installed/Allocated/Uninstalling
	leaked  []*HookEntry // retained forever: drain timed out on Unhook, or a module unloaded out from under them
	byID    map[uint32]*HookEntry

	mem           PlatformMemory
	slots         *SlotAllocator
	stubBuilder   *StubBuilder
	trampolines   *TrampolineWriter
	patcher       *Patcher
	dispatcher    *Dispatcher
	overwrite     *OverwriteDetector
	reaper        *UnloadReaper
	handlerInvoke func(h CustomHandler, phase CallPhase, entry *HookEntry, rec *CallRecord) HandlerResult
	callbacks     *Callbacks

	// preCallFn/postCallFn are the raw addresses winapi_windows.go's
	// platformCallbackAddrs hands back once, at wire time: Windows
	// callback trampolines (windows.NewCallback under the hood) that
	// decode a template's save area and drive
	// e.dispatcher.PreCall/PostCall. Baked into every entry's
	// trampoline via WriteParams.
	preCallFn  uintptr
	postCallFn uintptr

	// pending holds the options New couldn't fully act on because no
	// PlatformMemory/Suspender was supplied; Initialize resolves
	// platform defaults and finishes wiring from it.
	pending engineConfig

	initialized bool
}

// New constructs an Engine. Nothing touches the OS until Initialize,
// unless opts already supply a PlatformMemory and Suspender (the path
// tests use to skip platform resolution entirely).
func New(opts ...EngineOption) *Engine {
	cfg := engineConfig{
		log:           zap.NewNop(),
		drainRetries:  uninstallDrainRetries,
		drainInterval: uninstallDrainInterval,
		blockSize:     defaultBlockSize,
		suspendBatch:  installBatchMax,
		clock:         NewWallClock(func() int64 { return time.Now().UnixNano() }),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.paramCache == nil {
		cfg.paramCache = noopParamCache{}
	}
	if cfg.tid == nil {
		cfg.tid = func() uint32 { return 0 }
	}

	e := &Engine{
		log:       cfg.log,
		byID:      make(map[uint32]*HookEntry),
		callbacks: cfg.callbacks,
		pending:   cfg,
	}

	if cfg.suspender != nil && cfg.mem != nil {
		e.wire(cfg)
	}
	return e
}

func (e *Engine) wire(cfg engineConfig) {
	e.mem = cfg.mem
	e.slots = NewSlotAllocator(cfg.mem, cfg.mem, mustTemplateSlotSize(), e.log)
	e.slots.SetBlockSize(cfg.blockSize)

	mode := Mode32
	if is64Bit {
		mode = Mode64
	}
	e.stubBuilder = NewStubBuilder(x86Disassembler{}, cfg.mem, mode)
	e.trampolines = NewTrampolineWriter(defaultTemplate(), cfg.mem)
	e.patcher = NewPatcher(cfg.mem, cfg.suspender, e.slots, cfg.mem, e.log)
	e.patcher.SetDrainParams(cfg.drainRetries, cfg.drainInterval)
	e.overwrite = NewOverwriteDetector(cfg.mem, e.log)
	e.reaper = NewUnloadReaper(e.patcher, e.log)

	handlers := NewCustomHandlerChain(func(h CustomHandler, phase CallPhase, entry *HookEntry, rec *CallRecord) HandlerResult {
		if e.handlerInvoke == nil {
			return HandlerContinue
		}
		return e.handlerInvoke(h, phase, entry, rec)
	})
	e.dispatcher = NewDispatcher(NewThreadLocalCallStorage(cfg.tid), cfg.paramCache, handlers, cfg.callbacks, cfg.mem, cfg.clock)
	e.preCallFn, e.postCallFn = platformCallbackAddrs(e)
	e.initialized = true
}

func mustTemplateSlotSize() int {
	n, err := (&TrampolineWriter{template: defaultTemplate()}).TemplateSlotSize()
	if err != nil {
		// A malformed build-time template asset is a programming error,
		// not a runtime condition a caller could recover from.
		panic(errors.Wrap(err, "hinako: template asset missing terminator sentinel"))
	}
	return n
}

// Initialize completes wiring against platform defaults for any
// collaborator not supplied via options ("initialize()").
// It fails only when resolving the platform defaults fails; on a
// platform with no real backend (non-Windows builds) that error is
// ErrNotImplemented.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	cfg := e.pending
	if cfg.mem == nil || cfg.suspender == nil || cfg.tid == nil {
		mem, suspender, tid, err := platformDefaults()
		if err != nil {
			return err
		}
		if cfg.mem == nil {
			cfg.mem = mem
		}
		if cfg.suspender == nil {
			cfg.suspender = suspender
		}
		if cfg.tid == nil {
			cfg.tid = tid
		}
	}
	e.wire(cfg)
	return nil
}

// SetCustomHandlerInvoker wires the out-of-scope observer-callback ABI
// that turns a (DLLName, HandlerName) descriptor into an
// invocable function; without it, custom-handler chains are a no-op
// and only the outer Callbacks.OnHookCalled fires.
func (e *Engine) SetCustomHandlerInvoker(f func(h CustomHandler, phase CallPhase, entry *HookEntry, rec *CallRecord) HandlerResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlerInvoke = f
}

// Dispatcher exposes the dispatcher so a host-side asm shim (out of
// this core's scope) can route PreCall/PostCall invocations here.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Hook validates and installs a batch of hooks. On any failure no
// entry is installed.
func (e *Engine) Hook(specs []HookSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[uint32]bool, len(specs))
	var built []*HookEntry
	rollback := func() {
		for _, en := range built {
			if err := e.slots.Free(en.Trampoline); err != nil {
				e.log.Warn("hook rollback: slot free failed", zap.Error(err))
			}
		}
	}

	for _, s := range specs {
		if s.Target == 0 {
			rollback()
			return errors.WithStack(ErrInvalidArgument)
		}
		if seen[s.ID] {
			rollback()
			return errors.WithStack(ErrAlreadyExists)
		}
		if _, exists := e.byID[s.ID]; exists {
			rollback()
			return errors.WithStack(ErrAlreadyExists)
		}
		seen[s.ID] = true

		flags, err := s.Flags.normalize()
		if err != nil {
			rollback()
			return err
		}

		hookedAddr := s.Target
		if flags&FlagDontSkipJumps == 0 {
			hookedAddr = e.stepOverJumps(s.Target)
		}

		var handlers []CustomHandler
		if len(s.CustomHandlersBlob) > 0 {
			handlers, err = DecodeCustomHandlerBlob(s.CustomHandlersBlob)
			if err != nil {
				rollback()
				return err
			}
		}

		dbFunc := s.DbFunc
		if dbFunc == nil {
			dbFunc = noDbFunc{}
		}
		stackReturnSize := dbFunc.StackReturnSize(hookedAddr)

		slot, err := e.slots.Alloc(hookedAddr, is64Bit)
		if err != nil {
			rollback()
			return err
		}
		if is64Bit && !reachableByRel32(hookedAddr, slot) {
			_ = e.slots.Free(slot)
			rollback()
			return errors.WithStack(ErrOutOfMemory)
		}

		stub, err := e.stubBuilder.Build(hookedAddr, slot)
		if err != nil {
			_ = e.slots.Free(slot)
			rollback()
			return err
		}
		PatchModifiedStubHead(stub.ModifiedStub, hookedAddr, slot)

		// Allocated ahead of TrampolineWriter.Write so its address can be
		// baked into the trampoline's sentEntryPtr word directly, the
		// same way e (the Engine itself) is baked into sentEnginePtr:
		// the template's PreCallCommon/PostCallCommon calls need a
		// stable entryPtr before the call, not after.
		entry := &HookEntry{}
		entryPtr := uintptr(unsafe.Pointer(entry))

		preserve := stackPreserveFor(stackReturnSize)
		trampolineLen, afterCallMark, usageAddr, flagsAddr, err := e.trampolines.Write(WriteParams{
			Slot:          slot,
			EnginePtr:     uintptr(unsafe.Pointer(e)),
			EntryPtr:      entryPtr,
			PreCallFn:     e.preCallFn,
			PostCallFn:    e.postCallFn,
			RelocatedStub: stub.RelocatedStub,
			StackPreserve: preserve,
		})
		if err != nil {
			_ = e.slots.Free(slot)
			rollback()
			return err
		}

		entry.ID = s.ID
		entry.OrigProc = s.Target
		entry.HookedAddr = hookedAddr
		entry.FunctionName = s.FunctionName
		entry.OriginalStub = stub.OriginalStub
		entry.ModifiedStub = stub.ModifiedStub
		entry.RelocatedStub = stub.RelocatedStub
		entry.OriginalStubLen = stub.OriginalStubLen
		entry.Trampoline = slot
		entry.TrampolineLen = trampolineLen
		entry.AfterCallMark = afterCallMark
		entry.usageCounterAddr = usageAddr
		entry.flagsWordAddr = flagsAddr
		entry.Flags = flags
		entry.State = StateAllocated
		entry.CustomHandlers = handlers
		entry.StackReturnSize = stackReturnSize
		entry.DbFunc = dbFunc
		built = append(built, entry)
	}

	if err := e.patcher.InstallBatch(built); err != nil {
		rollback()
		return err
	}

	for _, en := range built {
		e.entries = append(e.entries, en)
		e.byID[en.ID] = en
	}
	return nil
}

// stackPreserveFor computes the stack-preserve size TrampolineWriter
// needs: stackReturnSize rounded up plus four words
// slack, or a fixed slack value when unknown.
func stackPreserveFor(stackReturnSize uint32) uint32 {
	const unknownSlack = 64
	if stackReturnSize == UnknownStackReturnSize {
		return unknownSlack
	}
	rounded := (stackReturnSize + uint32(wordSize) - 1) &^ uint32(wordSize-1)
	return rounded + 4*uint32(wordSize)
}

// stepOverJumps follows leading unconditional JMP rel8/rel32
// instructions ("hookedAddr: origProc after stepping over any
// leading unconditional jumps"). Bounded to guard against a jump cycle
// a third party could plant.
func (e *Engine) stepOverJumps(addr uintptr) uintptr {
	const maxHops = 16
	for i := 0; i < maxHops; i++ {
		b, err := e.mem.Read(addr, 5)
		if err != nil || len(b) < 2 {
			return addr
		}
		switch b[0] {
		case 0xE9:
			if len(b) < 5 {
				return addr
			}
			rel := decodeRel32(b, 0, 1)
			addr = addr + 5 + uintptr(int64(rel))
		case 0xEB:
			rel := int8(b[1])
			addr = addr + 2 + uintptr(int64(rel))
		default:
			return addr
		}
	}
	return addr
}

// Unhook runs the uninstall protocol for each found id, silently
// skipping unknown ones ("Unhook(ids[])").
func (e *Engine) Unhook(ids []uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unhookLocked(ids)
	return nil
}

func (e *Engine) unhookLocked(ids []uint32) {
	for _, id := range ids {
		entry, ok := e.byID[id]
		if !ok {
			continue
		}
		entry.State = StateUninstalling

		leaked, err := e.patcher.Uninstall(entry)
		if err != nil {
			e.log.Warn("unhook: uninstall failed, leaving installed", zap.Uint32("id", id), zap.Error(err))
			entry.State = StateInstalled
			continue
		}

		delete(e.byID, id)
		e.removeFromEntries(entry)
		if leaked {
			entry.State = StateLeaked
			e.leaked = append(e.leaked, entry)
		}
	}
}

func (e *Engine) removeFromEntries(target *HookEntry) {
	for i, en := range e.entries {
		if en == target {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			return
		}
	}
}

// UnhookAll iterates entries in reverse insertion order in chunks of
// 64.
func (e *Engine) UnhookAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]uint32, len(e.entries))
	for i, en := range e.entries {
		ids[len(e.entries)-1-i] = en.ID
	}
	const chunk = 64
	for len(ids) > 0 {
		n := chunk
		if n > len(ids) {
			n = len(ids)
		}
		e.unhookLocked(ids[:n])
		ids = ids[n:]
	}
	return nil
}

// EnableHook flips flagsWord[0].
func (e *Engine) EnableHook(id uint32, enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.byID[id]
	if !ok {
		return errors.WithStack(ErrNotFound)
	}
	entry.setDisabled(e.mem, !enable)
	return nil
}

// CheckOverwrittenHooks scans every installed entry and fires
// OnHookOverwritten with any ids whose bytes changed.
func (e *Engine) CheckOverwrittenHooks() error {
	e.mu.Lock()
	snapshot := append([]*HookEntry(nil), e.entries...)
	e.mu.Unlock()

	changed := e.overwrite.Check(snapshot)
	if len(changed) > 0 {
		e.callbacks.onHookOverwritten(changed)
	}
	return nil
}

// QueryOverwrittenHooks reports, per id in order, 1 if the live bytes
// differ from modifiedStub, 0 otherwise (unknown ids report 0).
func (e *Engine) QueryOverwrittenHooks(ids []uint32) []byte {
	e.mu.Lock()
	entries := make([]*HookEntry, 0, len(ids))
	for _, id := range ids {
		if en, ok := e.byID[id]; ok {
			entries = append(entries, en)
		}
	}
	e.mu.Unlock()

	diffs := e.overwrite.Query(entries)
	out := make([]byte, len(ids))
	for i, id := range ids {
		if diffs[id] {
			out[i] = 1
		}
	}
	return out
}

// DllUnloadUnhook runs the unload reaper for every entry inside mod.
func (e *Engine) DllUnloadUnhook(mod ModuleRange) {
	e.mu.Lock()
	snapshot := append([]*HookEntry(nil), e.entries...)
	e.mu.Unlock()

	reapedIDs, leakedIDs := e.reaper.Reap(snapshot, mod, e.mem)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range reapedIDs {
		entry, ok := e.byID[id]
		if !ok {
			continue
		}
		delete(e.byID, id)
		e.removeFromEntries(entry)
	}
	for _, id := range leakedIDs {
		entry, ok := e.byID[id]
		if !ok {
			continue
		}
		delete(e.byID, id)
		e.removeFromEntries(entry)
		// Retained forever: the trampoline is still mapped (and, for an
		// unloading module, the target bytes are about to vanish along
		// with the module itself), so CheckIfInTrampoline must keep
		// reporting true for its range.
		e.leaked = append(e.leaked, entry)
	}
}

// CheckIfInTrampoline reports whether ip falls inside any known
// trampoline, including leaked ones still mapped in memory.
func (e *Engine) CheckIfInTrampoline(ip uintptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, en := range e.entries {
		if ip >= en.Trampoline && ip < en.Trampoline+uintptr(en.TrampolineLen) {
			return true
		}
	}
	for _, en := range e.leaked {
		if ip >= en.Trampoline && ip < en.Trampoline+uintptr(en.TrampolineLen) {
			return true
		}
	}
	return false
}
