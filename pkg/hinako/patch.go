package hinako

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// installBatchMax is the batch size a single InstallBatch call handles
// before the caller must start a new suspend/resume cycle.
const installBatchMax = 10

// uninstallDrainRetries / uninstallDrainInterval bound how long
// Uninstall waits for a hook's usage counter to quiesce before giving
// up: sleep 10ms and retry up to 20 times, roughly 200ms total.
const (
	uninstallDrainRetries  = 20
	uninstallDrainInterval = 10 * time.Millisecond
)

// TargetMemory is the fallible-memory-operation primitive Patcher uses
// against the hooked process's own address space: reading/writing
// bytes, toggling page protection, and flushing the instruction cache.
// Structured exception guards around foreign memory reads are
// irreducible here; winapi_windows.go backs this with
// VirtualProtect/in-process pointer access, tests back it with a plain
// byte buffer.
type TargetMemory interface {
	Read(addr uintptr, n int) ([]byte, error)
	Write(addr uintptr, data []byte) error
	// MakeWritable changes protection at [addr, addr+n) to allow writes
	// (falling back from executable-readwrite to executable-writecopy),
	// returning a restore func that must always be called, whether or
	// not the write that follows succeeded.
	MakeWritable(addr uintptr, n int) (restore func() error, err error)
	FlushInstructionCache(addr uintptr, n int) error
}

// Patcher is the install/uninstall protocol that mutates target bytes
// only while every other thread is certified parked outside the
// affected range.
type Patcher struct {
	target    TargetMemory
	suspender Suspender
	slots     *SlotAllocator
	mem       memoryWords
	log       *zap.Logger

	drainRetries  int
	drainInterval time.Duration
}

func NewPatcher(target TargetMemory, suspender Suspender, slots *SlotAllocator, mem memoryWords, log *zap.Logger) *Patcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Patcher{
		target: target, suspender: suspender, slots: slots, mem: mem, log: log,
		drainRetries:  uninstallDrainRetries,
		drainInterval: uninstallDrainInterval,
	}
}

// SetDrainParams overrides the uninstall quiescence-drain retry count
// and backoff interval (default ≈200ms/20 retries). Exposed so
// EngineOptions can tune it.
func (p *Patcher) SetDrainParams(retries int, interval time.Duration) {
	p.drainRetries = retries
	p.drainInterval = interval
}

// InstallBatch runs install protocol over up to
// installBatchMax entries, rolling back every already-patched entry in
// the batch if suspension or any individual patch fails.
func (p *Patcher) InstallBatch(entries []*HookEntry) error {
	var done []*HookEntry
	for len(entries) > 0 {
		n := installBatchMax
		if n > len(entries) {
			n = len(entries)
		}
		if err := p.installChunk(entries[:n]); err != nil {
			p.rollback(done)
			return err
		}
		done = append(done, entries[:n]...)
		entries = entries[n:]
	}
	return nil
}

func (p *Patcher) installChunk(batch []*HookEntry) error {
	ranges := make([]AddrRange, len(batch))
	for i, e := range batch {
		ranges[i] = AddrRange{Start: e.HookedAddr, End: e.HookedAddr + jmpRel32Size}
	}

	token, ok, err := p.suspender.SuspendAllExcept(ranges)
	if err != nil {
		return errors.Wrap(err, "hinako: suspend for install")
	}
	if !ok {
		return errors.WithStack(ErrSuspendFailed)
	}

	var patched []*HookEntry
	for i, e := range batch {
		if err := p.patchOne(e); err != nil {
			p.rollback(patched)
			_ = p.suspender.Resume(token)
			return err
		}
		patched = append(patched, e)

		// Peek ahead: reuse the suspension window only if every
		// remaining target in this chunk is still certified clear
		//.
		if i+1 < len(batch) {
			remaining := ranges[i+1:]
			if !p.suspender.StillClear(token, remaining) {
				if err := p.suspender.Resume(token); err != nil {
					p.rollback(patched)
					return errors.Wrap(err, "hinako: resume before re-suspend")
				}
				token, ok, err = p.suspender.SuspendAllExcept(remaining)
				if err != nil || !ok {
					p.rollback(patched)
					if err == nil {
						err = errors.WithStack(ErrSuspendFailed)
					}
					return err
				}
			}
		}
	}

	if err := p.suspender.Resume(token); err != nil {
		p.rollback(patched)
		return errors.Wrap(err, "hinako: resume after install")
	}
	return nil
}

func (p *Patcher) patchOne(e *HookEntry) error {
	restore, err := p.target.MakeWritable(e.HookedAddr, len(e.ModifiedStub))
	if err != nil {
		return errors.Wrap(ErrProtectFailed, err.Error())
	}
	writeErr := p.target.Write(e.HookedAddr, e.ModifiedStub)
	if restoreErr := restore(); restoreErr != nil && writeErr == nil {
		writeErr = errors.Wrap(ErrProtectFailed, restoreErr.Error())
	}
	if writeErr != nil {
		return writeErr
	}
	if err := p.target.FlushInstructionCache(e.HookedAddr, maxOriginalStubBytes); err != nil {
		return errors.Wrap(err, "hinako: flush instruction cache")
	}
	e.State = StateInstalled
	return nil
}

// rollback restores original bytes over entries already patched in a
// batch that subsequently failed: any failure rolls back
// already-installed entries from the batch.
func (p *Patcher) rollback(entries []*HookEntry) {
	for _, e := range entries {
		restore, err := p.target.MakeWritable(e.HookedAddr, e.OriginalStubLen)
		if err != nil {
			p.log.Warn("rollback: could not reprotect target", zap.Uintptr("addr", e.HookedAddr), zap.Error(err))
			continue
		}
		if err := p.target.Write(e.HookedAddr, e.OriginalStub[:e.OriginalStubLen]); err != nil {
			p.log.Warn("rollback: could not restore original bytes", zap.Uintptr("addr", e.HookedAddr), zap.Error(err))
		}
		if err := restore(); err != nil {
			p.log.Warn("rollback: could not restore protection", zap.Uintptr("addr", e.HookedAddr), zap.Error(err))
		}
		e.State = StateAllocated
	}
}

// Uninstall runs the uninstall protocol for one entry. leaked is true
// when the drain loop never observed a zero usage counter, or the
// post-drain byte verification found the target bytes changed out from
// under it; in either case the caller must still report success to the
// caller of Unhook, and the trampoline slot stays mapped.
func (p *Patcher) Uninstall(e *HookEntry) (leaked bool, err error) {
	return p.uninstall(e, false)
}

// UninstallForUnload runs the same protocol for a hook whose target
// module is being unloaded: a failed byte-restore verification no
// longer leaks the trampoline slot, since the target bytes are about
// to disappear along with the rest of the module and there is nothing
// left to corrupt by freeing the slot anyway.
func (p *Patcher) UninstallForUnload(e *HookEntry) (leaked bool, err error) {
	return p.uninstall(e, true)
}

func (p *Patcher) uninstall(e *HookEntry, forceFreeSlot bool) (leaked bool, err error) {
	e.setUninstalled(p.mem)

	ranges := []AddrRange{
		{Start: e.HookedAddr, End: e.HookedAddr + jmpRel32Size},
		{Start: e.Trampoline, End: e.Trampoline + uintptr(e.TrampolineLen)},
	}
	token, ok, err := p.suspender.SuspendAllExcept(ranges)
	if err != nil {
		return false, errors.Wrap(err, "hinako: suspend for uninstall")
	}
	if !ok {
		return false, errors.WithStack(ErrSuspendFailed)
	}

	quiesced := false
	for attempt := 0; attempt <= p.drainRetries; attempt++ {
		if e.usageCounter(p.mem) == 0 {
			quiesced = true
			break
		}
		if attempt == p.drainRetries {
			break
		}
		if err := p.suspender.Resume(token); err != nil {
			return false, errors.Wrap(err, "hinako: resume during drain")
		}
		time.Sleep(p.drainInterval)
		token, ok, err = p.suspender.SuspendAllExcept(ranges)
		if err != nil {
			return false, errors.Wrap(err, "hinako: re-suspend during drain")
		}
		if !ok {
			return false, errors.WithStack(ErrSuspendFailed)
		}
	}

	if !quiesced {
		// Leaked: trampoline stays mapped, target bytes stay patched.
		if err := p.suspender.Resume(token); err != nil {
			p.log.Warn("uninstall: resume after leak failed", zap.Error(err))
		}
		p.log.Warn("hook leaked: usage counter never drained", zap.Uint32("id", e.ID), zap.Uintptr("hookedAddr", e.HookedAddr))
		return true, nil
	}

	restored := p.verifyAndRestore(e)
	if err := p.suspender.Resume(token); err != nil {
		return false, errors.Wrap(err, "hinako: resume after uninstall")
	}
	if !restored && !forceFreeSlot {
		p.log.Warn("uninstall: target bytes overwritten by third party, leaving patched", zap.Uint32("id", e.ID))
		return true, nil
	}
	if !restored {
		p.log.Warn("uninstall: target bytes overwritten by third party, freeing slot regardless (module unloading)", zap.Uint32("id", e.ID))
	}
	if err := p.slots.Free(e.Trampoline); err != nil {
		p.log.Warn("uninstall: slot free failed", zap.Error(err))
	}
	return false, nil
}

// verifyAndRestore verifies the target still holds modifiedStub and
// the trampoline's NOP slide is intact, then restores
// originalStub[0:5]. Any verification failure (or
// fault reading either region) is treated as "cannot safely restore"
// and leaves the target patched rather than risk corrupting bytes a
// third party has already changed.
func (p *Patcher) verifyAndRestore(e *HookEntry) bool {
	n := jmpRel32Size + 3
	if n > len(e.ModifiedStub) {
		n = len(e.ModifiedStub)
	}
	cur, err := p.target.Read(e.HookedAddr, n)
	if err != nil || !bytesEqual(cur, e.ModifiedStub[:n]) {
		return false
	}

	slide, err := p.target.Read(e.Trampoline, nopSlideLen)
	if err != nil {
		return false
	}
	for _, b := range slide {
		if b != 0x90 {
			return false
		}
	}

	restore, err := p.target.MakeWritable(e.HookedAddr, jmpRel32Size)
	if err != nil {
		return false
	}
	writeErr := p.target.Write(e.HookedAddr, e.OriginalStub[:jmpRel32Size])
	if restoreErr := restore(); restoreErr != nil {
		p.log.Warn("uninstall: could not restore protection after byte restore", zap.Error(restoreErr))
	}
	if writeErr != nil {
		return false
	}
	_ = p.target.FlushInstructionCache(e.HookedAddr, maxOriginalStubBytes)
	return true
}
