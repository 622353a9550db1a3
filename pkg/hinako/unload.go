package hinako

import "go.uber.org/zap"

// ModuleRange identifies the address span of a module being unloaded,
// supplied by the host.
type ModuleRange struct {
	Base, Size uintptr
}

func (m ModuleRange) contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// UnloadReaper handles notification that a module is being unloaded,
// force-uninstalling every hook whose target lives inside it.
type UnloadReaper struct {
	patcher *Patcher
	log     *zap.Logger
}

func NewUnloadReaper(patcher *Patcher, log *zap.Logger) *UnloadReaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &UnloadReaper{patcher: patcher, log: log}
}

// Reap flips the uninstalled bit on every entry inside mod, then drives
// Patcher.UninstallForUnload over them in reverse insertion order. It
// tolerates the byte-restore step failing, since the module's pages
// are about to disappear; the trampoline slot is freed regardless of
// that failure. It returns the ids that were fully reaped and,
// separately, the ids whose trampoline was still leaked — meaning the
// drain loop never observed a quiesced usage counter, so the slot
// could not be safely freed at all — so the caller can keep tracking
// them for CheckIfInTrampoline instead of dropping them outright.
func (r *UnloadReaper) Reap(entries []*HookEntry, mod ModuleRange, mem memoryWords) (reaped, leakedIDs []uint32) {
	var targets []*HookEntry
	for _, e := range entries {
		if mod.contains(e.HookedAddr) {
			e.setUninstalled(mem)
			targets = append(targets, e)
		}
	}

	for i := len(targets) - 1; i >= 0; i-- {
		e := targets[i]
		leaked, err := r.patcher.UninstallForUnload(e)
		if err != nil {
			r.log.Warn("unload reap: uninstall failed, leaving entry mapped", zap.Uint32("id", e.ID), zap.Error(err))
			continue
		}
		if leaked {
			r.log.Warn("unload reap: usage counter never drained, trampoline stays mapped", zap.Uint32("id", e.ID))
			leakedIDs = append(leakedIDs, e.ID)
			continue
		}
		reaped = append(reaped, e.ID)
	}
	return reaped, leakedIDs
}
