package hinako

import "go.uber.org/zap"

// OverwriteDetector is a caller-driven scan comparing live target
// bytes against what was last installed, reporting any drift exactly
// once per entry.
type OverwriteDetector struct {
	target TargetMemory
	log    *zap.Logger
}

func NewOverwriteDetector(target TargetMemory, log *zap.Logger) *OverwriteDetector {
	if log == nil {
		log = zap.NewNop()
	}
	return &OverwriteDetector{target: target, log: log}
}

// Check scans entries, skipping any whose already-reported flag is set
// or whose id has the high bit set, and returns the ids whose first 5
// bytes at hookedAddr no longer match modifiedStub. A read fault on a
// target page is treated as "no change" rather than propagated, to
// avoid spurious reports.
func (d *OverwriteDetector) Check(entries []*HookEntry) []uint32 {
	var changed []uint32
	for _, e := range entries {
		if e.alreadyReportedOverwrite.Load() || e.SkippedByOverwriteCheck() {
			continue
		}
		if d.differs(e) {
			e.alreadyReportedOverwrite.Store(true)
			changed = append(changed, e.ID)
		}
	}
	return changed
}

// Query answers queryOverwrittenHooks for a specific list of
// ids, independent of the one-shot "already reported" latch: it always
// reports the live comparison result.
func (d *OverwriteDetector) Query(entries []*HookEntry) map[uint32]bool {
	out := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		out[e.ID] = d.differs(e)
	}
	return out
}

func (d *OverwriteDetector) differs(e *HookEntry) bool {
	n := jmpRel32Size
	if n > len(e.ModifiedStub) {
		n = len(e.ModifiedStub)
	}
	cur, err := d.target.Read(e.HookedAddr, n)
	if err != nil {
		d.log.Debug("overwrite check: read faulted, treating as unchanged", zap.Uint32("id", e.ID), zap.Error(err))
		return false
	}
	return !bytesEqual(cur, e.ModifiedStub[:n])
}
