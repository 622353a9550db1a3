//go:build windows && 386

package hinako

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func readWord32(addr uintptr) uint32     { return *(*uint32)(unsafe.Pointer(addr)) }
func writeWord32(addr uintptr, v uint32) { *(*uint32)(unsafe.Pointer(addr)) = v }

var gpSaveOffsets32 = []struct {
	reg int
	off int32
}{{regRAX, offEAX32}, {regRCX, offECX32}, {regRDX, offEDX32}, {regRBX, offEBX32}, {regRBP, offEBP32}, {regRSI, offESI32}, {regRDI, offEDI32}}

// saveAreaBase recovers the i386 save-area base address from sp, the
// raw third argument PreCallCommon/PostCallCommon receive. The
// template computes sp as saveAreaBase+i386SaveArea+4 (the real
// return-address slot, see template_386.go's "sp at entry, past
// pushf" comment), so sp doubles as stackPtr with no further lookup.
func saveAreaBase(sp uintptr) uintptr {
	return sp - uintptr(i386SaveArea) - 4
}

func readSaveArea32(sp uintptr) RegisterSnapshot {
	base := saveAreaBase(sp)
	regs := RegisterSnapshot{GP: make(map[int]uint64, len(gpSaveOffsets32))}
	for _, o := range gpSaveOffsets32 {
		regs.GP[o.reg] = uint64(readWord32(base + uintptr(o.off)))
	}
	return regs
}

func writeSaveArea32(sp uintptr, regs RegisterSnapshot) {
	base := saveAreaBase(sp)
	for _, o := range gpSaveOffsets32 {
		if v, ok := regs.GP[o.reg]; ok {
			writeWord32(base+uintptr(o.off), uint32(v))
		}
	}
}

// platformCallbackAddrs is the 32-bit counterpart of the amd64 bridge
// in callback_bridge_amd64.go; see its doc comment.
func platformCallbackAddrs(e *Engine) (preCallFn, postCallFn uintptr) {
	pre := func(enginePtr, entryPtr, sp uintptr) uintptr {
		entry := (*HookEntry)(unsafe.Pointer(entryPtr))
		regs := readSaveArea32(sp)
		action, outRegs, _ := e.dispatcher.PreCall(entry, regs, sp, windows.GetCurrentThreadId())
		writeSaveArea32(sp, outRegs)
		return uintptr(action)
	}
	post := func(enginePtr, entryPtr, sp uintptr) uintptr {
		entry := (*HookEntry)(unsafe.Pointer(entryPtr))
		ret, outRegs := e.dispatcher.PostCall(entry, sp, windows.GetCurrentThreadId())
		writeSaveArea32(sp, outRegs)
		return ret
	}
	return windows.NewCallback(pre), windows.NewCallback(post)
}
