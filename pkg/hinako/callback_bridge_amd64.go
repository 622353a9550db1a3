//go:build windows && amd64

package hinako

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func readWord64(addr uintptr) uint64     { return *(*uint64)(unsafe.Pointer(addr)) }
func writeWord64(addr uintptr, v uint64) { *(*uint64)(unsafe.Pointer(addr)) = v }

var gpSaveOffsets = []struct {
	reg int
	off int32
}{{regRAX, offRAX}, {regRCX, offRCX}, {regRDX, offRDX}, {regR8, offR8}, {regR9, offR9}, {regR10, offR10}, {regR11, offR11}}

var xmmSaveOffsets = []int32{offXmm0, offXmm1, offXmm2, offXmm3}

func readSaveArea(sp uintptr) RegisterSnapshot {
	regs := RegisterSnapshot{GP: make(map[int]uint64, len(gpSaveOffsets))}
	for _, o := range gpSaveOffsets {
		regs.GP[o.reg] = readWord64(sp + uintptr(o.off))
	}
	for i, off := range xmmSaveOffsets {
		for b := 0; b < 16; b++ {
			regs.Xmm[i][b] = *(*byte)(unsafe.Pointer(sp + uintptr(off) + uintptr(b)))
		}
	}
	return regs
}

func writeSaveArea(sp uintptr, regs RegisterSnapshot) {
	for _, o := range gpSaveOffsets {
		if v, ok := regs.GP[o.reg]; ok {
			writeWord64(sp+uintptr(o.off), v)
		}
	}
	for i, off := range xmmSaveOffsets {
		if !regs.XmmDirty[i] {
			continue
		}
		for b := 0; b < 16; b++ {
			*(*byte)(unsafe.Pointer(sp + uintptr(off) + uintptr(b))) = regs.Xmm[i][b]
		}
	}
}

// retAddrPtrFromSaveArea dereferences offRetAddrPtr, the word the
// amd64 template stores its caller-observed return-address-slot
// pointer into (template_amd64.go).
func retAddrPtrFromSaveArea(sp uintptr) uintptr {
	return uintptr(readWord64(sp + uintptr(offRetAddrPtr)))
}

// platformCallbackAddrs produces the two raw function pointers the
// trampoline template's sentPreCallFn/sentPostCallFn words are patched
// with: Windows-callable addresses (windows.NewCallback) that decode
// the template's raw register save area into a RegisterSnapshot and
// drive Dispatcher.PreCall/PostCall.
func platformCallbackAddrs(e *Engine) (preCallFn, postCallFn uintptr) {
	pre := func(enginePtr, entryPtr, sp uintptr) uintptr {
		entry := (*HookEntry)(unsafe.Pointer(entryPtr))
		regs := readSaveArea(sp)
		stackPtr := retAddrPtrFromSaveArea(sp)
		action, outRegs, _ := e.dispatcher.PreCall(entry, regs, stackPtr, windows.GetCurrentThreadId())
		writeSaveArea(sp, outRegs)
		return uintptr(action)
	}
	post := func(enginePtr, entryPtr, sp uintptr) uintptr {
		entry := (*HookEntry)(unsafe.Pointer(entryPtr))
		stackPtr := retAddrPtrFromSaveArea(sp)
		ret, outRegs := e.dispatcher.PostCall(entry, stackPtr, windows.GetCurrentThreadId())
		writeSaveArea(sp, outRegs)
		return ret
	}
	return windows.NewCallback(pre), windows.NewCallback(post)
}
