//go:build 386

package hinako

// i386SaveArea is the 40-byte register save area at dispatcher entry
// ("32-bit: 40 bytes containing alignment word + 8 bytes for
// st0 + 7×4-byte general registers (EAX at +0x24, EDI at +0x0C)").
const i386SaveArea = 0x28

const (
	offAlign = 0x00
	offSt0   = 0x04
	offEDI32 = 0x0C
	offESI32 = 0x10
	offEBP32 = 0x14
	offEBX32 = 0x18
	offEDX32 = 0x1C
	offECX32 = 0x20
	offEAX32 = 0x24
)

// newI386Template assembles the 32-bit trampoline asset, __stdcall
// throughout to match the Windows convention PreCallCommon/
// PostCallCommon are declared with in ("S_stdcall").
func newI386Template() rawTemplate {
	a := &asmBuf{}

	a.nops(nopSlideLen)
	a.pushf()
	a.subEspImm32(i386SaveArea)
	for _, g := range []struct {
		off int32
		reg byte
	}{{offEDI32, regRDI}, {offESI32, regRSI}, {offEBP32, regRBP}, {offEBX32, regRBX}, {offEDX32, regRDX}, {offECX32, regRCX}, {offEAX32, regRAX}} {
		a.movMemEspReg32(g.off, g.reg)
	}

	// PreCallCommon(enginePtr, entryPtr, spOfSavedState) — __stdcall:
	// push right-to-left, callee cleans the stack.
	a.leaRegDisp32(regRAX, i386SaveArea+4) // sp at entry, past pushf
	a.emit(0x50)                           // PUSH EAX
	a.pushImm32(sentinelPattern(sentEntryPtr))
	a.pushImm32(sentinelPattern(sentEnginePtr))
	a.movRegImm32(regRAX, sentinelPattern(sentPreCallFn))
	a.callReg32(regRAX)

	a.testRegReg32(regRAX)
	jzToIgnore := a.jzRel8()

	for _, g := range []struct {
		off int32
		reg byte
	}{{offEAX32, regRAX}, {offECX32, regRCX}, {offEDX32, regRDX}, {offEBX32, regRBX}, {offEBP32, regRBP}, {offESI32, regRSI}, {offEDI32, regRDI}} {
		a.movRegMemEsp32(g.reg, g.off)
	}
	a.addEspImm32(i386SaveArea)
	a.popf()
	a.movRegImm32(regRAX, sentinelPattern(sentRelocatedStub))
	a.emit(0xFF, 0xE0) // JMP EAX

	ignoreTarget := a.offset()
	jzToIgnore(ignoreTarget)

	a.movRegImm32(regRAX, sentinelPattern(sentRelocatedStub))
	for _, g := range []struct {
		off int32
		reg byte
	}{{offECX32, regRCX}, {offEDX32, regRDX}, {offEBX32, regRBX}, {offEBP32, regRBP}, {offESI32, regRSI}, {offEDI32, regRDI}} {
		a.movRegMemEsp32(g.reg, g.off)
	}
	a.addEspImm32(i386SaveArea)
	a.popf()
	a.emit(0xFF, 0xE0) // JMP EAX

	// CONTINUE_AFTER_CALL_MARK, same placement convention as amd64:
	// the value loaded here is recorded as the address immediately
	// following this placeholder, which is where the argument setup for
	// `call PostCallCommon` begins.
	a.movRegImm32(regRBX, sentinelPattern(sentAfterCallMark))
	a.leaRegDisp32(regRAX, i386SaveArea+4)
	a.emit(0x50)
	a.pushImm32(sentinelPattern(sentEntryPtr))
	a.pushImm32(sentinelPattern(sentEnginePtr))
	a.movRegImm32(regRAX, sentinelPattern(sentPostCallFn))
	a.callReg32(regRAX)
	// RAX now holds the real return address PostCall resolved.
	a.movRegMemEsp32(regRCX, offECX32)
	a.movRegMemEsp32(regRDX, offEDX32)
	a.addEspImm32(i386SaveArea)
	a.popf()
	a.emit(0xFF, 0xE0) // JMP EAX

	a.nops(8)
	a.emitWord(sentinelPattern(sentTerminator))

	return rawTemplate{bytes: a.b, mode: Mode32, saveArea: i386SaveArea}
}

// defaultTemplate is the architecture-neutral entry point engine.go
// uses to pick the one raw template built for the running GOARCH.
func defaultTemplate() rawTemplate { return newI386Template() }
