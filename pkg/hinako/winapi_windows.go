//go:build windows

package hinako

import (
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// allocGranularity is Windows' fixed virtual-address allocation
// granularity (SYSTEM_INFO.dwAllocationGranularity is 64 KiB on every
// supported Windows architecture); reserveNear steps its probe by this
// much rather than calling GetSystemInfo for a value that never
// changes at runtime.
const allocGranularity = 64 * 1024

// windowsMemory is the single PlatformMemory implementation backing
// both the engine's own trampoline slots and the target process's
// address space, since hinako only ever hooks within its own process.
// It satisfies vmBackend, TargetMemory, StubReader, SlotWriter and
// memoryWords with one set of unsafe pointer operations, built on
// typed golang.org/x/sys/windows wrappers instead of syscall.LazyDLL.
type windowsMemory struct{}

func newWindowsMemory() *windowsMemory { return &windowsMemory{} }

// Read turns an access violation on an unmapped or protected page into
// an error instead of a crash.
func (windowsMemory) Read(addr uintptr, n int) (out []byte, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Errorf("hinako: read fault at %#x: %v", addr, r)
		}
	}()
	out = make([]byte, n)
	for i := range out {
		out[i] = *(*byte)(unsafe.Pointer(addr + uintptr(i)))
	}
	return out, nil
}

func (windowsMemory) Write(addr uintptr, data []byte) error {
	for i, b := range data {
		*(*byte)(unsafe.Pointer(addr + uintptr(i))) = b
	}
	return nil
}

// MakeWritable toggles page protection to allow a write, split into a
// protect/restore pair so Patcher can sandwich exactly one write
// between them.
func (windowsMemory) MakeWritable(addr uintptr, n int) (func() error, error) {
	var oldProtect uint32
	if err := windows.VirtualProtect(addr, uintptr(n), windows.PAGE_EXECUTE_READWRITE, &oldProtect); err != nil {
		if err2 := windows.VirtualProtect(addr, uintptr(n), windows.PAGE_EXECUTE_WRITECOPY, &oldProtect); err2 != nil {
			return nil, errors.Wrap(err2, "hinako: VirtualProtect(PAGE_EXECUTE_READWRITE, then PAGE_EXECUTE_WRITECOPY)")
		}
	}
	restored := oldProtect
	return func() error {
		var prev uint32
		if err := windows.VirtualProtect(addr, uintptr(n), restored, &prev); err != nil {
			return errors.Wrap(err, "hinako: VirtualProtect(restore)")
		}
		return nil
	}, nil
}

func (windowsMemory) FlushInstructionCache(addr uintptr, n int) error {
	proc, err := windows.GetCurrentProcess()
	if err != nil {
		return errors.Wrap(err, "hinako: GetCurrentProcess")
	}
	if err := windows.FlushInstructionCache(proc, addr, uintptr(n)); err != nil {
		return errors.Wrap(err, "hinako: FlushInstructionCache")
	}
	return nil
}

// loadAcquire/casRelease give the allocator's free-list links and the
// dispatcher's usage counter/flags word the same acquire/release
// semantics go.uber.org/atomic gives the rest of the package's
// in-process counters (entry.go, dispatcher.go), just aimed at a raw address
// in the target's mapped pages rather than a Go-managed field.
func (windowsMemory) loadAcquire(addr uintptr) uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr)))
}

func (windowsMemory) casRelease(addr uintptr, old, new uintptr) bool {
	return atomic.CompareAndSwapUintptr((*uintptr)(unsafe.Pointer(addr)), old, new)
}

// reserveNear walks outward from near in allocGranularity steps trying
// MEM_RESERVE|MEM_COMMIT, the near-allocation search needed to keep
// trampolines within relative-jump range of their target. nearValid
// false (32-bit builds, or no target yet) skips straight to an
// unconstrained VirtualAlloc.
func (windowsMemory) reserveNear(near uintptr, nearValid bool, size int) (uintptr, error) {
	const flags = windows.MEM_RESERVE | windows.MEM_COMMIT
	if !nearValid {
		addr, err := windows.VirtualAlloc(0, uintptr(size), flags, windows.PAGE_EXECUTE_READWRITE)
		if err != nil {
			return 0, errors.Wrap(err, "hinako: VirtualAlloc")
		}
		return addr, nil
	}

	base := near &^ uintptr(allocGranularity-1)
	for delta := uintptr(0); delta <= oneGiB; delta += allocGranularity {
		candidates := []uintptr{base + delta}
		if delta != 0 && base >= delta {
			candidates = append(candidates, base-delta)
		}
		for _, cand := range candidates {
			addr, err := windows.VirtualAlloc(cand, uintptr(size), flags, windows.PAGE_EXECUTE_READWRITE)
			if err == nil && addr != 0 {
				return addr, nil
			}
		}
	}
	return 0, errors.WithStack(ErrOutOfMemory)
}

func (windowsMemory) release(base uintptr, size int) error {
	if err := windows.VirtualFree(base, 0, windows.MEM_RELEASE); err != nil {
		return errors.Wrap(err, "hinako: VirtualFree")
	}
	return nil
}

// threadSuspender implements Suspender over CreateToolhelp32Snapshot +
// SuspendThread/GetThreadContext: suspend everyone, certify clear,
// patch, resume.
type threadSuspender struct {
	selfPID uint32
	selfTID uint32
}

func newThreadSuspender() *threadSuspender {
	return &threadSuspender{selfPID: windows.GetCurrentProcessId(), selfTID: windows.GetCurrentThreadId()}
}

type suspendedThread struct {
	id     uint32
	handle windows.Handle
	ip     uintptr
}

type windowsSuspendToken struct {
	threads []suspendedThread
}

func (s *threadSuspender) snapshotThreadIDs() ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, errors.Wrap(err, "hinako: CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snap)

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	var ids []uint32
	if err := windows.Thread32First(snap, &entry); err != nil {
		return nil, errors.Wrap(err, "hinako: Thread32First")
	}
	for {
		if entry.OwnerProcessID == s.selfPID && entry.ThreadID != s.selfTID {
			ids = append(ids, entry.ThreadID)
		}
		if err := windows.Thread32Next(snap, &entry); err != nil {
			break
		}
	}
	return ids, nil
}

func (s *threadSuspender) SuspendAllExcept(ranges []AddrRange) (SuspendToken, bool, error) {
	ids, err := s.snapshotThreadIDs()
	if err != nil {
		return nil, false, err
	}

	token := &windowsSuspendToken{}
	for _, id := range ids {
		h, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME|windows.THREAD_GET_CONTEXT|windows.THREAD_QUERY_INFORMATION, false, id)
		if err != nil {
			continue // thread exited between snapshot and open
		}
		if _, err := windows.SuspendThread(h); err != nil {
			windows.CloseHandle(h)
			continue
		}

		var ctx windows.Context
		ctx.ContextFlags = windows.CONTEXT_CONTROL
		ip := uintptr(0)
		if err := windows.GetThreadContext(h, &ctx); err == nil {
			ip = instructionPointerFromContext(&ctx)
		}
		token.threads = append(token.threads, suspendedThread{id: id, handle: h, ip: ip})
	}

	if !certifyClear(token.threads, ranges) {
		_ = s.Resume(token)
		return nil, false, nil
	}
	return token, true, nil
}

func certifyClear(threads []suspendedThread, ranges []AddrRange) bool {
	for _, t := range threads {
		for _, r := range ranges {
			if r.contains(t.ip) {
				return false
			}
		}
	}
	return true
}

func (s *threadSuspender) StillClear(token SuspendToken, ranges []AddrRange) bool {
	t, ok := token.(*windowsSuspendToken)
	if !ok {
		return false
	}
	return certifyClear(t.threads, ranges)
}

func (s *threadSuspender) Resume(token SuspendToken) error {
	t, ok := token.(*windowsSuspendToken)
	if !ok {
		return errors.WithStack(ErrInvalidArgument)
	}
	var firstErr error
	for _, th := range t.threads {
		if _, err := windows.ResumeThread(th.handle); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "hinako: ResumeThread")
		}
		windows.CloseHandle(th.handle)
	}
	return firstErr
}

// platformDefaults resolves the Windows-backed collaborators Engine
// wires in when the caller supplies none via EngineOptions.
func platformDefaults() (PlatformMemory, Suspender, func() uint32, error) {
	return newWindowsMemory(), newThreadSuspender(), windows.GetCurrentThreadId, nil
}
