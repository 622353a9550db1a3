package hinako

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// fakeMemCapacity backs every fakeMemory instance with a single flat
// buffer big enough for a handful of 64 KiB SlotAllocator blocks plus
// room for a simulated target function.
const fakeMemCapacity = 4 << 20

// fakeMemBase offsets every address fakeMemory hands out away from
// zero, so a bug that leaves an address field unset (0) shows up as an
// out-of-range access instead of silently aliasing byte 0 of the
// buffer.
const fakeMemBase = uintptr(0x10000)

// fakeMemory backs PlatformMemory (vmBackend + TargetMemory +
// StubReader + SlotWriter + memoryWords) with a single in-process byte
// slice addressed by a fixed offset, the same "plain byte buffer"
// standin the package's own doc comments (slot.go, stub.go, patch.go)
// describe tests using in place of real executable pages.
type fakeMemory struct {
	mu   sync.Mutex
	buf  []byte
	next uintptr
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{buf: make([]byte, fakeMemCapacity)}
}

func (m *fakeMemory) off(addr uintptr, n int) (int, error) {
	if addr < fakeMemBase {
		return 0, errors.New("fakeMemory: address below base")
	}
	o := int(addr - fakeMemBase)
	if o < 0 || o+n > len(m.buf) {
		return 0, errors.New("fakeMemory: access out of range")
	}
	return o, nil
}

func (m *fakeMemory) Read(addr uintptr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.off(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.buf[o:o+n])
	return out, nil
}

func (m *fakeMemory) Write(addr uintptr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.off(addr, len(data))
	if err != nil {
		return err
	}
	copy(m.buf[o:], data)
	return nil
}

func (m *fakeMemory) MakeWritable(addr uintptr, n int) (func() error, error) {
	if _, err := m.off(addr, n); err != nil {
		return nil, err
	}
	return func() error { return nil }, nil
}

func (m *fakeMemory) FlushInstructionCache(addr uintptr, n int) error {
	_, err := m.off(addr, n)
	return err
}

func (m *fakeMemory) loadAcquire(addr uintptr) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.off(addr, wordSize)
	if err != nil {
		return 0
	}
	if wordSize == 4 {
		return uintptr(binary.LittleEndian.Uint32(m.buf[o:]))
	}
	return uintptr(binary.LittleEndian.Uint64(m.buf[o:]))
}

func (m *fakeMemory) casRelease(addr uintptr, old, new uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.off(addr, wordSize)
	if err != nil {
		return false
	}
	var cur uintptr
	if wordSize == 4 {
		cur = uintptr(binary.LittleEndian.Uint32(m.buf[o:]))
	} else {
		cur = uintptr(binary.LittleEndian.Uint64(m.buf[o:]))
	}
	if cur != old {
		return false
	}
	if wordSize == 4 {
		binary.LittleEndian.PutUint32(m.buf[o:], uint32(new))
	} else {
		binary.LittleEndian.PutUint64(m.buf[o:], uint64(new))
	}
	return true
}

// reserveNear ignores near/nearValid entirely: every address this fake
// hands out already lives within a few megabytes of every other one,
// well inside the signed 32-bit displacement range (less its 64 KiB
// margin) that reachableByRel32 checks.
func (m *fakeMemory) reserveNear(near uintptr, nearValid bool, size int) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	aligned := (m.next + 15) &^ 15
	if int(aligned)+size > len(m.buf) {
		return 0, errors.WithStack(ErrOutOfMemory)
	}
	m.next = aligned + uintptr(size)
	return fakeMemBase + aligned, nil
}

func (m *fakeMemory) release(base uintptr, size int) error {
	_, err := m.off(base, size)
	return err
}

// place copies data into freshly bump-allocated space and returns its
// address, standing in for "a function already resident in the target
// process" in tests that need a concrete hookedAddr.
func (m *fakeMemory) place(data []byte) uintptr {
	addr, err := m.reserveNear(0, false, len(data))
	if err != nil {
		panic(err)
	}
	if err := m.Write(addr, data); err != nil {
		panic(err)
	}
	return addr
}

// fakeSuspender is a Suspender that always certifies the process clear
// without touching any real thread, for tests that exercise Patcher/
// Engine without Windows thread-enumeration primitives.
type fakeSuspender struct {
	mu      sync.Mutex
	suspends int
	resumes  int
}

type fakeSuspendToken struct{}

func (s *fakeSuspender) SuspendAllExcept(ranges []AddrRange) (SuspendToken, bool, error) {
	s.mu.Lock()
	s.suspends++
	s.mu.Unlock()
	return fakeSuspendToken{}, true, nil
}

func (s *fakeSuspender) StillClear(token SuspendToken, ranges []AddrRange) bool {
	return true
}

func (s *fakeSuspender) Resume(token SuspendToken) error {
	s.mu.Lock()
	s.resumes++
	s.mu.Unlock()
	return nil
}

// fakeClock is a deterministic Clock: each Sample() advances by one
// tick, so tests asserting PostCall elapsed-time bookkeeping see a
// predictable nonzero delta instead of real wall-clock noise.
type fakeClock struct {
	mu   sync.Mutex
	tick uint64
}

func (c *fakeClock) Sample() TimingSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick++
	return TimingSample{Wall: c.tick}
}

// fakeTID returns a fixed OS thread id, standing in for
// windows.GetCurrentThreadId in tests that only ever run on one
// logical "thread".
func fakeTID(id uint32) func() uint32 {
	return func() uint32 { return id }
}
