package hinako

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// defaultBlockSize is the size of one reserved-committed executable region.
const defaultBlockSize = 64 * 1024

// oneGiB bounds the ±1 GiB near-allocation window.
const oneGiB = 1 << 30

// vmBackend is the OS-specific half of the allocator: reserving,
// committing and releasing executable pages, and finding free regions
// near a reference address. Implemented by winapi_windows.go on
// Windows; treats hooking any other platform as out of scope,
// so the non-Windows build only ever constructs a stub that reports
// ErrNotImplemented from Engine.Initialize.
type vmBackend interface {
	// reserveNear reserves and commits a PAGE_EXECUTE_READWRITE region
	// of size bytes whose base lies within [near-oneGiB, near+oneGiB]
	// when nearValid is true, or anywhere when it is false (32-bit, or
	// no reference address yet). Returns 0 on exhaustion.
	reserveNear(near uintptr, nearValid bool, size int) (uintptr, error)
	release(base uintptr, size int) error
}

// block is one OS allocation, sub-divided into fixed-size slots
// threaded through a free list: it records its base address and a
// free list threaded through its own slots.
type block struct {
	base      uintptr
	size      int
	slotSize  int
	freeHead  uintptr // 0 means empty; otherwise the address of a free slot
	freeCount int
	totalSlots int
}

// SlotAllocator reserves near-target executable memory and
// sub-allocates fixed-size trampoline slots from it.
type SlotAllocator struct {
	mu        sync.Mutex
	backend   vmBackend
	slotSize  int
	blockSize int
	blocks    []*block
	mem       memoryWords
	log       *zap.Logger
}

// NewSlotAllocator computes the process-wide slot size once: the fixed
// template slot size of the running architecture's template, rounded up
// to a power of two, floored at one machine word so the free-list link
// fits.
func NewSlotAllocator(backend vmBackend, mem memoryWords, templateSlotSize int, log *zap.Logger) *SlotAllocator {
	if log == nil {
		log = zap.NewNop()
	}
	size := nextPowerOfTwo(templateSlotSize)
	if size < wordSize {
		size = wordSize
	}
	return &SlotAllocator{
		backend:   backend,
		slotSize:  size,
		blockSize: defaultBlockSize,
		mem:       mem,
		log:       log,
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Alloc returns a slot whose address is within ±1 GiB of near. On
// 32-bit architectures the window is irrelevant and nearValid should
// be passed as false by the caller's arch helper.
func (a *SlotAllocator) Alloc(near uintptr, nearValid bool) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range a.blocks {
		if b.freeCount == 0 {
			continue
		}
		if nearValid && !withinWindow(b.base, near) {
			continue
		}
		return a.popFree(b), nil
	}


	slotsPerBlock := a.blockSize / a.slotSize
	if slotsPerBlock < 1 {
		slotsPerBlock = 1
	}
	base, err := a.backend.reserveNear(near, nearValid, a.blockSize)
	if err != nil {
		return 0, errors.Wrap(err, "hinako: slot allocator reserve")
	}
	if base == 0 {
		return 0, errors.WithStack(ErrOutOfMemory)
	}

	b := &block{base: base, size: a.blockSize, slotSize: a.slotSize, totalSlots: slotsPerBlock}
	a.initFreeList(b)
	a.blocks = append(a.blocks, b)
	a.log.Debug("slot allocator reserved block", zap.Uintptr("base", base), zap.Int("size", a.blockSize))
	return a.popFree(b), nil
}

func withinWindow(base, near uintptr) bool {
	if base > near {
		return base-near <= oneGiB
	}
	return near-base <= oneGiB
}

// initFreeList threads every slot of a freshly reserved block onto its
// free list: each free slot's first machine word stores the address of
// the next free slot.
func (a *SlotAllocator) initFreeList(b *block) {
	var prev uintptr
	for i := b.totalSlots - 1; i >= 0; i-- {
		addr := b.base + uintptr(i*b.slotSize)
		a.mem.casRelease(addr, a.mem.loadAcquire(addr), prev)
		prev = addr
	}
	b.freeHead = prev
	b.freeCount = b.totalSlots
}

func (a *SlotAllocator) popFree(b *block) uintptr {
	addr := b.freeHead
	next := a.mem.loadAcquire(addr)
	b.freeHead = next
	b.freeCount--
	return addr
}

// Free pushes slot back onto its owning block's free list; if the
// block becomes entirely free its virtual pages are released.
func (a *SlotAllocator) Free(slot uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, b := range a.blocks {
		if slot < b.base || slot >= b.base+uintptr(b.size) {
			continue
		}
		a.mem.casRelease(slot, a.mem.loadAcquire(slot), b.freeHead)
		b.freeHead = slot
		b.freeCount++
		if b.freeCount == b.totalSlots {
			if err := a.backend.release(b.base, b.size); err != nil {
				return errors.Wrap(err, "hinako: slot allocator release")
			}
			a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
		}
		return nil
	}
	return errors.WithStack(ErrInvalidArgument)
}

// SlotSize returns the fixed, process-wide slot size.
func (a *SlotAllocator) SlotSize() int { return a.slotSize }

// SetBlockSize overrides the OS-allocation granularity (64 KiB
// default), exposed for EngineOptions; only takes effect for blocks
// reserved after the call.
func (a *SlotAllocator) SetBlockSize(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blockSize = n
}
