package hinako

import "sync"

// RegisterSnapshot is the register state captured from (or written
// back to) the template's saved area at dispatcher entry (// "Template ABI"). Xmm holds up to four 16-byte SSE registers; GP
// holds the architecture's volatile general-purpose registers keyed by
// register number (regRAX, regRCX, ...); the callback bridges map each
// number to its save-area offset from template_amd64.go/template_386.go.
type RegisterSnapshot struct {
	GP  map[int]uint64
	Xmm [4][16]byte
	// XmmDirty marks which Xmm slots the dispatcher must write back;
	// "writes back only those that handlers actually changed".
	XmmDirty [4]bool
}

// TimingSample is one of the four observation points a per-call record
// keeps (wall/kernel/user/cycles), taken at PreCall entry, mid-PreCall,
// PostCall entry and PostCall exit.
type TimingSample struct {
	Wall, Kernel, User, Cycles uint64
}

// CallRecord is the per-call record ("owned by per-thread
// storage"). One is taken from the free list on every PreCall and
// returned to it at the matching PostCall (or discarded on an
// exception-unwound orphan).
type CallRecord struct {
	Entry *HookEntry

	Registers        RegisterSnapshot
	PreCallRegisters RegisterSnapshot // register snapshot taken at PreCall entry

	// SavedParamWords is the copy of stack-resident parameter memory
	// words the target may overwrite, captured so PostCall can restore
	// them.
	SavedParamWords map[uintptr]uintptr

	OriginalReturnAddr uintptr
	SavedLastError     uint32

	SequenceCookie uint64
	ChainDepth     int
	ThreadID       uint32

	TimingPreCallEntry  TimingSample
	TimingPreCallMid    TimingSample
	TimingPostCallEntry TimingSample
	TimingPostCallExit  TimingSample

	ChildElapsedAccum  uint64
	ChildOverheadAccum uint64

	StackTrace []uintptr

	// Scratch lets custom handlers and the outer callback share state
	// between the Pre and Post phases of the same call.
	Scratch interface{}

	// suppressed records whether the Pre phase's own handler/callback
	// run asked for its outer OnHookCalled notification to be
	// suppressed. It is informational only: PostCall computes its own
	// suppress verdict independently and never reads this field.
	suppressed bool
}

// ThreadTimes holds per-thread timing accumulators the dispatcher
// consults/updates alongside the per-call record's own samples.
type ThreadTimes struct {
	TotalWall   uint64
	TotalKernel uint64
	TotalUser   uint64
}

// CallStorage is the per-thread storage external collaborator holding
// a free list and an in-use LIFO of active calls per OS thread, plus a
// per-thread timing accumulator. The dispatcher never allocates a
// CallRecord directly; it always goes through this interface so the
// host controls pooling lifetime and thread-local storage strategy.
type CallStorage interface {
	// Take returns a CallRecord for the calling thread, from the free
	// list if one is available, freshly allocated otherwise.
	Take() *CallRecord
	// Release returns rec to the calling thread's free list.
	Release(rec *CallRecord)

	// PushInUse pushes rec onto the calling thread's in-use LIFO.
	PushInUse(rec *CallRecord)
	// PopUntil pops the calling thread's in-use LIFO down to and
	// including the first record whose Entry matches entry, returning
	// it plus every discarded record above it (orphans attributed to
	// exception-unwound calls). ok is false if the LIFO was empty
	// (corrupt state — the caller must terminate the process).
	PopUntil(entry *HookEntry) (rec *CallRecord, orphans []*CallRecord, ok bool)
	// PeekParent returns the record now on top of the in-use LIFO
	// (the parent of the call just popped), or nil if the LIFO is now
	// empty.
	PeekParent() *CallRecord

	// Times returns the calling thread's accumulator set.
	Times() *ThreadTimes
}

// threadLocalCallStorage is the default CallStorage: one free list and
// one in-use LIFO per goroutine-observed OS thread id, guarded by a
// per-thread entry created lazily, backed by a plain mutex-guarded map
// rather than a dedicated TLS library. Correctness here only needs
// "one bucket per OS thread", which a locked map keyed by the OS
// thread id already gives.
type threadLocalCallStorage struct {
	mu      sync.Mutex
	buckets map[uint32]*callBucket
	tid     func() uint32
}

type callBucket struct {
	free  []*CallRecord
	inUse []*CallRecord
	times ThreadTimes
}

// NewThreadLocalCallStorage builds the default CallStorage. tid reports
// the calling OS thread's id; winapi_windows.go supplies
// GetCurrentThreadId, tests supply a fake.
func NewThreadLocalCallStorage(tid func() uint32) CallStorage {
	return &threadLocalCallStorage{buckets: make(map[uint32]*callBucket), tid: tid}
}

func (s *threadLocalCallStorage) bucket() *callBucket {
	id := s.tid()
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[id]
	if !ok {
		b = &callBucket{}
		s.buckets[id] = b
	}
	return b
}

func (s *threadLocalCallStorage) Take() *CallRecord {
	b := s.bucket()
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(b.free); n > 0 {
		rec := b.free[n-1]
		b.free = b.free[:n-1]
		*rec = CallRecord{}
		return rec
	}
	return &CallRecord{}
}

func (s *threadLocalCallStorage) Release(rec *CallRecord) {
	b := s.bucket()
	s.mu.Lock()
	defer s.mu.Unlock()
	b.free = append(b.free, rec)
}

func (s *threadLocalCallStorage) PushInUse(rec *CallRecord) {
	b := s.bucket()
	s.mu.Lock()
	defer s.mu.Unlock()
	b.inUse = append(b.inUse, rec)
}

func (s *threadLocalCallStorage) PopUntil(entry *HookEntry) (*CallRecord, []*CallRecord, bool) {
	b := s.bucket()
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []*CallRecord
	for len(b.inUse) > 0 {
		top := b.inUse[len(b.inUse)-1]
		b.inUse = b.inUse[:len(b.inUse)-1]
		if top.Entry == entry {
			return top, orphans, true
		}
		orphans = append(orphans, top)
	}
	return nil, orphans, false
}

func (s *threadLocalCallStorage) PeekParent() *CallRecord {
	b := s.bucket()
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(b.inUse); n > 0 {
		return b.inUse[n-1]
	}
	return nil
}

func (s *threadLocalCallStorage) Times() *ThreadTimes {
	b := s.bucket()
	return &b.times
}
