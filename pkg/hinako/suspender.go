package hinako

// Suspender is the thread-suspension-utility external collaborator.
// Patcher never calls OS thread-enumeration primitives directly; it
// goes through this interface so tests can exercise the
// install/uninstall protocol without real threads, and so a host
// could substitute its own suspension strategy (e.g. one that already
// tracks live threads).
type Suspender interface {
	// SuspendAllExcept suspends every other thread in the process,
	// returning a token identifying the suspension window. ok is false
	// if the constraint — no suspended thread has its instruction
	// pointer inside any listed range — could not be satisfied.
	SuspendAllExcept(ranges []AddrRange) (token SuspendToken, ok bool, err error)

	// StillClear re-certifies, without resuming, that none of ranges
	// has a parked instruction pointer inside it, so a caller installing
	// several batches in a row can reuse the same suspension instead of
	// suspending and resuming every thread again for each batch.
	StillClear(token SuspendToken, ranges []AddrRange) bool

	// Resume releases every thread suspended under token.
	Resume(token SuspendToken) error
}

// AddrRange is a half-open instruction-pointer range a Suspender must
// keep clear of parked threads.
type AddrRange struct {
	Start, End uintptr
}

func (r AddrRange) contains(ip uintptr) bool { return ip >= r.Start && ip < r.End }

// SuspendToken opaquely identifies one suspension window; its concrete
// shape is owned by the Suspender implementation.
type SuspendToken interface{}
