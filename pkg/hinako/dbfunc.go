package hinako

// DbFunc is the symbol/function-metadata catalogue external
// collaborator. The engine never parses PE exports or debug symbols
// itself; it asks a DbFunc for the one fact it needs to synthesize a
// skip-call return: how many bytes the target's calling convention
// pops off the stack on return.
type DbFunc interface {
	// StackReturnSize returns the byte count the hooked function pops
	// from the stack on return (e.g. the sum of stdcall parameter
	// widths), or UnknownStackReturnSize if the catalogue has no entry
	// for this address.
	StackReturnSize(addr uintptr) uint32
}

// staticDbFunc is the trivial DbFunc a caller supplies when it already
// knows a single function's stack-cleanup size up front — the common
// case for a hand-written hook against one well-known API, hard-coding
// the single target it hooks rather than carrying a full symbol
// database.
type staticDbFunc struct {
	size uint32
}

// NewStaticDbFunc returns a DbFunc reporting size for every address.
func NewStaticDbFunc(size uint32) DbFunc {
	return staticDbFunc{size: size}
}

func (d staticDbFunc) StackReturnSize(uintptr) uint32 { return d.size }

// noDbFunc reports UnknownStackReturnSize unconditionally; used when a
// Hook call omits a DbFunc, which only costs the caller the ability to
// use dwSkipCall.
type noDbFunc struct{}

func (noDbFunc) StackReturnSize(uintptr) uint32 { return UnknownStackReturnSize }
