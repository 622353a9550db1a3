package hinako

import "github.com/pkg/errors"

// HookFlags is the bitset accepted by Hook.
type HookFlags uint32

const (
	// FlagCallPreCall notifies custom handlers and the outer callback
	// before the real function body runs. Set by default; cleared by
	// FlagOnlyPostCall.
	FlagCallPreCall HookFlags = 1 << iota
	// FlagCallPostCall notifies after the real function body returns.
	// Set by default; cleared by FlagOnlyPreCall.
	FlagCallPostCall
	// FlagOnlyPreCall clears FlagCallPostCall at registration time.
	FlagOnlyPreCall
	// FlagOnlyPostCall clears FlagCallPreCall at registration time.
	FlagOnlyPostCall
	// FlagAsyncCallbacks permits the host to queue OnHookCalled
	// notifications instead of running them synchronously.
	FlagAsyncCallbacks
	// FlagDontCallOnLdrLock skips both custom handlers and the outer
	// callback while the OS loader lock is held.
	FlagDontCallOnLdrLock
	// FlagDontCallCustomHandlersOnLdrLock skips only custom handlers
	// while the loader lock is held; the outer callback still runs.
	FlagDontCallCustomHandlersOnLdrLock
	// FlagInvalidateCache dirties the host's module enumerator on every
	// PreCall.
	FlagInvalidateCache
	// FlagDisableStackWalk omits stack-trace capture from the per-call
	// record.
	FlagDisableStackWalk
	// FlagDontSkipJumps treats the target address literally instead of
	// stepping over leading unconditional JMPs before recording it as
	// hookedAddr.
	FlagDontSkipJumps
)

// normalize applies the OnlyPreCall/OnlyPostCall mutual-exclusion rule
// and returns the effective flag set, or ErrInvalidArgument if both
// OnlyPreCall and OnlyPostCall are set.
func (f HookFlags) normalize() (HookFlags, error) {
	if f&FlagOnlyPreCall != 0 && f&FlagOnlyPostCall != 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "OnlyPreCall and OnlyPostCall are mutually exclusive")
	}
	// Default both phases on unless explicitly narrowed.
	out := f | FlagCallPreCall | FlagCallPostCall
	if f&FlagOnlyPreCall != 0 {
		out &^= FlagCallPostCall
	}
	if f&FlagOnlyPostCall != 0 {
		out &^= FlagCallPreCall
	}
	return out, nil
}

// CallPhase identifies which half of an intercepted call a handler is
// observing.
type CallPhase int

const (
	PhasePreCall CallPhase = iota
	PhasePostCall
)

func (p CallPhase) String() string {
	if p == PhasePreCall {
		return "PreCall"
	}
	return "PostCall"
}
