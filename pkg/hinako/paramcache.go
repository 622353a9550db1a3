package hinako

// ParamCache is the parameter-materialisation cache external
// collaborator ("the parameter-materialisation cache that
// turns raw register+stack state into typed arguments"). The
// dispatcher never interprets calling-convention argument placement
// itself; it asks a ParamCache to resolve argument addresses against a
// register snapshot, twice per call (PreCall step 6 against
// the entry snapshot, step 10 against the possibly-mutated one).
type ParamCache interface {
	// ResolveAddresses returns the memory address of each of the
	// target's parameters, given the entry register/stack snapshot.
	// Addresses may point into registers (via regs) or the stack.
	ResolveAddresses(entry *HookEntry, regs RegisterSnapshot, stackPtr uintptr) []uintptr
}

// noopParamCache resolves no parameters; a caller that never inspects
// call arguments (the common case for a pure timing/overwrite-style
// hook) can leave ParamCache unset and get this default rather than a
// nil-interface panic.
type noopParamCache struct{}

func (noopParamCache) ResolveAddresses(*HookEntry, RegisterSnapshot, uintptr) []uintptr {
	return nil
}
