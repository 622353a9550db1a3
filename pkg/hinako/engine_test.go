package hinako

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *fakeMemory, *fakeSuspender) {
	t.Helper()
	mem := newFakeMemory()
	susp := &fakeSuspender{}
	base := []EngineOption{WithPlatformMemory(mem), WithSuspender(susp), WithThreadIDFunc(fakeTID(1))}
	e := New(append(base, opts...)...)
	require.NoError(t, e.Initialize())
	return e, mem, susp
}

func placeTargetFunction(mem *fakeMemory) uintptr {
	// A prologue long enough to yield a real originalStubLen >= 5 with
	// nothing relative to relocate, padded with int3 so stray execution
	// off the end of the patched region is obvious in a debugger.
	body := []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xe5,       // mov rbp, rsp
		0x48, 0x83, 0xec, 0x20, // sub rsp, 0x20
		0x90, 0x90, 0x90, 0x90,
		0xc3, // ret
	}
	padded := append(append([]byte(nil), body...), make([]byte, 16)...)
	return mem.place(padded)
}

func TestEngine_Hook_InstallsAndTracksEntry(t *testing.T) {
	e, mem, susp := newTestEngine(t)
	target := placeTargetFunction(mem)

	err := e.Hook([]HookSpec{{ID: 1, Target: target, FunctionName: "TargetFn"}})
	require.NoError(t, err)

	entry, ok := e.byID[1]
	require.True(t, ok)
	assert.Equal(t, StateInstalled, entry.State)
	assert.NotZero(t, entry.Trampoline)
	assert.NotZero(t, entry.AfterCallMark)
	assert.GreaterOrEqual(t, entry.OriginalStubLen, minPatchBytes)
	assert.GreaterOrEqual(t, susp.suspends, 1)

	// The live bytes at target must now start with a JMP rel32 into
	// the trampoline.
	live, err := mem.Read(target, 5)
	require.NoError(t, err)
	assert.Equal(t, byte(0xE9), live[0])

	assert.True(t, e.CheckIfInTrampoline(entry.Trampoline))
	assert.True(t, e.CheckIfInTrampoline(entry.Trampoline+uintptr(entry.TrampolineLen)-1))
	assert.False(t, e.CheckIfInTrampoline(entry.Trampoline+uintptr(entry.TrampolineLen)))
}

func TestEngine_Hook_DuplicateIDRollsBack(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	target1 := placeTargetFunction(mem)
	target2 := placeTargetFunction(mem)

	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: target1}}))
	err := e.Hook([]HookSpec{{ID: 1, Target: target2}})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// The original hook from the first, successful call must be
	// unaffected by the failed second call.
	assert.Len(t, e.entries, 1)
}

func TestEngine_Hook_InvalidTargetRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	err := e.Hook([]HookSpec{{ID: 1, Target: 0}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, e.entries)
}

func TestEngine_Hook_BatchRollsBackOnSecondFailure(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	target := placeTargetFunction(mem)

	err := e.Hook([]HookSpec{
		{ID: 1, Target: target},
		{ID: 1, Target: target}, // duplicate within the same batch
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Empty(t, e.entries, "first entry's allocation must be rolled back when the batch fails")
}

func TestEngine_Unhook_RestoresOriginalBytes(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	target := placeTargetFunction(mem)

	original, err := mem.Read(target, 5)
	require.NoError(t, err)

	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: target}}))
	require.NoError(t, e.Unhook([]uint32{1}))

	_, ok := e.byID[1]
	assert.False(t, ok)
	assert.Empty(t, e.entries)

	restored, err := mem.Read(target, 5)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestEngine_Unhook_UnknownIDIsNoop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.NoError(t, e.Unhook([]uint32{999}))
}

func TestEngine_UnhookAll_RemovesAllEntries(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	t1 := placeTargetFunction(mem)
	t2 := placeTargetFunction(mem)

	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: t1}}))
	require.NoError(t, e.Hook([]HookSpec{{ID: 2, Target: t2}}))
	require.NoError(t, e.UnhookAll())

	assert.Empty(t, e.entries)
	assert.Empty(t, e.byID)
}

func TestEngine_EnableHook_TogglesDisabledBit(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	target := placeTargetFunction(mem)
	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: target}}))
	entry := e.byID[1]

	require.NoError(t, e.EnableHook(1, false))
	flags := entry.flagsWord(e.mem)
	assert.Equal(t, byte(0x01), flags[0])

	require.NoError(t, e.EnableHook(1, true))
	flags = entry.flagsWord(e.mem)
	assert.Equal(t, byte(0x00), flags[0])
}

func TestEngine_EnableHook_UnknownIDFails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	err := e.EnableHook(123, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_CheckOverwrittenHooks_FiresCallback(t *testing.T) {
	var reported []uint32
	e, mem, _ := newTestEngine(t, WithCallbacks(&Callbacks{
		OnHookOverwritten: func(ids []uint32) { reported = ids },
	}))
	target := placeTargetFunction(mem)
	require.NoError(t, e.Hook([]HookSpec{{ID: 5, Target: target}}))

	require.NoError(t, e.CheckOverwrittenHooks())
	assert.Empty(t, reported)

	require.NoError(t, mem.Write(target, []byte{0x90, 0x90, 0x90, 0x90, 0x90}))
	require.NoError(t, e.CheckOverwrittenHooks())
	assert.Equal(t, []uint32{5}, reported)
}

func TestEngine_QueryOverwrittenHooks(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	target := placeTargetFunction(mem)
	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: target}}))

	out := e.QueryOverwrittenHooks([]uint32{1, 999})
	assert.Equal(t, []byte{0, 0}, out)

	require.NoError(t, mem.Write(target, []byte{0x90, 0x90, 0x90, 0x90, 0x90}))
	out = e.QueryOverwrittenHooks([]uint32{1, 999})
	assert.Equal(t, []byte{1, 0}, out)
}

func TestEngine_DllUnloadUnhook_ReapsEntriesInsideModule(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	target := placeTargetFunction(mem)
	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: target}}))

	mod := ModuleRange{Base: target &^ 0xFFF, Size: 0x2000}
	e.DllUnloadUnhook(mod)

	_, ok := e.byID[1]
	assert.False(t, ok)
	assert.Empty(t, e.entries)
}

func TestEngine_DllUnloadUnhook_LeavesUnrelatedEntriesInstalled(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	target := placeTargetFunction(mem)
	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: target}}))

	mod := ModuleRange{Base: fakeMemBase + 10*1024*1024, Size: 0x1000}
	e.DllUnloadUnhook(mod)

	_, ok := e.byID[1]
	assert.True(t, ok, "a module range that does not contain the hooked address must not touch the entry")
}

func TestEngine_Hook_SkipsOverLeadingJumps(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	real := placeTargetFunction(mem)

	// A thunk: JMP rel32 straight to the real function.
	thunk := make([]byte, jmpRel32Size)
	thunkAddr, err := mem.reserveNear(0, false, len(thunk))
	require.NoError(t, err)
	encodeRel32Jump(thunk, 0, thunkAddr, real)
	require.NoError(t, mem.Write(thunkAddr, thunk))

	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: thunkAddr}}))
	entry := e.byID[1]
	assert.Equal(t, real, entry.HookedAddr, "hookedAddr should resolve past the thunk's leading jump")
	assert.Equal(t, thunkAddr, entry.OrigProc, "origProc must still record the address Hook was called with")
}

func TestEngine_Hook_DontSkipJumpsFlagHooksLiterally(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	real := placeTargetFunction(mem)

	thunk := make([]byte, 32)
	thunkAddr, err := mem.reserveNear(0, false, len(thunk))
	require.NoError(t, err)
	encodeRel32Jump(thunk, 0, thunkAddr, real)
	require.NoError(t, mem.Write(thunkAddr, thunk))

	require.NoError(t, e.Hook([]HookSpec{{ID: 1, Target: thunkAddr, Flags: FlagDontSkipJumps}}))
	entry := e.byID[1]
	assert.Equal(t, thunkAddr, entry.HookedAddr)
}
