package hinako

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstalledEntry(t *testing.T, mem *fakeMemory, id uint32, modified []byte) *HookEntry {
	t.Helper()
	addr := mem.place(append([]byte(nil), modified...))
	return &HookEntry{ID: id, HookedAddr: addr, ModifiedStub: modified}
}

func TestOverwriteDetector_Check_ReportsOnce(t *testing.T) {
	mem := newFakeMemory()
	det := NewOverwriteDetector(mem, nil)

	modified := []byte{0xE9, 0x01, 0x02, 0x03, 0x04}
	e := newInstalledEntry(t, mem, 1, modified)

	// Unchanged: nothing reported.
	assert.Empty(t, det.Check([]*HookEntry{e}))

	// A third party stomps the live bytes.
	require.NoError(t, mem.Write(e.HookedAddr, []byte{0x90, 0x90, 0x90, 0x90, 0x90}))
	changed := det.Check([]*HookEntry{e})
	assert.Equal(t, []uint32{1}, changed)

	// The latch means a second Check call stays silent even though the
	// bytes are still different.
	assert.Empty(t, det.Check([]*HookEntry{e}))
}

func TestOverwriteDetector_Check_SkipsHighBitIDs(t *testing.T) {
	mem := newFakeMemory()
	det := NewOverwriteDetector(mem, nil)

	modified := []byte{0xE9, 0x01, 0x02, 0x03, 0x04}
	e := newInstalledEntry(t, mem, 0x80000001, modified)
	require.NoError(t, mem.Write(e.HookedAddr, []byte{0x90, 0x90, 0x90, 0x90, 0x90}))

	assert.Empty(t, det.Check([]*HookEntry{e}))
}

func TestOverwriteDetector_Query_IgnoresLatch(t *testing.T) {
	mem := newFakeMemory()
	det := NewOverwriteDetector(mem, nil)

	modified := []byte{0xE9, 0x01, 0x02, 0x03, 0x04}
	e := newInstalledEntry(t, mem, 7, modified)
	require.NoError(t, mem.Write(e.HookedAddr, []byte{0x90, 0x90, 0x90, 0x90, 0x90}))

	det.Check([]*HookEntry{e}) // latches the already-reported flag
	result := det.Query([]*HookEntry{e})
	assert.True(t, result[7], "Query must report live drift regardless of the Check latch")
}

func TestOverwriteDetector_Differs_ReadFaultTreatedAsUnchanged(t *testing.T) {
	mem := newFakeMemory()
	det := NewOverwriteDetector(mem, nil)

	e := &HookEntry{ID: 9, HookedAddr: fakeMemBase + uintptr(len(mem.buf)), ModifiedStub: []byte{0xE9, 0, 0, 0, 0}}
	assert.Empty(t, det.Check([]*HookEntry{e}))
}
