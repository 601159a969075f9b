package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vt "github.com/srccircumflex/vtbuffer"
)

// fakeHost is a minimal in-memory HistoryHost: one string buffer, enough to
// exercise RemoveSpan/ReinsertRemoved/SetCursor/RestoreMarks round trips
// without a real TextBuffer.
type fakeHost struct {
	text   []rune
	cursor int
	marks  []int

	restrictRemoved [][]vt.PersistRow
}

func (f *fakeHost) RemoveSpan(from, to int) ([]RemovedEntry, error) {
	removed := string(f.text[from:to])
	f.text = append(f.text[:from], f.text[to:]...)
	return []RemovedEntry{{Content: removed}}, nil
}

func (f *fakeHost) ReinsertRemoved(at int, removed []RemovedEntry) error {
	var ins []rune
	for _, r := range removed {
		ins = append(ins, []rune(r.Content)...)
	}
	out := append([]rune{}, f.text[:at]...)
	out = append(out, ins...)
	out = append(out, f.text[at:]...)
	f.text = out
	return nil
}

func (f *fakeHost) RestoreMarks(coord []int, cursor *int) ([]int, *int, error) {
	prev := f.marks
	f.marks = coord
	prevCursor := f.cursor
	return prev, &prevCursor, nil
}

func (f *fakeHost) SetCursor(dataPos int) (int, error) {
	prev := f.cursor
	f.cursor = dataPos
	return prev, nil
}

func (f *fakeHost) AppendRestrictRemoved(rows []vt.PersistRow) error {
	f.restrictRemoved = append(f.restrictRemoved, rows)
	return nil
}

func newTestHistory(t *testing.T, host HistoryHost) (*LocalHistory, *Store) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), OpenOrCreate)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h, err := New(store, host, Config{MaximalItems: 0, Chunk: 0})
	require.NoError(t, err)
	return h, store
}

func TestLocalHistoryWriteThenUndo(t *testing.T) {
	host := &fakeHost{text: []rune("")}
	h, _ := newTestHistory(t, host)

	host.text = []rune("hello")
	require.NoError(t, h.RecordWrite(0, 0, 5, nil, false))
	require.NoError(t, h.dumpHeld())
	assert.Equal(t, 1, h.ProgressID())

	require.NoError(t, h.Undo())
	assert.Equal(t, "", string(host.text))
	assert.Equal(t, 0, h.ProgressID())
}

func TestLocalHistoryUndoThenRedo(t *testing.T) {
	host := &fakeHost{text: []rune("")}
	h, _ := newTestHistory(t, host)

	host.text = []rune("abc")
	require.NoError(t, h.RecordWrite(0, 0, 3, nil, false))
	require.NoError(t, h.dumpHeld())

	require.NoError(t, h.Undo())
	assert.Equal(t, "", string(host.text))

	require.NoError(t, h.Redo())
	assert.Equal(t, "abc", string(host.text))
	assert.Equal(t, 1, h.ProgressID())
}

func TestLocalHistoryRecordRemoveCoalescesBackspace(t *testing.T) {
	host := &fakeHost{text: []rune("abc")}
	h, store := newTestHistory(t, host)

	// two consecutive backspaces at a receding position coalesce into a
	// single held item rather than two separate log rows.
	require.NoError(t, h.RecordRemove(0, 2, RemovedEntry{Content: "c"}, true))
	require.NoError(t, h.RecordRemove(0, 1, RemovedEntry{Content: "b"}, true))
	require.NoError(t, h.dumpHeld())

	items, err := store.LoadItemsByID(1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Len(t, items[0].Removed, 2)
}

func TestLocalHistoryRecordRemoveDoesNotCoalesceAcrossDifferentRows(t *testing.T) {
	host := &fakeHost{text: []rune("ab")}
	h, store := newTestHistory(t, host)

	// a different WorkRow breaks contiguity, so each call dumps under its
	// own chronological id instead of merging into one held item.
	require.NoError(t, h.RecordRemove(0, 1, RemovedEntry{Content: "b"}, true))
	require.NoError(t, h.RecordRemove(1, 0, RemovedEntry{Content: "x"}, true))
	require.NoError(t, h.dumpHeld())

	assert.Equal(t, 2, h.ProgressID())
	first, err := store.LoadItemsByID(1)
	require.NoError(t, err)
	assert.Len(t, first, 1)
	second, err := store.LoadItemsByID(2)
	require.NoError(t, err)
	assert.Len(t, second, 1)
}

func TestLocalHistoryUndoLockBlocksFurtherRecording(t *testing.T) {
	host := &fakeHost{text: []rune("x")}
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), OpenOrCreate)
	require.NoError(t, err)
	defer store.Close()
	h, err := New(store, host, Config{UndoLockEnabled: true})
	require.NoError(t, err)

	require.NoError(t, h.RecordWrite(0, 0, 1, nil, false))
	require.NoError(t, h.dumpHeld())
	require.NoError(t, h.Undo())
	assert.True(t, h.Locked())

	err = h.RecordWrite(0, 0, 1, nil, false)
	assert.ErrorIs(t, err, ErrUndoLocked)

	require.NoError(t, h.LockRelease())
	assert.False(t, h.Locked())
}

func TestLocalHistoryFlushRedoOnWriteDiscardsRedoWithoutBranchFork(t *testing.T) {
	host := &fakeHost{text: []rune("")}
	h, store := newTestHistory(t, host)

	host.text = []rune("a")
	require.NoError(t, h.RecordWrite(0, 0, 1, nil, false))
	require.NoError(t, h.dumpHeld())
	require.NoError(t, h.Undo())

	lo, err := store.MinNegativeID()
	require.NoError(t, err)
	assert.NotEqual(t, 0, lo, "undo should have parked a redo item at a negative id")

	host.text = []rune("b")
	require.NoError(t, h.RecordWrite(0, 0, 1, nil, false))
	require.NoError(t, h.dumpHeld())

	lo, err = store.MinNegativeID()
	require.NoError(t, err)
	assert.Equal(t, 0, lo, "a forward write must flush the stale redo tail")
}

func TestLocalHistoryBranchForkConsumesParkedFork(t *testing.T) {
	host := &fakeHost{text: []rune("")}
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), OpenOrCreate)
	require.NoError(t, err)
	defer store.Close()
	h, err := New(store, host, Config{BranchForkEnabled: true})
	require.NoError(t, err)

	host.text = []rune("a")
	require.NoError(t, h.RecordWrite(0, 0, 1, nil, false))
	require.NoError(t, h.dumpHeld())
	require.NoError(t, h.Undo())
	assert.Equal(t, "", string(host.text))

	// a second, different forward write flushes "a"'s redo tail into a fork
	// instead of discarding it outright.
	host.text = []rune("z")
	require.NoError(t, h.RecordWrite(0, 0, 1, nil, false))
	require.NoError(t, h.dumpHeld())
	assert.Equal(t, "z", string(host.text))

	// one fork is available; consuming it leaves none behind.
	require.NoError(t, h.BranchFork(0))
	err = h.BranchFork(0)
	assert.ErrorIs(t, err, ErrNothingToForkTo)
}

func TestLocalHistoryBranchForkErrorsWhenNothingParked(t *testing.T) {
	host := &fakeHost{}
	h, _ := newTestHistory(t, host)
	err := h.BranchFork(0)
	assert.ErrorIs(t, err, ErrNothingToForkTo)
}

func TestLocalHistoryMaximalItemsTrim(t *testing.T) {
	host := &fakeHost{text: []rune("")}
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), OpenOrCreate)
	require.NoError(t, err)
	defer store.Close()
	h, err := New(store, host, Config{MaximalItems: 2, Chunk: 1})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		host.text = append(host.text, 'x')
		require.NoError(t, h.RecordWrite(0, i, i+1, nil, false))
		require.NoError(t, h.dumpHeld())
	}
	before := h.ProgressID()
	var dropped int
	require.NoError(t, h.MaximalItemsTrim(func(d int) error { dropped = d; return nil }))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, before-1, h.ProgressID())
}

func TestLocalHistoryUniteCoalescesMultipleRecordsUnderOneID(t *testing.T) {
	host := &fakeHost{text: []rune("ab")}
	h, store := newTestHistory(t, host)

	done := h.Unite()
	require.NoError(t, h.RecordRemove(0, 1, RemovedEntry{Content: "b"}, true))
	require.NoError(t, h.RecordCursor(5))
	done()

	items, err := store.LoadItemsByID(1)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 1, h.ProgressID())
}
