package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vt "github.com/srccircumflex/vtbuffer"
)

func TestStoreOpenCreateNewRejectsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	first, err := Open(path, CreateNew)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	_, err = Open(path, CreateNew)
	var dbErr *vt.DatabaseFilesError
	assert.ErrorAs(t, err, &dbErr)
}

func TestStoreOpenExistingRejectsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, OpenExisting)
	var dbErr *vt.DatabaseFilesError
	assert.ErrorAs(t, err, &dbErr)
}

func TestStoreOpenOrCreateWorksBothWays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s1, err := Open(path, OpenOrCreate)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, OpenOrCreate)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), OpenOrCreate)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreInsertAndLoadItemsByIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	end := vt.EndHard
	item := HistoryItem{
		ID: 1, Order: 0, Type: TypeWrite, TypeVal: ValWrite,
		WorkRow: 2, Coord: []int{3, 9},
		Removed: []RemovedEntry{{Content: "ab", End: &end}},
	}
	require.NoError(t, s.InsertItem(item))

	got, err := s.LoadItemsByID(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, item.Type, got[0].Type)
	assert.Equal(t, item.TypeVal, got[0].TypeVal)
	assert.Equal(t, item.WorkRow, got[0].WorkRow)
	assert.Equal(t, item.Coord, got[0].Coord)
	require.Len(t, got[0].Removed, 1)
	assert.Equal(t, "ab", got[0].Removed[0].Content)
	require.NotNil(t, got[0].Removed[0].End)
	assert.Equal(t, vt.EndHard, *got[0].Removed[0].End)
}

func TestStoreLoadItemsByIDPreservesInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem(HistoryItem{ID: 5, Order: 1, Type: TypeRemove, TypeVal: ValDelete, Coord: []int{1}}))
	require.NoError(t, s.InsertItem(HistoryItem{ID: 5, Order: 0, Type: TypeRemove, TypeVal: ValDelete, Coord: []int{2}}))

	got, err := s.LoadItemsByID(5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Coord[0])
	assert.Equal(t, 2, got[1].Coord[0])
}

func TestStoreItemWithNilCoordAndRemovedRoundTrips(t *testing.T) {
	s := newTestStore(t)
	cursor := 7
	require.NoError(t, s.InsertItem(HistoryItem{ID: 1, Type: TypeCursor, TypeVal: ValPosition, Cursor: &cursor}))

	got, err := s.LoadItemsByID(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Coord)
	assert.Nil(t, got[0].Removed)
	require.NotNil(t, got[0].Cursor)
	assert.Equal(t, 7, *got[0].Cursor)
}

func TestStoreRestrictRemovedRoundTrips(t *testing.T) {
	s := newTestStore(t)
	rows := []vt.PersistRow{{Content: "x", End: vt.EndHard}, {Content: "y", End: vt.EndNone}}
	require.NoError(t, s.InsertItem(HistoryItem{ID: 1, Type: TypeRestrictRemovement, TypeVal: ValPosition, RestrictRemoved: rows}))

	got, err := s.LoadItemsByID(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rows, got[0].RestrictRemoved)
}

func TestStoreDeleteItemsByID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem(HistoryItem{ID: 1, Type: TypeCursor}))
	require.NoError(t, s.InsertItem(HistoryItem{ID: 2, Type: TypeCursor}))

	require.NoError(t, s.DeleteItemsByID(1))
	got, err := s.LoadItemsByID(1)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.LoadItemsByID(2)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStoreDeleteIDRange(t *testing.T) {
	s := newTestStore(t)
	for id := -2; id <= 2; id++ {
		require.NoError(t, s.InsertItem(HistoryItem{ID: id, Type: TypeCursor}))
	}
	require.NoError(t, s.DeleteIDRange(-2, -1))

	for id := -2; id <= -1; id++ {
		got, err := s.LoadItemsByID(id)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	for id := 0; id <= 2; id++ {
		got, err := s.LoadItemsByID(id)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}
}

func TestStoreRenumberShiftOnlyTouchesPositiveIDs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertItem(HistoryItem{ID: -1, Type: TypeCursor}))
	require.NoError(t, s.InsertItem(HistoryItem{ID: 3, Type: TypeCursor}))
	require.NoError(t, s.InsertItem(HistoryItem{ID: 5, Type: TypeCursor}))

	require.NoError(t, s.RenumberShift(2))

	got, err := s.LoadItemsByID(-1)
	require.NoError(t, err)
	assert.Len(t, got, 1, "negative ids are untouched by RenumberShift")

	got, err = s.LoadItemsByID(1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	got, err = s.LoadItemsByID(3)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStoreMaxPositiveIDAndMinNegativeID(t *testing.T) {
	s := newTestStore(t)
	max, err := s.MaxPositiveID()
	require.NoError(t, err)
	assert.Equal(t, 0, max)
	min, err := s.MinNegativeID()
	require.NoError(t, err)
	assert.Equal(t, 0, min)

	require.NoError(t, s.InsertItem(HistoryItem{ID: 4, Type: TypeCursor}))
	require.NoError(t, s.InsertItem(HistoryItem{ID: 2, Type: TypeCursor}))
	require.NoError(t, s.InsertItem(HistoryItem{ID: -3, Type: TypeCursor}))
	require.NoError(t, s.InsertItem(HistoryItem{ID: -1, Type: TypeCursor}))

	max, err = s.MaxPositiveID()
	require.NoError(t, err)
	assert.Equal(t, 4, max)
	min, err = s.MinNegativeID()
	require.NoError(t, err)
	assert.Equal(t, -3, min)
}

func TestStoreBranchItemsRoundTripAndDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBranchItem(1, HistoryItem{ID: -1, Type: TypeRemove, Coord: []int{0}}))
	require.NoError(t, s.InsertBranchItem(1, HistoryItem{ID: 0, Type: TypeBranchMetadata}))
	require.NoError(t, s.InsertBranchItem(2, HistoryItem{ID: -1, Type: TypeRemove, Coord: []int{9}}))

	got, err := s.LoadBranchItems(1)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, s.DeleteBranchFork(1))
	got, err = s.LoadBranchItems(1)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.LoadBranchItems(2)
	require.NoError(t, err)
	assert.Len(t, got, 1, "deleting fork 1 must not touch fork 2")
}

func TestStoreSaveAndLoadMetas(t *testing.T) {
	s := newTestStore(t)
	undoID, forkID, err := s.LoadMetas()
	require.NoError(t, err)
	assert.Equal(t, 0, undoID)
	assert.Equal(t, 0, forkID)

	require.NoError(t, s.SaveMetas(7, 2))
	undoID, forkID, err = s.LoadMetas()
	require.NoError(t, err)
	assert.Equal(t, 7, undoID)
	assert.Equal(t, 2, forkID)

	require.NoError(t, s.SaveMetas(9, 3))
	undoID, forkID, err = s.LoadMetas()
	require.NoError(t, err)
	assert.Equal(t, 9, undoID)
	assert.Equal(t, 3, forkID)
}

func TestStoreCloneIntoCopiesAllTables(t *testing.T) {
	src := newTestStore(t)
	require.NoError(t, src.InsertItem(HistoryItem{ID: 1, Type: TypeWrite, TypeVal: ValWrite, Coord: []int{0, 2}}))
	require.NoError(t, src.InsertBranchItem(1, HistoryItem{ID: -1, Type: TypeRemove, Coord: []int{0}}))
	require.NoError(t, src.SaveMetas(1, 1))

	dest := newTestStore(t)
	require.NoError(t, src.CloneInto(dest))

	items, err := dest.LoadItemsByID(1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []int{0, 2}, items[0].Coord)

	branch, err := dest.LoadBranchItems(1)
	require.NoError(t, err)
	require.Len(t, branch, 1)

	undoID, forkID, err := dest.LoadMetas()
	require.NoError(t, err)
	assert.Equal(t, 1, undoID)
	assert.Equal(t, 1, forkID)
}
