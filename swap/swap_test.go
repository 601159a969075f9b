package swap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vt "github.com/srccircumflex/vtbuffer"
)

func newTestSwap(t *testing.T) *Swap {
	t.Helper()
	mi := vt.NewMetaIndex(vt.Point{})
	sw, err := New(Config{Path: filepath.Join(t.TempDir(), "swap.db"), TabSize: 4}, mi)
	require.NoError(t, err)
	t.Cleanup(func() { sw.Close() })
	return sw
}

func sampleRows(n int) []vt.PersistRow {
	rows := make([]vt.PersistRow, n)
	for i := range rows {
		rows[i] = vt.PersistRow{Content: "line", End: vt.EndHard}
	}
	return rows
}

func TestSwapPushPopTopRoundTrip(t *testing.T) {
	sw := newTestSwap(t)
	rows := sampleRows(3)

	entry, err := sw.PushTop(rows)
	require.NoError(t, err)
	assert.Equal(t, 3, entry.NRows)
	assert.Equal(t, 1, sw.TopLen())

	popped, poppedEntry, ok, err := sw.PopTop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rows, popped)
	assert.Equal(t, entry, poppedEntry)
	assert.Equal(t, 0, sw.TopLen())
}

func TestSwapPushPopBottomRoundTrip(t *testing.T) {
	sw := newTestSwap(t)
	rows := sampleRows(2)
	start := vt.Point{Data: 50, Content: 50, Row: 5, Line: 5}

	entry, err := sw.PushBottom(start, rows)
	require.NoError(t, err)
	assert.Equal(t, start, entry.Start)
	assert.Equal(t, 1, sw.BtmLen())

	popped, poppedEntry, ok, err := sw.PopBottom()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rows, popped)
	assert.Equal(t, entry, poppedEntry)
	assert.Equal(t, 0, sw.BtmLen())
}

func TestSwapPopEmptySideReportsNotOK(t *testing.T) {
	sw := newTestSwap(t)
	_, _, ok, err := sw.PopTop()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSwapPushPopRestoreSymmetryAcrossMultipleChunks(t *testing.T) {
	sw := newTestSwap(t)
	chunkA := sampleRows(2)
	chunkB := sampleRows(3)

	_, err := sw.PushTop(chunkA) // adjacent to window first
	require.NoError(t, err)
	_, err = sw.PushTop(chunkB) // pushed again, becomes adjacent; A moves further away
	require.NoError(t, err)

	rowsB, entryB, ok, err := sw.PopTop()
	require.NoError(t, err)
	require.True(t, ok)
	rowsA, entryA, ok, err := sw.PopTop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, sw.TopLen())

	// restore in reverse pop order
	_, err = sw.PushTop(rowsA)
	require.NoError(t, err)
	_, err = sw.PushTop(rowsB)
	require.NoError(t, err)

	assert.Equal(t, 2, sw.TopLen())
	assert.Equal(t, chunkA, rowsA)
	assert.Equal(t, chunkB, rowsB)
	assert.NotEqual(t, vt.MetaEntry{}, entryA)
	assert.NotEqual(t, vt.MetaEntry{}, entryB)
}

func TestSwapDemandFillsFromBothSides(t *testing.T) {
	sw := newTestSwap(t)
	_, err := sw.PushTop(sampleRows(5))
	require.NoError(t, err)
	_, err = sw.PushBottom(vt.Point{Data: 100}, sampleRows(5))
	require.NoError(t, err)

	res, err := sw.Demand(DemandParams{CursorRowIndex: 1, WindowLen: 2, RowsMax: 8, LoadDistance: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TopLoaded)
	assert.NotEmpty(t, res.BtmLoaded)
	require.NotNil(t, res.NewWindowStart)
}

func TestSwapPollLoadsOneChunkAtEdge(t *testing.T) {
	sw := newTestSwap(t)
	_, err := sw.PushTop(sampleRows(2))
	require.NoError(t, err)

	res, err := sw.Poll(0, 5)
	require.NoError(t, err)
	assert.Len(t, res.TopLoaded, 2)
	assert.Equal(t, 0, sw.TopLen())
}

func TestSwapCloneWithWindowIncludesLiveRows(t *testing.T) {
	sw := newTestSwap(t)
	_, err := sw.PushTop(sampleRows(2))
	require.NoError(t, err)

	destPath := filepath.Join(t.TempDir(), "clone.db")
	windowRows := sampleRows(1)
	clone, err := sw.CloneWithWindow(destPath, vt.Point{Data: 10}, windowRows)
	require.NoError(t, err)
	defer clone.Close()

	assert.Equal(t, 1, clone.TopLen())
	assert.Equal(t, 1, clone.BtmLen())
}

func TestSwapReopenRebuildsMetaIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.db")
	mi := vt.NewMetaIndex(vt.Point{})
	sw, err := New(Config{Path: path, TabSize: 4}, mi)
	require.NoError(t, err)
	_, err = sw.PushTop(sampleRows(2))
	require.NoError(t, err)
	_, err = sw.PushBottom(vt.Point{Data: 100}, sampleRows(3))
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	reopened, err := Reopen(Config{Path: path, TabSize: 4})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.TopLen())
	assert.Equal(t, 1, reopened.BtmLen())
}

func TestUniqueBackupPathIsCollisionFree(t *testing.T) {
	dir := t.TempDir()
	a := UniqueBackupPath(dir)
	b := UniqueBackupPath(dir)
	assert.NotEqual(t, a, b)
	assert.Equal(t, dir, filepath.Dir(a))
}
