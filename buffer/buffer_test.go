package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srccircumflex/vtbuffer/swap"

	vt "github.com/srccircumflex/vtbuffer"
)

// newRestrictiveBuffer builds a TextBuffer in the RESTRICTIVE morph, which
// needs neither ChunkSize nor SwapPath, for tests that only care about the
// row/cursor/history protocol.
func newRestrictiveBuffer(t *testing.T, cfg Config) *TextBuffer {
	t.Helper()
	cfg.TrimMorph = swap.MorphRestrictive
	if cfg.RowsMax == 0 {
		cfg.RowsMax = 1000
	}
	if cfg.TabSize == 0 {
		cfg.TabSize = 4
	}
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNewTextBufferStartsWithOneEmptyRow(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.Len(t, b.Rows(), 1)
	assert.Equal(t, "", b.Rows()[0].Content())
	assert.Equal(t, 0, b.CursorRow())
}

func TestTextBufferWriteAppendsAndAdvancesCursor(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("hello", vt.SubAppend, false, false, true))

	require.Len(t, b.Rows(), 1)
	assert.Equal(t, "hello", b.Rows()[0].Content())
	assert.Equal(t, 0, b.CursorRow())
	assert.Equal(t, 5, b.Rows()[b.CursorRow()].Cursor().Content())
}

func TestTextBufferWriteSplitsOverflowIntoNewRows(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("a\nb", vt.SubAppend, false, false, true))

	rows := b.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Content())
	assert.Equal(t, vt.EndHard, rows[0].End())
	assert.Equal(t, "b", rows[1].Content())
	assert.Equal(t, vt.EndNone, rows[1].End())

	// the cursor lands right after the first line, not at the tail of the
	// written text.
	assert.Equal(t, 0, b.CursorRow())
	assert.Equal(t, 1, rows[0].Cursor().Content())
}

func TestTextBufferWriteTrailingNewlineAddsBlankRow(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("a\nb\nc\n", vt.SubAppend, false, false, true))

	rows := b.Rows()
	require.Len(t, rows, 4)
	assert.Equal(t, "a", rows[0].Content())
	assert.Equal(t, "b", rows[1].Content())
	assert.Equal(t, "c", rows[2].Content())
	assert.Equal(t, "", rows[3].Content())
	for _, r := range rows[:3] {
		assert.Equal(t, vt.EndHard, r.End())
	}
	assert.Equal(t, vt.EndNone, rows[3].End())
}

func TestTextBufferBackspaceJoinsRows(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("a\nb", vt.SubAppend, false, false, true))
	require.NoError(t, b.GotoData(2)) // start of row "b"
	require.Equal(t, 1, b.CursorRow())

	require.NoError(t, b.Backspace())

	rows := b.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "ab", rows[0].Content())
	assert.Equal(t, vt.EndNone, rows[0].End())
	assert.Equal(t, 0, b.CursorRow())
	assert.Equal(t, 1, rows[0].Cursor().Content())
}

func TestTextBufferDeleteAtEndJoinsNextRow(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("a\nb", vt.SubAppend, false, false, true))
	require.NoError(t, b.GotoData(1)) // end of row "a"
	require.Equal(t, 0, b.CursorRow())

	require.NoError(t, b.Delete())

	rows := b.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "ab", rows[0].Content())
	assert.Equal(t, vt.EndNone, rows[0].End())
	assert.Equal(t, 1, rows[0].Cursor().Content())
}

func TestTextBufferRemoveRange(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("abcdef", vt.SubAppend, false, false, true))

	require.NoError(t, b.Remove(1, 4))

	rows := b.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "aef", rows[0].Content())
	assert.Equal(t, 1, rows[0].Cursor().Content())
}

func TestTextBufferGotoRowAndGotoLine(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("a\nb\nc\n", vt.SubAppend, false, false, true))

	require.NoError(t, b.GotoRow(2))
	assert.Equal(t, 2, b.CursorRow())
	assert.Equal(t, "c", b.Rows()[b.CursorRow()].Content())

	require.NoError(t, b.GotoLine(1))
	assert.Equal(t, 1, b.CursorRow())
	assert.Equal(t, "b", b.Rows()[b.CursorRow()].Content())
}

func TestTextBufferShiftRowsIndentsAndUnindents(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{TabToBlank: true})
	require.NoError(t, b.Write("foo", vt.SubAppend, false, false, true))

	require.NoError(t, b.ShiftRows([]int{0}, false))
	assert.Equal(t, "    foo", b.Rows()[0].Content())

	require.NoError(t, b.ShiftRows([]int{0}, true))
	assert.Equal(t, "foo", b.Rows()[0].Content())
}

func TestTextBufferTabReplace(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("a\tb", vt.SubAppend, false, false, true))

	require.NoError(t, b.TabReplace(0, 3, 'X'))
	assert.Equal(t, "aXb", b.Rows()[0].Content())
}

func TestTextBufferFindInWindow(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("hello world", vt.SubAppend, false, false, true))

	results, err := b.Find("world", EndMatchNone, false, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 6, results[0].DataPos)
	assert.Equal(t, "world", results[0].Match)
}

func TestTextBufferWriteSubLineConsumesFollowingRow(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("alpha\nbeta\ngamma", vt.SubAppend, false, false, true))
	require.NoError(t, b.GotoData(3)) // inside "alpha"

	require.NoError(t, b.Write("X\nY\nZ", vt.SubLine, false, false, true))

	rows := b.Rows()
	require.Len(t, rows, 4)
	assert.Equal(t, "alpX", rows[0].Content())
	assert.Equal(t, vt.EndHard, rows[0].End())
	assert.Equal(t, "Y", rows[1].Content())
	assert.Equal(t, "Z", rows[2].Content())
	assert.Equal(t, "gamma", rows[3].Content())
	assert.Equal(t, 11, b.data())
}

func TestTextBufferFindRespectsEndMatch(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	require.NoError(t, b.Write("food\nfool\n", vt.SubAppend, false, false, true))

	all, err := b.Find("foo.", EndMatchNone, true, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	onlyAtRowEnd, err := b.Find("foo.", EndMatchAnyRowEnd, true, false)
	require.NoError(t, err)
	require.Len(t, onlyAtRowEnd, 2)
}

func TestTextBufferUndoRedoRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	b := newRestrictiveBuffer(t, Config{HistoryPath: filepath.Join(tmp, "hist.db")})

	require.NoError(t, b.Write("ab", vt.SubAppend, false, false, true))
	assert.Equal(t, "ab", b.Rows()[0].Content())

	require.NoError(t, b.Undo())
	assert.Equal(t, "", b.Rows()[0].Content())

	require.NoError(t, b.Redo())
	assert.Equal(t, "ab", b.Rows()[0].Content())
}

func TestTextBufferLockReleaseAfterUndo(t *testing.T) {
	tmp := t.TempDir()
	b := newRestrictiveBuffer(t, Config{
		HistoryPath:     filepath.Join(tmp, "hist.db"),
		UndoLockEnabled: true,
	})

	require.NoError(t, b.Write("x", vt.SubAppend, false, false, true))
	require.NoError(t, b.Undo())
	require.NoError(t, b.LockRelease())

	require.NoError(t, b.Write("y", vt.SubAppend, false, false, true))
}

func TestTextBufferBranchForkRequiresConfiguredHistory(t *testing.T) {
	b := newRestrictiveBuffer(t, Config{})
	err := b.BranchFork(0)
	var cfgErr *vt.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestTextBufferResizeRejectsUndersizedRowsMax(t *testing.T) {
	tmp := t.TempDir()
	cfg := Config{
		TrimMorph: swap.MorphSwap,
		RowsMax:   10,
		ChunkSize: 2,
		TabSize:   4,
		SwapPath:  filepath.Join(tmp, "swap.db"),
	}
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Close()

	err = b.Resize(3, 2)
	var cfgErr *vt.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestTextBufferResizeTriggersTrimIntoSwap(t *testing.T) {
	tmp := t.TempDir()
	cfg := Config{
		TrimMorph: swap.MorphSwap,
		RowsMax:   100,
		ChunkSize: 10,
		TabSize:   4,
		SwapPath:  filepath.Join(tmp, "swap.db"),
	}
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Close()

	s := "l0\nl1\nl2\nl3\nl4\nl5\nl6\nl7\nl8\nl9\nl10\nl11"
	require.NoError(t, b.Write(s, vt.SubAppend, false, false, true))
	before := len(b.Rows())
	require.Greater(t, before, 5)

	require.NoError(t, b.Resize(4, 2))

	assert.Less(t, len(b.Rows()), before)
	assert.Greater(t, b.sw.TopLen()+b.sw.BtmLen(), 0)
}

func TestTextBufferExportBufferDB(t *testing.T) {
	tmp := t.TempDir()
	cfg := Config{
		TrimMorph: swap.MorphSwap,
		RowsMax:   10,
		ChunkSize: 2,
		TabSize:   4,
		SwapPath:  filepath.Join(tmp, "swap.db"),
	}
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Write("a\nb\nc", vt.SubAppend, false, false, true))

	destPath := filepath.Join(tmp, "export.db")
	require.NoError(t, b.ExportBufferDB(destPath))
}

func TestTextBufferCloseIsIdempotentSafe(t *testing.T) {
	tmp := t.TempDir()
	cfg := Config{
		TrimMorph:   swap.MorphRestrictive,
		RowsMax:     10,
		TabSize:     4,
		HistoryPath: filepath.Join(tmp, "hist.db"),
	}
	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Close())
}
