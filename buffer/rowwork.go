package buffer

import (
	"sort"

	"github.com/srccircumflex/vtbuffer/history"

	vt "github.com/srccircumflex/vtbuffer"
)

// resolveCoord maps one rowwork coordinate (in the space named by ct) onto
// a live-window row index plus an in-row offset (spec §4.6 "parse coords
// ... into per-chunk catalogs"). Per ChunkIter's own design note there is no
// chunk-spanning here: a coordinate outside the live window simply fails to
// resolve.
func (b *TextBuffer) resolveCoord(ct vt.CoordType, coord int) (rowIndex, offset int, ok bool) {
	switch ct {
	case vt.CoordRow:
		if coord < 0 || coord >= len(b.rows) {
			return 0, 0, false
		}
		return coord, 0, true
	case vt.CoordLine:
		for i, r := range b.rows {
			if r.LineNum == coord {
				return i, 0, true
			}
		}
		return 0, 0, false
	case vt.CoordContent:
		for i, r := range b.rows {
			if coord >= r.ContentStart && coord <= r.ContentStart+r.ContentLen() {
				return i, coord - r.ContentStart, true
			}
		}
		return 0, 0, false
	default: // vt.CoordData
		for i, r := range b.rows {
			rowEnd := r.DataStart + r.ContentLen() + r.End().Width()
			if coord >= r.DataStart && coord < rowEnd {
				return i, coord - r.DataStart, true
			}
			if i == len(b.rows)-1 && coord == rowEnd {
				return i, r.ContentLen(), true
			}
		}
		return 0, 0, false
	}
}

// rowWorker edits the row at a resolved coordinate and reports the change
// as a WriteItem (row-local content offsets), or nil to skip the coordinate.
type rowWorker func(row *vt.Row, coord, offset int) *vt.WriteItem

// rowWorkResult pairs a resolved target with the WriteItem its worker
// produced.
type rowWorkResult struct {
	RowIndex int
	Item     *vt.WriteItem
}

type rowWorkVisitor struct {
	worker rowWorker
}

func (v rowWorkVisitor) CoordEnter(row *vt.Row, rowOffset int, coord int) *vt.WriteItem {
	return v.worker(row, coord, rowOffset)
}

// rowWork is the batch row editor behind shift_rows/tab_replace/remove
// (spec §4.6 "rowwork(coords, coord_type, worker, goto, unique_rows)"). It
// resolves coords against the live window, sorts them descending ("coords
// reversed + s order" -- so a worker's row-count-changing edit never
// invalidates a not-yet-processed coordinate's row index), and drives them
// through a shadow-mode ChunkIter.
func (b *TextBuffer) rowWork(coords []int, coordType vt.CoordType, worker rowWorker, uniqueRows bool) []rowWorkResult {
	sorted := append([]int(nil), coords...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	var resolved []vt.ResolvedCoord
	seenRow := map[int]bool{}
	for _, c := range sorted {
		ri, off, ok := b.resolveCoord(coordType, c)
		if !ok {
			continue
		}
		if uniqueRows {
			if seenRow[ri] {
				continue
			}
			seenRow[ri] = true
		}
		resolved = append(resolved, vt.ResolvedCoord{Coord: c, RowIndex: ri, Offset: off})
	}
	if len(resolved) == 0 {
		return nil
	}

	it := vt.NewChunkIter(vt.IterShadow, b.mi)
	items := it.Run(b.rows, resolved, rowWorkVisitor{worker: worker})
	it.Close()

	out := make([]rowWorkResult, len(resolved))
	for i, rc := range resolved {
		out[i] = rowWorkResult{RowIndex: rc.RowIndex, Item: items[i]}
	}
	return out
}

func entryOf(content string, hadEnd bool, end vt.RowEnd) history.RemovedEntry {
	var ep *vt.RowEnd
	if hadEnd {
		ep = &end
	}
	return history.RemovedEntry{Content: content, End: ep}
}

func minNeg(a, b int) int {
	if a < 0 {
		return a
	}
	return b
}

func maxI(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minI(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ShiftRows indents or outdents the rows at the given row indices
// (relative to the live window); a thin wrapper over rowWork (spec §4.6).
func (b *TextBuffer) ShiftRows(rowIndices []int, back bool) error {
	if err := b.checkLock(); err != nil {
		return err
	}
	b.marker.ResolveConflicts(vt.OpShift, 0, 0)

	worker := func(row *vt.Row, coord, offset int) *vt.WriteItem {
		row.Shift(back)
		return &vt.WriteItem{RowIndex: row.RowIndex}
	}
	results := b.rowWork(rowIndices, vt.CoordRow, worker, true)
	b.reindex(0)
	pos := b.data()

	if b.hist != nil && len(results) > 0 {
		undo := b.hist.Unite()
		for _, res := range results {
			if res.Item == nil {
				continue
			}
			row := b.rows[res.RowIndex]
			if err := b.hist.RecordWrite(res.RowIndex, row.DataStart, row.DataStart, nil, false); err != nil {
				undo()
				return err
			}
		}
		undo()
	}
	return b.finishOp(0, nil, pos)
}

// TabReplace expands TAB bytes in [start, stop) (data coordinates,
// restricted to the live window) to toChar; a thin wrapper over rowWork.
func (b *TextBuffer) TabReplace(start, stop int, toChar rune) error {
	if err := b.checkLock(); err != nil {
		return err
	}
	b.marker.ResolveConflicts(vt.OpTabReplace, start, stop)

	var rowIdxs []int
	for _, r := range b.rows {
		rowEnd := r.DataStart + r.ContentLen()
		if rowEnd <= start || r.DataStart >= stop {
			continue
		}
		rowIdxs = append(rowIdxs, r.RowIndex)
	}

	worker := func(row *vt.Row, coord, offset int) *vt.WriteItem {
		rowStart := row.DataStart
		item := row.ReplaceTabs(maxI(0, start-rowStart), minI(row.ContentLen(), stop-rowStart), toChar)
		item.RowIndex = row.RowIndex
		return &item
	}
	b.rowWork(rowIdxs, vt.CoordRow, worker, true)

	b.reindex(0)
	pos := b.data()
	return b.finishOp(0, nil, pos)
}

// Remove deletes the data range [start, stop); a thin wrapper over
// rowWork, merging the head and tail of a multi-row span into one row
// (spec §4.6 "remove").
func (b *TextBuffer) Remove(start, stop int) error {
	if err := b.checkLock(); err != nil {
		return err
	}
	if start < 0 || stop < 0 {
		return &vt.CursorNegativeIndexingError{Value: minNeg(start, stop)}
	}
	if stop <= start {
		return nil
	}
	b.glob.WillChange(start)
	b.marker.ResolveConflicts(vt.OpRemove, start, stop)

	if err := b.GotoData(start); err != nil {
		return err
	}
	startRow := b.cursorRow

	var rowIdxs []int
	for _, r := range b.rows {
		rowDataEnd := r.DataStart + r.ContentLen() + r.End().Width()
		if rowDataEnd <= start || r.DataStart >= stop {
			continue
		}
		rowIdxs = append(rowIdxs, r.RowIndex)
	}
	if len(rowIdxs) == 0 {
		return nil
	}
	lastRow := rowIdxs[len(rowIdxs)-1]

	var removed []history.RemovedEntry
	var tailContent string
	var tailEnd vt.RowEnd
	var tailHadEnd bool

	worker := func(row *vt.Row, coord, offset int) *vt.WriteItem {
		rowStart := row.DataStart
		from := 0
		if row.RowIndex == startRow {
			from = start - rowStart
		}
		at := stop - rowStart
		item := &vt.WriteItem{RowIndex: row.RowIndex, HasRemoved: true}
		if row.RowIndex == lastRow && at <= row.ContentLen() {
			content, hadEnd, end := row.RemoveArea(from, &at, false)
			removed = append([]history.RemovedEntry{entryOf(content, hadEnd, end)}, removed...)
			if row.RowIndex != startRow {
				tailContent, tailEnd, tailHadEnd = row.Content(), row.End(), true
			}
			item.Start, item.End = from, at
			return item
		}
		content, hadEnd, end := row.RemoveArea(from, nil, true)
		removed = append([]history.RemovedEntry{entryOf(content, hadEnd, end)}, removed...)
		item.Start, item.End = from, row.ContentLen()
		return item
	}

	b.rowWork(rowIdxs, vt.CoordRow, worker, false)

	if startRow != lastRow {
		head := b.rows[startRow]
		if tailHadEnd {
			head.Cursor().PlaceContent(head.ContentLen())
			head.WriteLine(tailContent, vt.SubAppend)
			head.SetEnd(tailEnd)
		}
		b.rows = append(b.rows[:startRow+1], b.rows[lastRow+1:]...)
	}

	b.reindex(startRow)
	b.ensureTrailingRow()
	b.reindex(startRow)

	if b.hist != nil {
		if err := b.hist.RecordRemoveRange(startRow, start, removed); err != nil {
			return err
		}
	}
	return b.finishOp(start-stop, &vt.DataRange{Start: start, End: stop, HasEnd: true}, start)
}
