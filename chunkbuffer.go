package vtbuffer

// ChunkBuffer is a restricted sub-buffer view over a single swap chunk,
// letting callers edit swapped-out rows without loading the whole chunk
// into the live window (spec §4.1 "Lifecycle", §9 design note). It
// decodes persisted rows into editable Row objects and, on Close, reports
// the diff the caller must apply back to the store and MetaIndex.
type ChunkBuffer struct {
	Slot  int
	Start Point
	rows  []*Row

	startNRows     int
	startNNewlines int

	empty bool
}

// NewChunkBuffer decodes persisted rows into a sandboxed, editable view.
func NewChunkBuffer(slot int, start Point, persisted []PersistRow, nRows, nNewlines, tabSize, visualMax int, tabToBlank bool) *ChunkBuffer {
	rows := make([]*Row, len(persisted))
	for i, p := range persisted {
		r := NewRow(tabSize, visualMax, tabToBlank)
		r.content = []rune(p.Content)
		r.end = p.End
		r.RowIndex = i
		rows[i] = r
	}
	return &ChunkBuffer{Slot: slot, Start: start, rows: rows, startNRows: nRows, startNNewlines: nNewlines}
}

// Rows returns the chunk's editable rows in order.
func (b *ChunkBuffer) Rows() []*Row { return b.rows }

// RowAt returns the row at i, or nil if out of range.
func (b *ChunkBuffer) RowAt(i int) *Row {
	if i < 0 || i >= len(b.rows) {
		return nil
	}
	return b.rows[i]
}

// NumRows reports how many rows remain in the chunk.
func (b *ChunkBuffer) NumRows() int { return len(b.rows) }

// RemoveRow deletes the row at i entirely. If this empties the chunk, the
// caller should garbage-collect the slot on Close (spec §3 "Chunks ...
// die when the last row of the chunk is removed").
func (b *ChunkBuffer) RemoveRow(i int) {
	if i < 0 || i >= len(b.rows) {
		return
	}
	b.rows = append(b.rows[:i], b.rows[i+1:]...)
	if len(b.rows) == 0 {
		b.empty = true
	}
}

// InsertRow inserts row at i.
func (b *ChunkBuffer) InsertRow(i int, row *Row) {
	if i < 0 {
		i = 0
	}
	if i > len(b.rows) {
		i = len(b.rows)
	}
	b.rows = append(b.rows, nil)
	copy(b.rows[i+1:], b.rows[i:])
	b.rows[i] = row
	b.empty = false
}

// IsEmpty reports whether the chunk has lost every row.
func (b *ChunkBuffer) IsEmpty() bool { return b.empty }

// ChunkBufferDiff is the result handed back to Swap/MetaIndex when a
// ChunkBuffer view closes.
type ChunkBufferDiff struct {
	Persisted []PersistRow
	NRows     int
	NNewlines int
	DRows     int
	DNewlines int
	Span      Span
	Empty     bool
}

// Close re-renders the chunk's rows into persisted form and computes the
// diff the caller must apply to the real store and MetaIndex (spec §4.4:
// "applies diffs back into the swap and MetaIndex on exit").
func (b *ChunkBuffer) Close() ChunkBufferDiff {
	persisted := make([]PersistRow, len(b.rows))
	nNewlines := 0
	dData, dContent := 0, 0
	for i, r := range b.rows {
		persisted[i] = PersistRow{Content: r.Content(), End: r.End()}
		if r.End().IsLineBreak() {
			nNewlines++
		}
		dData += r.ContentLen() + r.End().Width()
		dContent += r.ContentLen()
	}
	return ChunkBufferDiff{
		Persisted: persisted,
		NRows:     len(b.rows),
		NNewlines: nNewlines,
		DRows:     len(b.rows) - b.startNRows,
		DNewlines: nNewlines - b.startNNewlines,
		Span:      Span{DData: dData, DContent: dContent, DRow: len(b.rows), DLine: nNewlines},
		Empty:     b.empty,
	}
}
