// Package buffer implements TextBuffer, the top-level facade from spec
// §4.6: cursor navigation, the mutating operations, and orchestration of
// Row/MetaIndex/ChunkIter (root package), Swap/Trimmer (swap package) and
// LocalHistory (history package) under one consistent protocol per public
// call (§4.6 "Every mutating API follows the same protocol").
package buffer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"github.com/srccircumflex/vtbuffer/history"
	"github.com/srccircumflex/vtbuffer/swap"

	vt "github.com/srccircumflex/vtbuffer"
)

type noopMarker struct{}

func (noopMarker) ResolveConflicts(vt.OpClass, int, int)   {}
func (noopMarker) Adjust(int, int, *vt.DataRange)          {}
func (noopMarker) Snapshot() []vt.MarkRange                { return nil }
func (noopMarker) Restore([]vt.MarkRange)                  {}

type noopGlobCursor struct{}

func (noopGlobCursor) WillChange(int)              {}
func (noopGlobCursor) Adjust(int, int, *vt.DataRange) {}

func sugared(l *zap.Logger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Config configures a TextBuffer.
type Config struct {
	TabSize    int
	VisualMax  int
	TabToBlank bool

	TrimMorph      swap.TrimMorph
	RowsMax        int
	ChunkSize      int
	KeepTopRowSize bool
	LastRowMaxsize int // MorphRestrictive only
	SwapPath       string
	LoadDistance   int

	HistoryPath       string
	UndoLockEnabled   bool
	BranchForkEnabled bool
	MaximalItems      int
	HistoryChunk      int

	Marker     vt.MarkerIF
	GlobCursor vt.GlobCursorIF

	OnChunkLoad func(vt.ChunkLoad)

	Logger *zap.Logger
}

// TextBuffer is the facade orchestrating every other component (spec
// §4.6). It owns the live row window; Swap/Trimmer/LocalHistory hold only
// non-owning references back into it through narrow interfaces
// (HistoryHost, DumpFunc), per spec §9's cyclic-reference design note.
type TextBuffer struct {
	cfg Config

	rows []*vt.Row
	mi   *vt.MetaIndex

	sw      *swap.Swap
	trimmer *swap.Trimmer

	hist      *history.LocalHistory
	histStore *history.Store

	marker vt.MarkerIF
	glob   vt.GlobCursorIF

	eof *vt.EofMetas

	cursorRow int

	log *zap.SugaredLogger
}

// New constructs a fresh TextBuffer: one empty row, no swapped chunks, a
// history log starting at progress 0.
func New(cfg Config) (*TextBuffer, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	b := &TextBuffer{
		cfg:    cfg,
		mi:     vt.NewMetaIndex(vt.Point{}),
		marker: orNoopMarker(cfg.Marker),
		glob:   orNoopGlobCursor(cfg.GlobCursor),
		log:    sugared(cfg.Logger),
	}
	if err := b.wireTrimmer(); err != nil {
		return nil, err
	}
	if err := b.wireHistory(); err != nil {
		return nil, err
	}
	b.rows = []*vt.Row{vt.NewRow(cfg.TabSize, cfg.VisualMax, cfg.TabToBlank)}
	b.eof = vt.NewEofMetas(b)
	b.reindex(0)
	return b, nil
}

func orNoopMarker(m vt.MarkerIF) vt.MarkerIF {
	if m == nil {
		return noopMarker{}
	}
	return m
}

func orNoopGlobCursor(g vt.GlobCursorIF) vt.GlobCursorIF {
	if g == nil {
		return noopGlobCursor{}
	}
	return g
}

func validateConfig(cfg Config) error {
	if cfg.TrimMorph != swap.MorphRestrictive {
		if cfg.ChunkSize <= 0 {
			return &vt.ConfigurationError{Reason: "chunk_size must be positive"}
		}
		if cfg.RowsMax < 2*cfg.ChunkSize {
			return &vt.ConfigurationError{Reason: "rows_max must be at least 2*chunk_size"}
		}
	}
	if cfg.TrimMorph == swap.MorphDrop && cfg.HistoryPath != "" {
		return &vt.ConfigurationError{Reason: "drop-morph trimmer cannot coexist with LocalHistory"}
	}
	if cfg.HistoryPath == ":swap:" && cfg.SwapPath == "" {
		return &vt.ConfigurationError{Reason: ":swap: history path requires a configured swap"}
	}
	return nil
}

func (b *TextBuffer) wireTrimmer() error {
	switch b.cfg.TrimMorph {
	case swap.MorphSwap:
		sw, err := swap.New(swap.Config{
			Path: b.cfg.SwapPath, TabSize: b.cfg.TabSize, VisualMax: b.cfg.VisualMax,
			TabToBlank: b.cfg.TabToBlank, Logger: b.cfg.Logger,
		}, b.mi)
		if err != nil {
			return err
		}
		b.sw = sw
		b.trimmer = swap.NewSwapTrimmer(b.cfg.RowsMax, b.cfg.ChunkSize, b.cfg.KeepTopRowSize, sw)
	case swap.MorphDrop:
		b.trimmer = swap.NewDropTrimmer(b.cfg.RowsMax, b.cfg.ChunkSize, b.cfg.KeepTopRowSize, func(side int, start vt.Point, rows []vt.PersistRow) error {
			return nil
		})
	case swap.MorphRestrictive:
		b.trimmer = swap.NewRestrictiveTrimmer(b.cfg.RowsMax, b.cfg.LastRowMaxsize)
	}
	return nil
}

func (b *TextBuffer) wireHistory() error {
	if b.cfg.HistoryPath == "" {
		return nil
	}
	path := b.cfg.HistoryPath
	if path == ":swap:" {
		path = b.cfg.SwapPath
	}
	store, err := history.Open(path, history.OpenOrCreate)
	if err != nil {
		return err
	}
	hist, err := history.New(store, nil, history.Config{
		MaximalItems:      b.cfg.MaximalItems,
		Chunk:             b.cfg.HistoryChunk,
		UndoLockEnabled:   b.cfg.UndoLockEnabled,
		BranchForkEnabled: b.cfg.BranchForkEnabled,
		Logger:            b.cfg.Logger,
	})
	if err != nil {
		store.Close()
		return err
	}
	hist.SetHost(b)
	b.histStore = store
	b.hist = hist
	return nil
}

// ComputeTotals implements vt.EofSource: it sums the live window plus
// every chunk currently paged to swap.
func (b *TextBuffer) ComputeTotals() (dataChars, contentChars, rows, lines int) {
	for _, r := range b.rows {
		dataChars += r.ContentLen() + r.End().Width()
		contentChars += r.ContentLen()
		rows++
		if r.End().IsLineBreak() {
			lines++
		}
	}
	if b.sw != nil {
		for i := 0; i < b.sw.TopLen(); i++ {
			if e, ok := b.mi.TopAt(i); ok {
				rows += e.NRows
				lines += e.NNewlines
			}
		}
		for i := 0; i < b.sw.BtmLen(); i++ {
			if e, ok := b.mi.BtmAt(i); ok {
				rows += e.NRows
				lines += e.NNewlines
			}
		}
	}
	return
}

// EofMetas returns the document's lazily-cached totals.
func (b *TextBuffer) EofMetas() *vt.EofMetas { return b.eof }

// Rows returns the live window's rows, in document order.
func (b *TextBuffer) Rows() []*vt.Row { return b.rows }

// CursorRow reports the cursor's row index within the live window.
func (b *TextBuffer) CursorRow() int { return b.cursorRow }

// History returns the wired LocalHistory, or nil if none is configured.
func (b *TextBuffer) History() *history.LocalHistory { return b.hist }

// reindex recomputes RowIndex/RowNum/LineNum/ContentStart/DataStart for
// rows[from:], per Invariant 3/4, seeded from the window's start point (or
// from rows[from-1] if from > 0).
func (b *TextBuffer) reindex(from int) {
	var dataStart, contentStart, rowNum, lineNum int
	if from == 0 {
		start := b.mi.WindowStart()
		dataStart, contentStart, rowNum, lineNum = start.Data, start.Content, start.Row, start.Line
	} else {
		prev := b.rows[from-1]
		dataStart = prev.DataStart + prev.ContentLen() + prev.End().Width()
		contentStart = prev.ContentStart + prev.ContentLen()
		rowNum = prev.RowNum + 1
		lineNum = prev.LineNum
		if prev.End().IsLineBreak() {
			lineNum++
		}
	}
	for i := from; i < len(b.rows); i++ {
		r := b.rows[i]
		r.RowIndex = i
		r.RowNum = rowNum
		r.LineNum = lineNum
		r.ContentStart = contentStart
		r.DataStart = dataStart
		dataStart += r.ContentLen() + r.End().Width()
		contentStart += r.ContentLen()
		rowNum++
		if r.End().IsLineBreak() {
			lineNum++
		}
	}
	if e, ok := b.mi.BtmAt(0); ok {
		b.mi.AdjustSequenceBelowWindow(vt.Span{
			DData:    dataStart - e.Start.Data,
			DContent: contentStart - e.Start.Content,
			DRow:     rowNum - e.Start.Row,
			DLine:    lineNum - e.Start.Line,
		})
	}
	b.eof.Invalidate()
}

// ensureTrailingRow enforces Invariant 6: the document's last row is
// either end=none or followed by an empty trailing row. While a bottom
// chunk follows the window, the window's last row is not the document's
// last row and is left as it is.
func (b *TextBuffer) ensureTrailingRow() {
	if len(b.rows) == 0 {
		b.rows = append(b.rows, vt.NewRow(b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank))
		return
	}
	if b.mi.BtmLen() > 0 {
		return
	}
	last := b.rows[len(b.rows)-1]
	if last.End() != vt.EndNone {
		b.rows = append(b.rows, vt.NewRow(b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank))
	}
}

func (b *TextBuffer) checkLock() error {
	if b.hist != nil && b.hist.Locked() {
		return history.ErrUndoLocked
	}
	return nil
}

func (b *TextBuffer) runTrim() error {
	if b.trimmer == nil {
		return nil
	}
	plan := b.trimmer.PlanTrim(len(b.rows), b.cursorRow)
	if plan.CutTop == 0 && plan.CutBottom == 0 {
		return nil
	}
	if plan.CutTop > 0 {
		cut := b.rows[:plan.CutTop]
		start := b.mi.WindowStart()
		persisted := encodeRows(cut)
		span := spanOf(cut)
		if err := b.trimmer.Dump(0, start, persisted); err != nil {
			return err
		}
		b.rows = append([]*vt.Row(nil), b.rows[plan.CutTop:]...)
		b.mi.SetWindowStart(addSpanPoint(start, span))
		b.cursorRow -= plan.CutTop
	}
	if plan.CutBottom > 0 {
		n := len(b.rows)
		cut := b.rows[n-plan.CutBottom:]
		first := cut[0]
		startPoint := vt.Point{Data: first.DataStart, Content: first.ContentStart, Row: first.RowNum, Line: first.LineNum}
		persisted := encodeRows(cut)
		if b.trimmer.Morph() == swap.MorphRestrictive {
			if b.hist != nil {
				if err := b.hist.RecordRestrictRemovement(persisted); err != nil {
					return err
				}
			}
		} else if err := b.trimmer.Dump(1, startPoint, persisted); err != nil {
			return err
		}
		b.rows = b.rows[:n-plan.CutBottom]
	}
	if b.cursorRow < 0 {
		b.cursorRow = 0
	}
	if b.cursorRow >= len(b.rows) {
		b.cursorRow = len(b.rows) - 1
	}
	b.reindex(0)
	b.ensureTrailingRow()
	b.reindex(0)
	return nil
}

func encodeRows(rows []*vt.Row) []vt.PersistRow {
	out := make([]vt.PersistRow, len(rows))
	for i, r := range rows {
		out[i] = vt.PersistRow{Content: r.Content(), End: r.End()}
	}
	return out
}

func spanOf(rows []*vt.Row) vt.Span {
	var sp vt.Span
	for _, r := range rows {
		sp.DData += r.ContentLen() + r.End().Width()
		sp.DContent += r.ContentLen()
		sp.DRow++
		if r.End().IsLineBreak() {
			sp.DLine++
		}
	}
	return sp
}

func addSpanPoint(p vt.Point, s vt.Span) vt.Point {
	return vt.Point{Data: p.Data + s.DData, Content: p.Content + s.DContent, Row: p.Row + s.DRow, Line: p.Line + s.DLine}
}

func (b *TextBuffer) runDemand() error {
	if b.sw == nil {
		return nil
	}
	res, err := b.sw.Demand(swap.DemandParams{
		CursorRowIndex: b.cursorRow, WindowLen: len(b.rows),
		RowsMax: b.cfg.RowsMax, LoadDistance: b.cfg.LoadDistance,
	})
	if err != nil {
		return err
	}
	b.applyDemandResult(res)
	return nil
}

func (b *TextBuffer) runPoll() error {
	if b.sw == nil {
		return nil
	}
	res, err := b.sw.Poll(b.cursorRow, len(b.rows))
	if err != nil {
		return err
	}
	b.applyDemandResult(res)
	return nil
}

func (b *TextBuffer) applyDemandResult(res swap.DemandResult) {
	if len(res.TopLoaded) > 0 {
		loaded := decodeRows(res.TopLoaded, b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)
		b.rows = append(loaded, b.rows...)
		b.cursorRow += len(loaded)
		if res.NewWindowStart != nil {
			b.mi.SetWindowStart(*res.NewWindowStart)
		}
	}
	if len(res.BtmLoaded) > 0 {
		loaded := decodeRows(res.BtmLoaded, b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)
		b.rows = append(b.rows, loaded...)
	}
	if len(res.TopLoaded) > 0 || len(res.BtmLoaded) > 0 {
		b.reindex(0)
	}
}

func decodeRows(rows []vt.PersistRow, tabSize, visualMax int, tabToBlank bool) []*vt.Row {
	out := make([]*vt.Row, len(rows))
	for i, p := range rows {
		r := vt.NewRow(tabSize, visualMax, tabToBlank)
		r.WriteLine(p.Content, vt.SubAppend)
		r.SetEnd(p.End)
		out[i] = r
	}
	return out
}

// GotoData moves the cursor to absolute data position n, loading chunks
// from swap as needed.
func (b *TextBuffer) GotoData(n int) error {
	if n < 0 {
		return &vt.CursorNegativeIndexingError{Value: n}
	}
	for {
		start := b.mi.WindowStart()
		if n < start.Data {
			if b.sw == nil || b.sw.TopLen() == 0 {
				return &vt.CursorChunkLoadError{Target: n, Side: 0}
			}
			if _, err := b.loadOneTop(); err != nil {
				return err
			}
			continue
		}
		end := b.windowEndData()
		if n >= end {
			if b.sw == nil || b.sw.BtmLen() == 0 {
				if n == end {
					break
				}
				return &vt.CursorChunkLoadError{Target: n, Side: 1}
			}
			if _, err := b.loadOneBtm(); err != nil {
				return err
			}
			continue
		}
		break
	}
	for i, r := range b.rows {
		rowEnd := r.DataStart + r.ContentLen() + r.End().Width()
		if n >= r.DataStart && n < rowEnd || (i == len(b.rows)-1 && n <= rowEnd) {
			b.cursorRow = i
			offset := n - r.DataStart
			if offset > r.ContentLen() {
				r.Cursor().PlaceContent(r.ContentLen())
				return &vt.CursorPlacingError{Target: n, Placed: r.DataStart + r.ContentLen()}
			}
			r.Cursor().PlaceContent(offset)
			return b.runPoll()
		}
	}
	return &vt.CursorChunkMetaError{Target: n, Parked: b.rows[b.cursorRow].DataStart}
}

func (b *TextBuffer) windowEndData() int {
	if len(b.rows) == 0 {
		return b.mi.WindowStart().Data
	}
	last := b.rows[len(b.rows)-1]
	return last.DataStart + last.ContentLen() + last.End().Width()
}

func (b *TextBuffer) loadOneTop() (bool, error) {
	rows, entry, ok, err := b.sw.PopTop()
	if err != nil || !ok {
		return ok, err
	}
	loaded := decodeRows(rows, b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)
	b.rows = append(loaded, b.rows...)
	b.cursorRow += len(loaded)
	b.mi.SetWindowStart(entry.Start)
	b.reindex(0)
	return true, nil
}

func (b *TextBuffer) loadOneBtm() (bool, error) {
	rows, _, ok, err := b.sw.PopBottom()
	if err != nil || !ok {
		return ok, err
	}
	loaded := decodeRows(rows, b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)
	from := len(b.rows)
	b.rows = append(b.rows, loaded...)
	b.reindex(from)
	return true, nil
}

// pullBtmRowsViaChunkBuffer pops the bottom-most swap chunk, peels up to
// need rows off its window-adjacent end through a sandboxed ChunkBuffer,
// appends those to the live window, and pushes any remainder back
// (spec §4.7's bounded ChunkBuffer walk). It reports how many rows were
// appended.
func (b *TextBuffer) pullBtmRowsViaChunkBuffer(need int) (int, error) {
	if need <= 0 || b.sw == nil || b.sw.BtmLen() == 0 {
		return 0, nil
	}
	persisted, entry, ok, err := b.sw.PopBottom()
	if err != nil || !ok {
		return 0, err
	}
	cb := vt.NewChunkBuffer(entry.Slot, entry.Start, persisted, entry.NRows, entry.NNewlines, b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)

	var taken []*vt.Row
	for len(taken) < need && cb.NumRows() > 0 {
		taken = append(taken, cb.RowAt(0))
		cb.RemoveRow(0)
	}
	for i, r := range taken {
		r.RowIndex = len(b.rows) + i
	}
	b.rows = append(b.rows, taken...)

	diff := cb.Close()
	if !diff.Empty {
		newStart := addSpanPoint(entry.Start, spanOf(taken))
		if _, err := b.sw.PushBottom(newStart, diff.Persisted); err != nil {
			return len(taken), err
		}
	}
	return len(taken), nil
}

// GotoRow moves the cursor to the start of absolute row number n.
func (b *TextBuffer) GotoRow(n int) error {
	if n < 0 {
		return &vt.CursorNegativeIndexingError{Value: n}
	}
	for len(b.rows) == 0 || b.rows[0].RowNum > n {
		if b.sw == nil || b.sw.TopLen() == 0 {
			return &vt.CursorChunkLoadError{Target: n, Side: 0}
		}
		if _, err := b.loadOneTop(); err != nil {
			return err
		}
	}
	for b.rows[len(b.rows)-1].RowNum < n {
		if b.sw == nil || b.sw.BtmLen() == 0 {
			return &vt.CursorChunkLoadError{Target: n, Side: 1}
		}
		if _, err := b.loadOneBtm(); err != nil {
			return err
		}
	}
	for i, r := range b.rows {
		if r.RowNum == n {
			b.cursorRow = i
			r.Cursor().PlaceContent(0)
			return b.runPoll()
		}
	}
	return &vt.CursorChunkMetaError{Target: n, Parked: b.rows[b.cursorRow].RowNum}
}

// GotoLine moves the cursor to the first row of absolute line number n.
func (b *TextBuffer) GotoLine(n int) error {
	if n < 0 {
		return &vt.CursorNegativeIndexingError{Value: n}
	}
	for len(b.rows) == 0 || b.rows[0].LineNum > n {
		if b.sw == nil || b.sw.TopLen() == 0 {
			return &vt.CursorChunkLoadError{Target: n, Side: 0}
		}
		if _, err := b.loadOneTop(); err != nil {
			return err
		}
	}
	for b.rows[len(b.rows)-1].LineNum < n {
		if b.sw == nil || b.sw.BtmLen() == 0 {
			return &vt.CursorChunkLoadError{Target: n, Side: 1}
		}
		if _, err := b.loadOneBtm(); err != nil {
			return err
		}
	}
	for i, r := range b.rows {
		if r.LineNum == n {
			b.cursorRow = i
			r.Cursor().PlaceContent(0)
			return b.runPoll()
		}
	}
	return &vt.CursorChunkMetaError{Target: n, Parked: b.rows[b.cursorRow].LineNum}
}

// GotoChunk loads chunks into the window, one at a time from the side the
// given position id names (negative above, positive below, per spec §3),
// until the chunk at that position id has itself been loaded: -n loads the
// n nearest top chunks, n the n nearest bottom chunks. It does not place
// the cursor.
func (b *TextBuffer) GotoChunk(position int) error {
	if b.sw == nil {
		return &vt.ConfigurationError{Reason: "no swap configured"}
	}
	for position < 0 {
		topID, _ := b.sw.PositionIDs()
		if topID == 0 {
			return &vt.CursorChunkLoadError{Target: position, Side: 0}
		}
		if _, err := b.loadOneTop(); err != nil {
			return err
		}
		position++
	}
	for position > 0 {
		_, btmID := b.sw.PositionIDs()
		if btmID == 0 {
			return &vt.CursorChunkLoadError{Target: position, Side: 1}
		}
		if _, err := b.loadOneBtm(); err != nil {
			return err
		}
		position--
	}
	return nil
}

func (b *TextBuffer) data() int {
	r := b.rows[b.cursorRow]
	return r.DataStart + r.Cursor().Content()
}

func (b *TextBuffer) finishOp(opDiff int, rangeEnd *vt.DataRange, newPos int) error {
	b.marker.Adjust(b.data(), opDiff, rangeEnd)
	b.glob.Adjust(b.data(), opDiff, rangeEnd)
	if err := b.runTrim(); err != nil {
		return err
	}
	if err := b.GotoData(newPos); err != nil {
		return err
	}
	if b.cfg.OnChunkLoad != nil {
		topID, btmID := 0, 0
		if b.sw != nil {
			topID, btmID = b.sw.PositionIDs()
		}
		b.cfg.OnChunkLoad(vt.ChunkLoad{TopID: topID, BtmID: btmID})
	}
	return nil
}

// Write inserts s at the cursor using mode, following the standard
// mutating protocol (spec §4.6 steps i-x). associateLines and nbnl steer
// overflow handling (§4.7); moveCursor false leaves the cursor at its
// pre-write position instead of following the edit.
func (b *TextBuffer) Write(s string, mode vt.SubMode, associateLines, nbnl, moveCursor bool) error {
	if err := b.checkLock(); err != nil {
		return err
	}
	start := b.data()
	b.glob.WillChange(start)
	b.marker.ResolveConflicts(vt.OpWrite, start, start)

	row := b.rows[b.cursorRow]
	workRow := row.RowIndex
	item, err := row.Write(s, mode, nbnl)
	if err != nil {
		return err
	}
	var removedRows []history.RemovedEntry
	newPos, err := b.applyOverflow(workRow, item, mode, nbnl, associateLines, &removedRows)
	if err != nil {
		return err
	}
	b.reindex(workRow)
	b.ensureTrailingRow()
	b.reindex(workRow)

	if newPos < 0 {
		newPos = b.rows[workRow].DataStart + item.End
	}
	if !moveCursor {
		newPos = start
	}
	diff := len([]rune(s))

	if b.hist != nil {
		var removed []history.RemovedEntry
		if item.HasRemoved {
			end := vt.EndNone
			if item.Removed.HadEnd {
				end = item.Removed.End
			}
			removed = []history.RemovedEntry{{Content: item.Removed.Content, End: &end}}
		}
		removed = append(removed, removedRows...)
		if err := b.hist.RecordWrite(workRow, start, start+diff, removed, false); err != nil {
			return err
		}
	}

	return b.finishOp(diff, nil, newPos)
}

// applyOverflow splits Row.Write's overflow into new rows following the
// row at workRow, per spec §4.7. For sub_line/associate_lines it consumes
// (substitutes away) existing subsequent rows instead of only inserting,
// paging rows in from bottom swap chunks if the window runs out; consumed
// rows are appended to *removedRows for history. It returns the data
// position the cursor should land on (-1 meaning "use the default
// item.End-based position").
func (b *TextBuffer) applyOverflow(workRow int, item vt.WriteItem, mode vt.SubMode, nbnl, associateLines bool, removedRows *[]history.RemovedEntry) (int, error) {
	if item.Overflow == nil || len(item.Overflow.Lines) == 0 {
		return -1, nil
	}
	of := item.Overflow
	row := b.rows[workRow]
	savedEnd := row.End()
	if of.End != nil {
		savedEnd = *of.End
	}
	newRows := make([]*vt.Row, 0, len(of.Lines))
	for i, line := range of.Lines {
		if i == len(of.Lines)-1 && line == "" {
			continue
		}
		r := vt.NewRow(b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)
		r.WriteLine(line, vt.SubAppend)
		if i == len(of.Lines)-1 {
			r.SetEnd(savedEnd)
		} else if nbnl {
			r.SetEnd(vt.EndSoft)
		} else {
			r.SetEnd(vt.EndHard)
		}
		newRows = append(newRows, r)
	}
	if len(newRows) > 0 {
		row.SetEnd(vt.EndHard)
		if nbnl {
			row.SetEnd(vt.EndSoft)
		}
	}

	consume := mode == vt.SubLine || associateLines
	if !consume {
		tail := append([]*vt.Row(nil), b.rows[workRow+1:]...)
		b.rows = append(b.rows[:workRow+1], newRows...)
		b.rows = append(b.rows, tail...)
		return -1, nil
	}

	consumedCount, err := b.consumeOverflowTarget(workRow, len(newRows), associateLines)
	if err != nil {
		return -1, err
	}
	for _, r := range b.rows[workRow+1 : workRow+1+consumedCount] {
		e := vt.EndNone
		if r.End() != vt.EndNone {
			e = r.End()
		}
		*removedRows = append(*removedRows, entryOf(r.Content(), r.End() != vt.EndNone, e))
	}
	// the next untouched row's DataStart, read before this call's reindex
	// runs, is where the cursor lands (spec §8 scenario 2).
	newPos := -1
	if workRow+1+consumedCount < len(b.rows) {
		newPos = b.rows[workRow+1+consumedCount].DataStart
	}

	tail := append([]*vt.Row(nil), b.rows[workRow+1+consumedCount:]...)
	b.rows = append(b.rows[:workRow+1], newRows...)
	b.rows = append(b.rows, tail...)
	return newPos, nil
}

// consumeOverflowTarget ensures enough rows follow workRow in the live
// window to satisfy a sub_line/associate_lines substitution, pulling rows
// in from the bottom swap chunks through a sandboxed ChunkBuffer if the
// window runs out (spec §4.7 "a bounded walk through bottom ChunkBuffers
// under MetaIndex shadow mode"), and reports how many rows starting at
// workRow+1 the caller should splice out. associate_lines consumes
// exactly nOverflowLines rows; plain sub_line consumes rows until (and
// including) the next hard-ended row.
func (b *TextBuffer) consumeOverflowTarget(workRow, nOverflowLines int, associateLines bool) (int, error) {
	i := workRow + 1
	consumed := 0
	for {
		if i >= len(b.rows) {
			pulled, err := b.pullBtmRowsViaChunkBuffer(nOverflowLines - consumed)
			if err != nil {
				return consumed, err
			}
			if pulled == 0 {
				break
			}
		}
		if i >= len(b.rows) {
			break
		}
		hadHard := b.rows[i].End() == vt.EndHard
		consumed++
		i++
		if associateLines {
			if consumed >= nOverflowLines {
				break
			}
			continue
		}
		if hadHard {
			break
		}
	}
	return consumed, nil
}

// Backspace removes the character before the cursor, joining rows if at
// content offset 0.
func (b *TextBuffer) Backspace() error {
	if err := b.checkLock(); err != nil {
		return err
	}
	if b.cursorRow == 0 && b.rows[0].Cursor().Content() == 0 {
		return nil
	}
	start := b.data()
	b.glob.WillChange(start)
	b.marker.ResolveConflicts(vt.OpBackspace, start-1, start)

	row := b.rows[b.cursorRow]
	at := row.Cursor().Content()
	var removedContent string
	var removedEnd *vt.RowEnd
	if at > 0 {
		removedContent = string([]rune(row.Content())[at-1 : at])
	}
	joined := row.Backspace()
	if joined {
		if b.cursorRow == 0 {
			return nil
		}
		prev := b.rows[b.cursorRow-1]
		e := prev.End()
		removedEnd = &e
		prev.SetEnd(vt.EndNone)
		prevLen := prev.ContentLen()
		prev.WriteLine(row.Content(), vt.SubAppend)
		prev.SetEnd(row.End())
		b.rows = append(b.rows[:b.cursorRow], b.rows[b.cursorRow+1:]...)
		b.cursorRow--
		b.rows[b.cursorRow].Cursor().PlaceContent(prevLen)
	}

	workRow := b.rows[b.cursorRow].RowIndex
	b.reindex(workRow)
	newPos := b.rows[b.cursorRow].DataStart + b.rows[b.cursorRow].Cursor().Content()

	if b.hist != nil {
		entry := history.RemovedEntry{Content: removedContent, End: removedEnd}
		if err := b.hist.RecordRemove(workRow, newPos, entry, true); err != nil {
			return err
		}
	}
	return b.finishOp(-1, nil, newPos)
}

// Delete removes the character at the cursor, joining rows at end of
// content.
func (b *TextBuffer) Delete() error {
	if err := b.checkLock(); err != nil {
		return err
	}
	row := b.rows[b.cursorRow]
	atEnd := row.Cursor().Content() >= row.ContentLen()
	if atEnd && row.End() == vt.EndNone && b.cursorRow == len(b.rows)-1 {
		return nil
	}
	start := b.data()
	b.glob.WillChange(start)
	b.marker.ResolveConflicts(vt.OpDelete, start, start+1)

	var removedContent string
	var removedEnd *vt.RowEnd
	if !atEnd {
		removedContent = string([]rune(row.Content())[row.Cursor().Content() : row.Cursor().Content()+1])
	}
	oldEnd := row.End()
	joined := row.Delete(true)
	if joined && b.cursorRow < len(b.rows)-1 {
		removedEnd = &oldEnd
		next := b.rows[b.cursorRow+1]
		at := row.Cursor().Content()
		row.WriteLine(next.Content(), vt.SubAppend)
		row.Cursor().PlaceContent(at)
		row.SetEnd(next.End())
		b.rows = append(b.rows[:b.cursorRow+1], b.rows[b.cursorRow+2:]...)
	}

	workRow := row.RowIndex
	b.reindex(workRow)
	b.ensureTrailingRow()
	b.reindex(workRow)
	newPos := start

	if b.hist != nil {
		entry := history.RemovedEntry{Content: removedContent, End: removedEnd}
		if err := b.hist.RecordRemove(workRow, start, entry, false); err != nil {
			return err
		}
	}
	return b.finishOp(-1, nil, newPos)
}

// FindResult is one match returned by Find.
type FindResult struct {
	DataPos int
	Match   string
}

// EndMatch constrains where a match must end, per spec §4.6 find's
// end_match parameter: EndMatchNone puts no constraint on the match end;
// EndMatchNewline requires the match to be followed by a row's hard/soft
// newline; EndMatchRowEnd requires the match to end exactly at a row
// boundary whose row carries no newline (EndNone); EndMatchAnyRowEnd
// requires the match to end at a row boundary of any kind.
type EndMatch int

const (
	EndMatchNone EndMatch = iota
	EndMatchNewline
	EndMatchRowEnd
	EndMatchAnyRowEnd
)

// rowBoundary records, for one row's rendering inside a flat search text,
// the text offset right after that row's own content (before any
// injected newline) and the row's own end kind.
type rowBoundary struct {
	pos int
	end vt.RowEnd
}

func satisfiesEndMatch(end int, em EndMatch, bounds []rowBoundary) bool {
	switch em {
	case EndMatchNone:
		return true
	case EndMatchNewline:
		for _, bnd := range bounds {
			if bnd.pos == end && (bnd.end == vt.EndHard || bnd.end == vt.EndSoft) {
				return true
			}
		}
		return false
	case EndMatchRowEnd:
		for _, bnd := range bounds {
			if bnd.pos == end && bnd.end == vt.EndNone {
				return true
			}
		}
		return false
	default: // EndMatchAnyRowEnd
		for _, bnd := range bounds {
			if bnd.pos == end {
				return true
			}
		}
		return false
	}
}

// Find searches for pattern, first across the whole live window (from its
// first row, independent of the cursor), then (if reverse walks the top chunks / forward walks the
// bottom chunks) via sandboxed ChunkBuffers over swap. all collects every
// match in the live window instead of stopping at the first; end_match
// restricts matches to those ending at a row boundary (spec §4.6
// "find(regex, end_match, all, reverse)").
func (b *TextBuffer) Find(pattern string, endMatch EndMatch, all, reverse bool) ([]FindResult, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, err
	}
	var out []FindResult
	text, bounds := b.windowText()
	m, _ := re.FindStringMatch(text)
	for m != nil {
		if satisfiesEndMatch(m.Index+m.Length, endMatch, bounds) {
			out = append(out, FindResult{DataPos: b.mi.WindowStart().Data + m.Index, Match: m.String()})
			if !all {
				break
			}
		}
		m, _ = re.FindNextMatch(m)
	}
	if len(out) > 0 {
		if reverse {
			sort.Slice(out, func(i, j int) bool { return out[i].DataPos > out[j].DataPos })
		}
		return out, nil
	}
	return b.findInSwap(re, endMatch, reverse)
}

func (b *TextBuffer) windowText() (string, []rowBoundary) {
	return rowsText(b.rows)
}

// rowsText renders rows into one search string plus the row-boundary
// table satisfiesEndMatch consults, shared between the live window and
// sandboxed ChunkBuffers over swap chunks.
func rowsText(rows []*vt.Row) (string, []rowBoundary) {
	var sb strings.Builder
	bounds := make([]rowBoundary, 0, len(rows))
	for _, r := range rows {
		sb.WriteString(r.Content())
		bounds = append(bounds, rowBoundary{pos: sb.Len(), end: r.End()})
		switch r.End() {
		case vt.EndHard, vt.EndSoft:
			sb.WriteByte('\n')
		}
	}
	return sb.String(), bounds
}

// findInSwap walks chunks on the appropriate side (top for reverse, bottom
// for forward) one at a time through sandboxed ChunkBuffers, restoring the
// whole stack afterward so the window/MetaIndex are left exactly as found.
// PopTop/PushTop and PopBottom/PushBottom are exact inverses of one
// another on their respective side (Swap.Demand/Poll rely on the same
// symmetry), so this never disturbs the live window.
func (b *TextBuffer) findInSwap(re *regexp2.Regexp, endMatch EndMatch, reverse bool) ([]FindResult, error) {
	if b.sw == nil {
		return nil, nil
	}
	return b.scanSwapSide(re, endMatch, reverse)
}

type poppedChunk struct {
	rows  []vt.PersistRow
	entry vt.MetaEntry
}

func (b *TextBuffer) scanSwapSide(re *regexp2.Regexp, endMatch EndMatch, top bool) ([]FindResult, error) {
	var stack []poppedChunk
	var result []FindResult
	var opErr error

	for {
		var rows []vt.PersistRow
		var entry vt.MetaEntry
		var ok bool
		var err error
		if top {
			rows, entry, ok, err = b.sw.PopTop()
		} else {
			rows, entry, ok, err = b.sw.PopBottom()
		}
		if err != nil {
			opErr = err
			break
		}
		if !ok {
			break
		}
		stack = append(stack, poppedChunk{rows: rows, entry: entry})
		cb := vt.NewChunkBuffer(entry.Slot, entry.Start, rows, entry.NRows, entry.NNewlines, b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)
		if res, matched := scanChunk(cb, entry, re, endMatch); matched {
			result = res
			cb.Close()
			break
		}
		cb.Close()
	}

	for i := len(stack) - 1; i >= 0; i-- {
		p := stack[i]
		var err error
		if top {
			_, err = b.sw.PushTop(p.rows)
		} else {
			_, err = b.sw.PushBottom(p.entry.Start, p.rows)
		}
		if err != nil && opErr == nil {
			opErr = err
		}
	}
	return result, opErr
}

// scanChunk searches one sandboxed ChunkBuffer for the first match
// satisfying endMatch (find's swap walk never collects "all" -- the
// caller stops at the first chunk that yields a hit).
func scanChunk(cb *vt.ChunkBuffer, entry vt.MetaEntry, re *regexp2.Regexp, endMatch EndMatch) ([]FindResult, bool) {
	text, bounds := rowsText(cb.Rows())
	m, _ := re.FindStringMatch(text)
	for m != nil {
		if satisfiesEndMatch(m.Index+m.Length, endMatch, bounds) {
			return []FindResult{{DataPos: entry.Start.Data + m.Index, Match: m.String()}}, true
		}
		m, _ = re.FindNextMatch(m)
	}
	return nil, false
}

// Resize reconfigures the trimmer's row ceiling/chunk size.
func (b *TextBuffer) Resize(rowsMax, chunkSize int) error {
	if b.trimmer == nil {
		return &vt.ConfigurationError{Reason: "no trimmer configured"}
	}
	if rowsMax < 2*chunkSize {
		return &vt.ConfigurationError{Reason: "rows_max must be at least 2*chunk_size"}
	}
	b.trimmer.Resize(rowsMax, chunkSize)
	b.cfg.RowsMax = rowsMax
	b.cfg.ChunkSize = chunkSize
	return b.runTrim()
}

// Undo/Redo/LockRelease delegate to LocalHistory.
func (b *TextBuffer) Undo() error {
	if b.hist == nil {
		return nil
	}
	return b.hist.Undo()
}
func (b *TextBuffer) Redo() error {
	if b.hist == nil {
		return nil
	}
	return b.hist.Redo()
}
func (b *TextBuffer) LockRelease() error {
	if b.hist == nil {
		return nil
	}
	return b.hist.LockRelease()
}
func (b *TextBuffer) BranchFork(redoHint int) error {
	if b.hist == nil {
		return &vt.ConfigurationError{Reason: "no history configured"}
	}
	return b.hist.BranchFork(redoHint)
}

// Close flushes and releases the swap store and history store.
func (b *TextBuffer) Close() error {
	var err error
	if b.sw != nil {
		if e := b.sw.Close(); e != nil {
			err = e
		}
	}
	if b.histStore != nil {
		if e := b.histStore.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// ExportBufferDB writes a standalone backup of the whole document (swap
// chunks plus the live window appended as a synthetic final chunk, plus
// main_metas carrying cursor/markings/history progress and a cloned
// history store) to destPath, per spec §4.6 "export_bufferdb" and §8's
// round-trip property (document, cursor, markings, anchors, and history
// chronological progress).
func (b *TextBuffer) ExportBufferDB(destPath string) error {
	if b.sw == nil {
		return &vt.ConfigurationError{Reason: "export_bufferdb requires a configured swap"}
	}
	clone, err := b.sw.CloneWithWindow(destPath, b.mi.WindowStart(), encodeRows(b.rows))
	if err != nil {
		return err
	}

	markingsJSON, err := json.Marshal(b.marker.Snapshot())
	if err != nil {
		clone.Close()
		return err
	}
	progressID := 0
	if b.hist != nil {
		progressID = b.hist.ProgressID()
	}
	if err := clone.SaveMainMetas(b.data(), string(markingsJSON), progressID); err != nil {
		clone.Close()
		return err
	}
	if err := clone.Close(); err != nil {
		return err
	}

	if b.histStore != nil {
		destHist, err := history.Open(destPath, history.OpenOrCreate)
		if err != nil {
			return err
		}
		if err := b.histStore.CloneInto(destHist); err != nil {
			destHist.Close()
			return err
		}
		return destHist.Close()
	}
	return nil
}

// Reinitialize discards the buffer's current swap and history stores and
// resets it to the fresh, single-empty-row state New would produce,
// clearing its trim/history wiring so a following ImportBufferDB can
// repopulate it from a backup (spec §4.6 "reinitialize"). It is only
// valid on a buffer configured with a swap-backed trim morph; calling it
// otherwise has no sensible import target and raises a ConfigurationError
// (spec §7 "reinitialize on a non-initial buffer").
func (b *TextBuffer) Reinitialize() error {
	if err := b.checkLock(); err != nil {
		return err
	}
	if b.sw == nil {
		return &vt.ConfigurationError{Reason: "reinitialize requires a configured swap"}
	}
	if err := b.sw.Close(); err != nil {
		return err
	}
	if b.histStore != nil {
		if err := b.histStore.Close(); err != nil {
			return err
		}
		b.histStore = nil
		b.hist = nil
	}
	b.sw = nil
	b.trimmer = nil
	b.mi = vt.NewMetaIndex(vt.Point{})

	if err := b.wireTrimmer(); err != nil {
		return err
	}
	if err := b.wireHistory(); err != nil {
		return err
	}
	b.rows = []*vt.Row{vt.NewRow(b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)}
	b.cursorRow = 0
	b.marker.Restore(nil)
	b.eof = vt.NewEofMetas(b)
	b.reindex(0)
	return nil
}

// ImportBufferDB repopulates a freshly Reinitialized buffer from the
// backup at srcPath: it reopens the swap store (rebuilding MetaIndex from
// the persisted chunk catalog), restores cursor/markings from main_metas,
// and clones the backup's history store into the buffer's configured
// history store so undo/redo chronology survives the round-trip (spec
// §4.6 "import_bufferdb", §8 round-trip property).
func (b *TextBuffer) ImportBufferDB(srcPath string) error {
	if err := b.checkLock(); err != nil {
		return err
	}
	sw, err := swap.Reopen(swap.Config{
		Path: srcPath, TabSize: b.cfg.TabSize, VisualMax: b.cfg.VisualMax,
		TabToBlank: b.cfg.TabToBlank, Logger: b.cfg.Logger,
	})
	if err != nil {
		return err
	}
	if b.sw != nil {
		if err := b.sw.Close(); err != nil {
			sw.Close()
			return err
		}
	}
	b.sw = sw
	b.trimmer = swap.NewSwapTrimmer(b.cfg.RowsMax, b.cfg.ChunkSize, b.cfg.KeepTopRowSize, sw)
	b.mi = sw.MetaIndex()
	// the exported live window comes back as the bottom-most (window-
	// adjacent) chunk: popping exactly one restores it as the window.
	b.rows = nil
	b.cursorRow = 0
	if _, err := b.loadOneBtm(); err != nil {
		return err
	}
	b.ensureTrailingRow()

	cursorData, markingsJSON, _, ok, err := sw.LoadMainMetas()
	if err != nil {
		return err
	}
	if ok {
		var marks []vt.MarkRange
		if err := json.Unmarshal([]byte(markingsJSON), &marks); err != nil {
			return err
		}
		b.marker.Restore(marks)
		if err := b.GotoData(cursorData); err != nil {
			return err
		}
	}

	if b.histStore != nil {
		srcHist, err := history.Open(srcPath, history.OpenExisting)
		if err != nil {
			return err
		}
		if err := srcHist.CloneInto(b.histStore); err != nil {
			srcHist.Close()
			return err
		}
		if err := srcHist.Close(); err != nil {
			return err
		}
		hist, err := history.New(b.histStore, b, history.Config{
			MaximalItems:      b.cfg.MaximalItems,
			Chunk:             b.cfg.HistoryChunk,
			UndoLockEnabled:   b.cfg.UndoLockEnabled,
			BranchForkEnabled: b.cfg.BranchForkEnabled,
			Logger:            b.cfg.Logger,
		})
		if err != nil {
			return err
		}
		b.hist = hist
	}
	return nil
}

// HistoryHost implementation -- LocalHistory drives these to apply the
// inverse of a logged item. history never touches rows directly (spec §9
// cyclic-reference note).

// locateData resolves at to a live-window row/offset, paging the target
// side in via GotoData first if a trim has since moved it to swap --
// undo/redo (spec §4.5/§8) must be able to resolve a position whose row
// was trimmed out after the original op ran.
func (b *TextBuffer) locateData(at int) (rowIdx, offset int, ok bool) {
	if rowIdx, offset, ok = b.locateDataInWindow(at); ok {
		return
	}
	if err := b.GotoData(at); err != nil {
		return 0, 0, false
	}
	return b.locateDataInWindow(at)
}

func (b *TextBuffer) locateDataInWindow(at int) (rowIdx, offset int, ok bool) {
	for i, r := range b.rows {
		end := r.DataStart + r.ContentLen() + r.End().Width()
		if at >= r.DataStart && at < end {
			return i, at - r.DataStart, true
		}
		if i == len(b.rows)-1 && at <= end {
			return i, r.ContentLen(), true
		}
	}
	return 0, 0, false
}

// RemoveSpan implements history.HistoryHost.
func (b *TextBuffer) RemoveSpan(from, to int) ([]history.RemovedEntry, error) {
	rowIdx, offset, ok := b.locateData(from)
	if !ok {
		return nil, fmt.Errorf("vtbuffer/buffer: RemoveSpan: %d outside window", from)
	}
	row := b.rows[rowIdx]
	stop := offset + (to - from)
	content, hadEnd, end := row.RemoveArea(offset, &stop, false)
	b.reindex(rowIdx)
	var ep *vt.RowEnd
	if hadEnd {
		ep = &end
	}
	return []history.RemovedEntry{{Content: content, End: ep}}, nil
}

// ReinsertRemoved implements history.HistoryHost.
func (b *TextBuffer) ReinsertRemoved(at int, removed []history.RemovedEntry) error {
	rowIdx, offset, ok := b.locateData(at)
	if !ok {
		return fmt.Errorf("vtbuffer/buffer: ReinsertRemoved: %d outside window", at)
	}
	row := b.rows[rowIdx]
	row.Cursor().PlaceContent(offset)
	for _, entry := range removed {
		row.WriteLine(entry.Content, vt.SubAppend)
		if entry.End != nil {
			row.SetEnd(*entry.End)
		}
	}
	b.reindex(rowIdx)
	return nil
}

// RestoreMarks implements history.HistoryHost.
func (b *TextBuffer) RestoreMarks(coord []int, cursor *int) ([]int, *int, error) {
	prev := b.marker.Snapshot()
	var prevCoord []int
	for _, r := range prev {
		prevCoord = append(prevCoord, r.Start, r.End)
	}
	var marks []vt.MarkRange
	for i := 0; i+1 < len(coord); i += 2 {
		marks = append(marks, vt.MarkRange{Start: coord[i], End: coord[i+1]})
	}
	b.marker.Restore(marks)
	return prevCoord, cursor, nil
}

// SetCursor implements history.HistoryHost.
func (b *TextBuffer) SetCursor(dataPos int) (int, error) {
	prev := b.data()
	if err := b.GotoData(dataPos); err != nil {
		return prev, err
	}
	return prev, nil
}

// AppendRestrictRemoved implements history.HistoryHost.
func (b *TextBuffer) AppendRestrictRemoved(rows []vt.PersistRow) error {
	loaded := decodeRows(rows, b.cfg.TabSize, b.cfg.VisualMax, b.cfg.TabToBlank)
	from := len(b.rows)
	if len(b.rows) > 0 && b.rows[len(b.rows)-1].End() == vt.EndNone && b.rows[len(b.rows)-1].ContentLen() == 0 {
		b.rows = b.rows[:len(b.rows)-1]
		from = len(b.rows)
	}
	b.rows = append(b.rows, loaded...)
	b.reindex(from)
	return nil
}

