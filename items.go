package vtbuffer

// RowEnd encodes what terminates a row: none, a hard newline (starts a new
// line, Invariant 4/5), or a soft/non-breaking newline (starts a new row
// but not a new line). The numeric values match the on-disk encoding in
// spec §3.
type RowEnd int

const (
	EndNone RowEnd = 0
	EndHard RowEnd = 1
	EndSoft RowEnd = 2
)

// Width returns the data-char width this end contributes, per
// Invariant 3 (end_width(none)=0, hard=1, soft=1).
func (e RowEnd) Width() int {
	if e == EndNone {
		return 0
	}
	return 1
}

// IsLineBreak reports whether this end starts a new line (Invariant 4/5).
// Only a hard newline does.
func (e RowEnd) IsLineBreak() bool {
	return e == EndHard
}

func (e RowEnd) String() string {
	switch e {
	case EndNone:
		return "none"
	case EndHard:
		return "hard"
	case EndSoft:
		return "soft"
	default:
		return "invalid"
	}
}

// RemovedSpan is a single removed (content, end) pair as recorded by
// remove_area and replayed by history undo/redo (spec §4.1, §4.5).
type RemovedSpan struct {
	Content string
	HadEnd  bool
	End     RowEnd
}

// RowOverflow is returned by Row.WriteLine/Row.Write when content does not
// fit the row (either because of a visual-width cap, or because the
// written string itself contained newlines).
type RowOverflow struct {
	// Lines are the additional content lines produced by the overflow,
	// in document order.
	Lines []string
	// End is set only when the write consumed the row's own end marker: it
	// is the end (hard, or soft for an nbnl write) the last overflow line
	// carries in its place. nil means the row's end was not consumed; the
	// caller then reattaches the row's saved end to the last overflow line.
	End *RowEnd
	// TotalLen is the total rune length of all overflow content, used by
	// callers to size history/diff bookkeeping without re-scanning.
	TotalLen int
	// AutowrapPoint is the rune offset, within the row's content, at
	// which an autowrap boundary was matched, or -1 if none.
	AutowrapPoint int
}

// WriteItem describes one Row.Write call: what was inserted into the
// current row, what (if anything) was overwritten by a substitution mode,
// and any overflow that spilled into further rows.
type WriteItem struct {
	RowIndex int
	Start    int // content offset where the write began
	End      int // content offset where the write ended, within this row
	Inserted string

	// Removed is populated when a substitution mode (SubChars,
	// ForceSubChars, SubLine) overwrote existing content.
	HasRemoved bool
	Removed    RemovedSpan

	Overflow *RowOverflow
}

// DataRange is an absolute [Start, End) data-coordinate range, used both
// for edited-range reporting (ChunkLoad) and for removal bookkeeping where
// "end == nil" means "nothing removed" and a populated End means "removed
// through that absolute position" (spec §4.7). RemovedThroughDocEnd means the
// removal ran through the end of the document (spec's `false` sentinel).
type DataRange struct {
	Start              int
	End                int
	HasEnd             bool
	RemovedThroughDocEnd bool
}

// ChunkLoad is the descriptor handed to the highlighter after every public
// TextBuffer mutation (spec §4.6 step x). The core never interprets it
// further; it only builds and emits it.
type ChunkLoad struct {
	TopID int
	BtmID int

	TopCut []PersistRow
	BtmCut []PersistRow

	TopNLoad int
	BtmNLoad int

	SpecPosition *int

	EditedRange *DataRange
}

// PersistRow is the on-the-wire/on-disk shape of one row: its printable
// content plus its encoded end. It is what Swap persists and what Trimmer
// hands back as cut rows.
type PersistRow struct {
	Content string
	End     RowEnd
}
