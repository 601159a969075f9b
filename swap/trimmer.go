package swap

import vt "github.com/srccircumflex/vtbuffer"

// TrimMorph selects one of the three Trimmer behaviors from spec §4.3.
type TrimMorph int

const (
	// MorphSwap cuts rows to/from a Swap, bounding memory for arbitrarily
	// large documents.
	MorphSwap TrimMorph = iota
	// MorphDrop cuts rows to a caller-supplied sink and never reloads them
	// automatically; intended for a scrolling view rather than an editor.
	MorphDrop
	// MorphRestrictive drops the cut rows on the floor but keeps them
	// available to LocalHistory so an undo can resurrect them.
	MorphRestrictive
)

// DumpFunc persists (or otherwise disposes of) a chunk cut from side (0 =
// top, 1 = bottom) of the window, starting at the given absolute point.
type DumpFunc func(side int, start vt.Point, rows []vt.PersistRow) error

// Trimmer decides how many rows to cut from each end of the live window
// and where cut rows go, without itself touching the window's row slice:
// the buffer facade owns the rows and calls PlanTrim/Dump at the right
// moments (spec §4.3, §9 "keep the window's row slice inside the facade").
type Trimmer struct {
	morph TrimMorph

	rowsMax        int
	chunkSize      int
	topCharge      int
	dumpTrigger    int
	keepTopRowSize bool

	lastRowMaxsize int

	dump DumpFunc
	sw   *Swap
}

// NewSwapTrimmer builds a Trimmer in the SWAP morph, dumping cut chunks
// into sw.
func NewSwapTrimmer(rowsMax, chunkSize int, keepTopRowSize bool, sw *Swap) *Trimmer {
	t := &Trimmer{morph: MorphSwap, keepTopRowSize: keepTopRowSize, sw: sw}
	t.dump = func(side int, start vt.Point, rows []vt.PersistRow) error {
		if side == 0 {
			_, err := sw.PushTop(rows)
			return err
		}
		_, err := sw.PushBottom(start, rows)
		return err
	}
	t.Resize(rowsMax, chunkSize)
	return t
}

// NewDropTrimmer builds a Trimmer in the DROP morph, handing cut chunks to
// dump and never reloading them on its own.
func NewDropTrimmer(rowsMax, chunkSize int, keepTopRowSize bool, dump DumpFunc) *Trimmer {
	t := &Trimmer{morph: MorphDrop, keepTopRowSize: keepTopRowSize, dump: dump}
	t.Resize(rowsMax, chunkSize)
	return t
}

// NewRestrictiveTrimmer builds a Trimmer in the RESTRICTIVE morph: excess
// rows past rowsMax are cut from the bottom and discarded by the facade,
// which is expected to hand them to LocalHistory instead of a swap/sink.
func NewRestrictiveTrimmer(rowsMax, lastRowMaxsize int) *Trimmer {
	t := &Trimmer{morph: MorphRestrictive, rowsMax: rowsMax, lastRowMaxsize: lastRowMaxsize}
	return t
}

// Morph reports which behavior this Trimmer implements.
func (t *Trimmer) Morph() TrimMorph { return t.morph }

// RowsMax reports the configured row ceiling.
func (t *Trimmer) RowsMax() int { return t.rowsMax }

// LastRowMaxsize reports the restrictive morph's final-row size override.
func (t *Trimmer) LastRowMaxsize() int { return t.lastRowMaxsize }

// KeepTopRowSize reports whether the top row in the window keeps the
// "top row" size parametrization even once it is no longer the document's
// actual first row (spec "swap__keep_top_row_size").
func (t *Trimmer) KeepTopRowSize() bool { return t.keepTopRowSize }

// Resize reconfigures the chunk/row-ceiling parameters; takes effect
// immediately on the next PlanTrim.
func (t *Trimmer) Resize(rowsMax, chunkSize int) {
	t.rowsMax = rowsMax
	t.chunkSize = chunkSize
	t.topCharge = chunkSize * 2
	t.dumpTrigger = rowsMax + chunkSize
}

// TrimPlan is how many rows PlanTrim wants cut from each end, and (for
// MorphSwap/MorphDrop) where the cursor row index should land once those
// rows are gone.
type TrimPlan struct {
	CutTop      int
	CutBottom   int
	NewCursorAt int
}

// PlanTrim decides how many rows to cut, given the window's current row
// count and the cursor's row index within it (spec §4.3 SWAP morph: "rows
// of one chunk size are removed from the beginning ... until the cursor
// row is within two chunk sizes of the start; then chunking continues at
// the end until the ceiling is no longer exceeded"). MorphRestrictive
// ignores cursor position and always cuts from the bottom.
func (t *Trimmer) PlanTrim(numRows, cursorRowIndex int) TrimPlan {
	if t.morph == MorphRestrictive {
		if numRows > t.rowsMax {
			return TrimPlan{CutBottom: numRows - t.rowsMax, NewCursorAt: cursorRowIndex}
		}
		return TrimPlan{}
	}

	if numRows <= t.dumpTrigger {
		return TrimPlan{}
	}

	cutTop := 0
	cr := cursorRowIndex
	nr := numRows
	for cr > t.topCharge {
		cr -= t.chunkSize
		nr -= t.chunkSize
		cutTop += t.chunkSize
	}
	cutBottom := 0
	for nr > t.dumpTrigger {
		nr -= t.chunkSize
		cutBottom += t.chunkSize
	}
	if cutTop == 0 && cutBottom == 0 {
		return TrimPlan{}
	}
	return TrimPlan{CutTop: cutTop, CutBottom: cutBottom, NewCursorAt: cr}
}

// Dump persists (or disposes of) a chunk the facade has already cut and
// encoded, for the SWAP/DROP morphs. MorphRestrictive never calls this:
// its cut rows are handed to LocalHistory directly by the facade.
func (t *Trimmer) Dump(side int, start vt.Point, rows []vt.PersistRow) error {
	if t.dump == nil {
		return nil
	}
	return t.dump(side, start, rows)
}

// Swap returns the wrapped Swap for the SWAP morph, or nil otherwise, so
// the facade can drive Poll/Demand directly.
func (t *Trimmer) Swap() *Swap { return t.sw }
