package vtbuffer

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// SubMode selects how Row.WriteLine folds new text into existing content.
// The original exposes this as three independent booleans (sub_chars,
// force_sub_chars, sub_line); they are mutually exclusive in practice, so
// here they collapse into one enum.
type SubMode int

const (
	// SubAppend inserts at the cursor, pushing existing content right.
	SubAppend SubMode = iota
	// SubChars substitutes as many characters as it writes, stopping at the
	// next tab character (the tab itself is kept).
	SubChars
	// ForceSubChars substitutes exactly len(input) characters regardless
	// of tab boundaries.
	ForceSubChars
	// SubLine substitutes everything from the cursor to end of row.
	SubLine
)

// Row owns one line fragment's printable content, its end marker, and the
// tab-aware cursor arithmetic needed to place a caret inside it (spec
// §3/§4.1). row_index/row_num/line_num/content_start/data_start are only
// authoritative once the buffer's indexer has run over it.
type Row struct {
	content []rune
	end     RowEnd

	visualMax  int // 0 = uncapped
	tabSize    int
	tabToBlank bool

	cursor *RowCursor

	RowIndex     int
	RowNum       int
	LineNum      int
	ContentStart int
	DataStart    int

	rasterValid bool
	raster      []rowSegment
}

type rowSegment struct {
	text         string
	startContent int
	visualWidth  int
}

// NewRow builds an empty row with the given tab size and optional visual
// width cap (0 = uncapped).
func NewRow(tabSize, visualMax int, tabToBlank bool) *Row {
	r := &Row{tabSize: tabSize, visualMax: visualMax, tabToBlank: tabToBlank}
	r.cursor = NewRowCursor(r)
	return r
}

// Content returns the row's printable content (no newlines).
func (r *Row) Content() string { return string(r.content) }

// End returns the row's end marker.
func (r *Row) End() RowEnd { return r.end }

// SetEnd sets the row's end marker directly, without going through
// Write/Delete (used by the buffer facade when it splits, joins or
// rebuilds rows).
func (r *Row) SetEnd(e RowEnd) {
	r.end = e
	r.cursor.invalidate()
}

// ContentLen returns the rune length of the row's content.
func (r *Row) ContentLen() int { return len(r.content) }

// Cursor returns this row's RowCursor.
func (r *Row) Cursor() *RowCursor { return r.cursor }

func (r *Row) ensureRaster() {
	if r.rasterValid {
		return
	}
	r.raster = r.raster[:0]
	text := string(r.content)
	parts := strings.Split(text, "\t")
	offset := 0
	for _, p := range parts {
		r.raster = append(r.raster, rowSegment{text: p, startContent: offset, visualWidth: len([]rune(p))})
		offset += len([]rune(p)) + 1 // +1 for the tab rune that followed (absent on the last part)
	}
	r.rasterValid = true
}

// segments returns the row's raster, its content split on TAB (spec §4.1:
// "raster = content split on TAB").
func (r *Row) segments() []rowSegment {
	r.ensureRaster()
	return r.raster
}

// VisualLen returns the row's total display width, expanding tabs to the
// next multiple of tabSize.
func (r *Row) VisualLen() int {
	segs := r.segments()
	col := 0
	for i, s := range segs {
		col += s.visualWidth
		if i != len(segs)-1 {
			col += r.tabStopWidth(col)
		}
	}
	return col
}

func (r *Row) tabStopWidth(col int) int {
	if r.tabSize <= 0 {
		return 1
	}
	return r.tabSize - (col % r.tabSize)
}

// FreeSpace returns how much visual width remains before visualMax, or -1
// if the row is uncapped.
func (r *Row) FreeSpace() int {
	if r.visualMax <= 0 {
		return -1
	}
	free := r.visualMax - r.VisualLen()
	if free < 0 {
		free = 0
	}
	return free
}

func (r *Row) invalidate() {
	r.rasterValid = false
	r.cursor.invalidate()
}

// expandForInsert converts TAB runes in input into blanks relative to
// startCol, when tab-to-blank is enabled; otherwise input passes through
// untouched (tabs remain literal tab runes in content).
func (r *Row) expandForInsert(input string, startCol int) string {
	if !r.tabToBlank {
		return input
	}
	var b strings.Builder
	col := startCol
	for _, c := range input {
		if c == '\t' {
			n := r.tabStopWidth(col)
			for i := 0; i < n; i++ {
				b.WriteByte(' ')
			}
			col += n
		} else {
			b.WriteRune(c)
			col++
		}
	}
	return b.String()
}

// WriteLine writes line at the row's cursor content position using mode,
// returning overflow content that didn't fit a visual-width cap, how many
// existing characters the substitution overwrote, and whether the row's
// own end was consumed by a SubLine/ForceSubChars overwrite that reached
// past the last character.
func (r *Row) WriteLine(line string, mode SubMode) (overflow *RowOverflow, nDeleted int, removedEnd bool) {
	at := r.cursor.Content()
	if at < 0 || at > len(r.content) {
		return nil, 0, false
	}
	startCol := r.contentToVisual(at)
	expanded := []rune(r.expandForInsert(line, startCol))

	switch mode {
	case SubAppend:
		r.content = spliceRunes(r.content, at, at, expanded)
	case SubChars:
		stop := minInt(at+len(expanded), r.nextTabBoundary(at))
		nDeleted = stop - at
		r.content = spliceRunes(r.content, at, stop, expanded)
	case ForceSubChars:
		stop := minInt(at+len(expanded), len(r.content))
		nDeleted = stop - at
		removedEnd = stop == len(r.content) && at+len(expanded) > len(r.content) && r.end != EndNone
		r.content = spliceRunes(r.content, at, stop, expanded)
	case SubLine:
		nDeleted = len(r.content) - at
		removedEnd = r.end != EndNone
		r.content = spliceRunes(r.content, at, len(r.content), expanded)
	}

	r.invalidate()
	r.cursor.setContent(at + len(expanded))

	if r.visualMax > 0 {
		for r.VisualLen() > r.visualMax {
			cut := r.cutOneOverflowRune()
			if cut == nil {
				break
			}
			if overflow == nil {
				overflow = &RowOverflow{AutowrapPoint: -1}
			}
			overflow.Lines = append([]string{string(*cut)}, overflow.Lines...)
			overflow.TotalLen++
		}
	}

	return overflow, nDeleted, removedEnd
}

// cutOneOverflowRune removes the last rune of content (used to enforce a
// visual-width cap one rune at a time) and returns it, or nil if content
// is already empty.
func (r *Row) cutOneOverflowRune() *rune {
	if len(r.content) == 0 {
		return nil
	}
	last := r.content[len(r.content)-1]
	r.content = r.content[:len(r.content)-1]
	r.invalidate()
	return &last
}

func (r *Row) nextTabBoundary(from int) int {
	for i := from; i < len(r.content); i++ {
		if r.content[i] == '\t' {
			return i
		}
	}
	return len(r.content)
}

func (r *Row) contentToVisual(content int) int {
	return r.cursor.contentToVisual(content)
}

// Write splits s on newline, writes the first part into this row via
// WriteLine, and packages the rest as WriteItem.Overflow. CR is rejected.
func (r *Row) Write(s string, mode SubMode, nbnl bool) (WriteItem, error) {
	if strings.ContainsRune(s, '\r') {
		return WriteItem{}, fmt.Errorf("vtbuffer: CR is not permitted in Row.Write input")
	}
	start := r.cursor.Content()
	before := append([]rune(nil), r.content...)
	lines := strings.Split(s, "\n")

	overflow, nDeleted, removedEnd := r.WriteLine(lines[0], mode)
	item := WriteItem{
		RowIndex: r.RowIndex,
		Start:    start,
		End:      r.cursor.Content(),
		Inserted: lines[0],
	}
	if nDeleted > 0 {
		item.HasRemoved = true
		item.Removed = RemovedSpan{Content: string(before[start : start+nDeleted]), HadEnd: removedEnd}
		if removedEnd {
			item.Removed.End = r.end
		}
	}

	if len(lines) > 1 {
		if overflow == nil {
			overflow = &RowOverflow{AutowrapPoint: -1}
		}
		extra := lines[1:]
		if removedEnd {
			var e RowEnd = EndHard
			if nbnl {
				e = EndSoft
			}
			overflow.End = &e
		}
		overflow.Lines = append(overflow.Lines, extra...)
		for _, l := range extra {
			overflow.TotalLen += len(l)
		}
	}
	item.Overflow = overflow
	return item, nil
}

// Delete removes one character at the cursor, or (if end==true and the
// cursor is at end-of-content) the row's own end marker, signalling the
// caller should join this row with the next.
func (r *Row) Delete(end bool) (joined bool) {
	at := r.cursor.Content()
	if at < len(r.content) {
		r.content = spliceRunes(r.content, at, at+1, nil)
		r.invalidate()
		return false
	}
	if end && r.end != EndNone {
		r.end = EndNone
		return true
	}
	return false
}

// Backspace removes the character before the cursor, or -- at content
// offset 0 -- signals the caller should join this row to the previous one
// (by returning joined=true with nothing removed here).
func (r *Row) Backspace() (joined bool) {
	at := r.cursor.Content()
	if at == 0 {
		return true
	}
	r.content = spliceRunes(r.content, at-1, at, nil)
	r.invalidate()
	r.cursor.setContent(at - 1)
	return false
}

// RemoveArea removes content in [start, stop) (stop==nil means "to end of
// content, optionally consuming the end marker too if saturate"). It
// returns the removed content and, if the end was consumed, its value.
func (r *Row) RemoveArea(start int, stop *int, saturate bool) (content string, hadEnd bool, end RowEnd) {
	if start < 0 {
		start = 0
	}
	if start > len(r.content) {
		start = len(r.content)
	}
	realStop := len(r.content)
	consumesEnd := saturate
	if stop != nil {
		realStop = minInt(*stop, len(r.content))
		consumesEnd = saturate && *stop > len(r.content)
	}
	removed := string(r.content[start:realStop])
	r.content = spliceRunes(r.content, start, realStop, nil)
	r.invalidate()
	if consumesEnd && r.end != EndNone {
		end = r.end
		hadEnd = true
		r.end = EndNone
	}
	return removed, hadEnd, end
}

// Shift inserts one tab-stop of indent at row start (back==false) or
// removes up to one tab-stop of leading whitespace (back==true).
func (r *Row) Shift(back bool) {
	if !back {
		pad := make([]rune, r.tabSize)
		for i := range pad {
			pad[i] = ' '
		}
		if !r.tabToBlank {
			pad = []rune{'\t'}
		}
		r.content = spliceRunes(r.content, 0, 0, pad)
		r.invalidate()
		return
	}
	n := 0
	for n < len(r.content) && n < r.tabSize && (r.content[n] == ' ' || r.content[n] == '\t') {
		n++
	}
	if n > 0 {
		r.content = spliceRunes(r.content, 0, n, nil)
		r.invalidate()
	}
}

// ReplaceTabs expands TAB bytes inside [start, stop) to toChar, returning
// the corresponding WriteItem.
func (r *Row) ReplaceTabs(start, stop int, toChar rune) WriteItem {
	if start < 0 {
		start = 0
	}
	if stop > len(r.content) {
		stop = len(r.content)
	}
	if start >= stop {
		return WriteItem{RowIndex: r.RowIndex, Start: start, End: start}
	}
	changed := false
	for i := start; i < stop; i++ {
		if r.content[i] == '\t' {
			r.content[i] = toChar
			changed = true
		}
	}
	if changed {
		r.invalidate()
	}
	return WriteItem{RowIndex: r.RowIndex, Start: start, End: stop, Inserted: string(r.content[start:stop])}
}

func spliceRunes(content []rune, start, stop int, insert []rune) []rune {
	content = slices.Delete(content, start, stop)
	return slices.Insert(content, start, insert...)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
