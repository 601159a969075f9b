package vtbuffer

// EofSource is implemented by whatever can compute the document's current
// totals from scratch: the MetaIndex (for chunks above/below) plus the
// current window (for in-RAM rows). Exported so a facade in another
// package (orchestrating MetaIndex + the live window) can implement it.
type EofSource interface {
	ComputeTotals() (dataChars, contentChars, rows, lines int)
}

// EofMetas lazily caches document-wide totals (data chars, content chars,
// row count, line count). It is only recomputed the first time it is read
// after being invalidated, per spec §4 "EofMetas ... Lazy totals".
type EofMetas struct {
	source EofSource
	dirty  bool

	dataChars    int
	contentChars int
	rows         int
	lines        int
}

// NewEofMetas builds a totals cache reading from source, starting dirty so
// the first read recomputes.
func NewEofMetas(source EofSource) *EofMetas {
	return &EofMetas{source: source, dirty: true}
}

// Invalidate marks the cache stale; the next read recomputes from source.
func (e *EofMetas) Invalidate() {
	e.dirty = true
}

func (e *EofMetas) ensure() {
	if !e.dirty {
		return
	}
	e.dataChars, e.contentChars, e.rows, e.lines = e.source.ComputeTotals()
	e.dirty = false
}

// DataChars returns the total count of data characters in the document
// (content plus encoded row ends).
func (e *EofMetas) DataChars() int {
	e.ensure()
	return e.dataChars
}

// ContentChars returns the total count of printable content characters
// (row ends excluded).
func (e *EofMetas) ContentChars() int {
	e.ensure()
	return e.contentChars
}

// Rows returns the total row count across the whole document (window plus
// every swapped chunk).
func (e *EofMetas) Rows() int {
	e.ensure()
	return e.rows
}

// Lines returns the total line count (a line ends only at a hard newline).
func (e *EofMetas) Lines() int {
	e.ensure()
	return e.lines
}
