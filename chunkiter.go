package vtbuffer

// IterMode selects how ChunkIter propagates MetaIndex changes while it
// walks a sorted coordinate batch (spec §4.4 shadow mode, §4.6 rowwork,
// §9 design note).
type IterMode int

const (
	// IterMemory: every coordinate resolves inside the live RAM window;
	// there is no swapped chunk metadata to touch.
	IterMemory IterMode = iota
	// IterLive: each step's MetaIndex adjustment (if any) is applied
	// immediately.
	IterLive
	// IterShadow: adjustments are deferred into a MetaIndexShadow and
	// committed in a single top-down pass when the iteration closes,
	// avoiding per-step propagation cost (spec §4.4).
	IterShadow
)

// CoordType is the coordinate space rowwork/shift_rows/remove/tab_replace
// coordinates are expressed in (spec §4.6 "parse coords ... into per-chunk
// catalogs").
type CoordType int

const (
	CoordData CoordType = iota
	CoordContent
	CoordRow
	CoordLine
)

// ResolvedCoord is one requested coordinate already mapped onto a row
// index (within the slice ChunkIter.Run is given) and an in-row offset in
// whatever coordinate space the caller requested. Resolving data/content/
// row/line coordinates into a row index is done by resolveCoord in
// buffer/rowwork.go;
// ChunkIter only drives the walk once that mapping is known.
type ResolvedCoord struct {
	Coord    int
	RowIndex int
	Offset   int
}

// ChunkIterVisitor is the callback surface ChunkIter drives once per
// coordinate. Spec §9's design note prefers a visitor trait over the
// original's closure-captured coroutine iteration for a systems-language
// port; CoordEnter plays the role of chunk_enter/coord_enter/coord_continue
// collapsed into one call per coordinate (there is no chunk-spanning here:
// callers ensure the coordinate range is paged into the window, or into an
// explicit ChunkBuffer, before running the iterator -- see
// SPEC_FULL.md/DESIGN.md on the scope of this port's ChunkIter).
type ChunkIterVisitor interface {
	CoordEnter(row *Row, rowOffset int, coord int) *WriteItem
}

// ChunkIter walks a sorted coordinate list against a slice of rows,
// invoking a visitor for each, while keeping a MetaIndex consistent per
// mode.
type ChunkIter struct {
	mode   IterMode
	mi     *MetaIndex
	shadow *MetaIndexShadow
}

// NewChunkIter opens an iteration in the given mode. In IterShadow mode it
// immediately opens a MetaIndexShadow on mi (may be nil for IterMemory).
func NewChunkIter(mode IterMode, mi *MetaIndex) *ChunkIter {
	it := &ChunkIter{mode: mode, mi: mi}
	if mode == IterShadow && mi != nil {
		it.shadow = mi.BeginShadow()
	}
	return it
}

// Mode reports the iteration's configured mode.
func (it *ChunkIter) Mode() IterMode { return it.mode }

// Shadow returns the open shadow overlay, or nil outside IterShadow mode.
// Visitors use this to record MetaIndex diffs for chunks they edit via a
// ChunkBuffer during the walk.
func (it *ChunkIter) Shadow() *MetaIndexShadow { return it.shadow }

// Run resolves each coordinate against rows (by index) and invokes
// visitor.CoordEnter, collecting the WriteItem each step produces (nil for
// a coordinate with no matching row).
func (it *ChunkIter) Run(rows []*Row, coords []ResolvedCoord, visitor ChunkIterVisitor) []*WriteItem {
	items := make([]*WriteItem, 0, len(coords))
	for _, rc := range coords {
		if rc.RowIndex < 0 || rc.RowIndex >= len(rows) {
			items = append(items, nil)
			continue
		}
		items = append(items, visitor.CoordEnter(rows[rc.RowIndex], rc.Offset, rc.Coord))
	}
	return items
}

// Close finalizes the iteration. In IterShadow mode this commits every
// recorded MetaIndex diff in one top-down pass (spec §4.4).
func (it *ChunkIter) Close() {
	if it.shadow != nil {
		it.shadow.Commit()
		it.shadow = nil
	}
}

// Abort discards a shadow overlay without applying it, for an error path
// that must leave MetaIndex untouched.
func (it *ChunkIter) Abort() {
	if it.shadow != nil {
		it.shadow.Discard()
		it.shadow = nil
	}
}
