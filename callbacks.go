package vtbuffer

// OpClass distinguishes the conflict-resolution rule a mutating operation
// applies to markers before it edits rows (spec §4.6 step iii: "write,
// backspace, delete each has its own conflict rule").
type OpClass int

const (
	OpWrite OpClass = iota
	OpBackspace
	OpDelete
	OpRemove
	OpShift
	OpTabReplace
)

// MarkRange is one marking's absolute data-coordinate span.
type MarkRange struct {
	Start int
	End   int
}

// MarkerIF is the callback contract the core invokes to keep an external
// marker component consistent with every edit. The core never stores
// markings itself (§1: markers are out of scope); it only calls this
// interface with enough information for the real implementation to adjust
// its own state.
type MarkerIF interface {
	// ResolveConflicts lets the marker component react before a mutation
	// of the given class touches [start, stop). Implementations may
	// split, merge, or drop markings that overlap the touched range.
	ResolveConflicts(op OpClass, start, stop int)

	// Adjust shifts every marking by diff starting at start. rangeEnd
	// describes how far a removal reached: nil means nothing was
	// removed, a DataRange with RemovedThroughDocEnd set means the
	// removal ran to the end of the document, otherwise
	// DataRange.End is the absolute position removal stopped at.
	Adjust(start, diff int, rangeEnd *DataRange)

	// Snapshot returns the full marking set, used to build a MARKS
	// history item before an edit that might be undone.
	Snapshot() []MarkRange

	// Restore replaces the full marking set, used by history undo/redo
	// when replaying a MARKS item.
	Restore(marks []MarkRange)
}

// GlobCursorIF is the callback contract the core invokes to keep an
// external global-cursor/anchor component consistent with every edit.
type GlobCursorIF interface {
	// WillChange is called before a mutation, announcing that the data
	// position is about to change (spec §4.6 step ii).
	WillChange(newPos int)

	// Adjust shifts anchors by diff starting at start, with the same
	// rangeEnd semantics as MarkerIF.Adjust.
	Adjust(start, diff int, rangeEnd *DataRange)
}

// noopMarker and noopGlobCursor are do-nothing MarkerIF/GlobCursorIF
// implementations in this package. The buffer package keeps its own
// copies of them as the defaults for a TextBuffer built without external
// marker/cursor components.
type noopMarker struct{}

func (noopMarker) ResolveConflicts(OpClass, int, int)  {}
func (noopMarker) Adjust(int, int, *DataRange)         {}
func (noopMarker) Snapshot() []MarkRange               { return nil }
func (noopMarker) Restore([]MarkRange)                 {}

type noopGlobCursor struct{}

func (noopGlobCursor) WillChange(int)               {}
func (noopGlobCursor) Adjust(int, int, *DataRange) {}
