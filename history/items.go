// Package history implements LocalHistory, the reversible-edit log from
// spec §4.5: coalescing writes/removals into held items, unification
// scopes, undo/redo dispatch, an optional undo-lock, an optional
// branch-fork store, and a maximal-items trim.
package history

import vt "github.com/srccircumflex/vtbuffer"

// ItemType is the `type_` tag from spec §4.5's item taxonomy table.
type ItemType int

const (
	TypeRemove             ItemType = -1
	TypeRemoveRange        ItemType = -2
	TypeRestrictRemovement ItemType = -8
	TypeCursor             ItemType = 0
	TypeWrite              ItemType = 1
	TypeRewrite            ItemType = 2
	TypeMarks              ItemType = 4
	TypeBranchMetadata     ItemType = 32
)

// TypeVal is the `typeval` tag, a subset qualifier orthogonal to ItemType.
type TypeVal int

const (
	ValReSubstitution    TypeVal = -32
	ValWRemove           TypeVal = -16
	ValDeletedNewline    TypeVal = -12
	ValBackspacedNewline TypeVal = -11
	ValLineSubstituted   TypeVal = -8
	ValSubstituted       TypeVal = -4
	ValDelete            TypeVal = -2
	ValBackspace         TypeVal = -1
	ValPosition          TypeVal = 0
	ValWrite             TypeVal = 1
	ValHasNewline        TypeVal = 2
	ValRewrite           TypeVal = 4
)

// Marker comment codes: TypeVal values reserved for MARKS items, purely
// informational (not consulted by undo/redo dispatch).
const (
	MarkRemovedByAdjust TypeVal = -105
	MarkPop             TypeVal = -103
	MarkInputConflict   TypeVal = -102
	MarkLapping         TypeVal = -101
	MarkPurged          TypeVal = -100
	MarkNewMarking      TypeVal = 100
	MarkExternalAdding  TypeVal = 101
	MarkUndoRedo        TypeVal = 126
)

// RemovedEntry is one removed row fragment: its content, and the row
// ending that was removed with it (nil meaning none).
type RemovedEntry struct {
	Content string
	End     *vt.RowEnd
}

// HistoryItem is one unit of the reversible edit log (spec §4.5).
type HistoryItem struct {
	ID      int
	Order   int
	Type    ItemType
	TypeVal TypeVal

	WorkRow int
	Coord   []int

	Removed         []RemovedEntry
	RestrictRemoved []vt.PersistRow

	Cursor *int
}

// contiguous reports whether other may extend h as a held item: same
// type/typeval, same work row, and other's start coordinate picks up
// exactly where h's end coordinate left off (spec §4.5 "Coalescing").
func (h *HistoryItem) contiguous(other *HistoryItem, back bool) bool {
	if h.Type != other.Type || h.TypeVal != other.TypeVal || h.WorkRow != other.WorkRow {
		return false
	}
	if len(h.Coord) == 0 || len(other.Coord) == 0 {
		return false
	}
	hEnd := h.Coord[len(h.Coord)-1]
	oStart := other.Coord[0]
	if back {
		return oStart == hEnd-lenEntries(other.Removed)
	}
	return oStart == hEnd
}

func lenEntries(rs []RemovedEntry) int {
	n := 0
	for _, r := range rs {
		n += len([]rune(r.Content))
	}
	return n
}
