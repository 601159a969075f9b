package history

import (
	"errors"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	vt "github.com/srccircumflex/vtbuffer"
)

// ErrUndoLocked is returned by every recording/mutating method while the
// undo-lock is engaged (spec §4.5 "Undo-lock").
var ErrUndoLocked = errors.New("vtbuffer/history: undo-locked, call LockRelease first")

// ErrNothingToForkTo is returned by BranchFork when the branch table is
// empty.
var ErrNothingToForkTo = errors.New("vtbuffer/history: no branch to fork to")

// ErrForkCursorMismatch is returned by BranchFork when the parked branch
// has no metadata item, or its metadata item has no recorded cursor.
// BranchFork does not compare the recorded cursor with the document's.
var ErrForkCursorMismatch = errors.New("vtbuffer/history: fork cursor mismatch")

// ClampState lifts the three negative-sentinel outcomes the spec's Open
// Question (b) leaves as raw ints into a named enum: whether an older
// point of the document is still reachable, and if not, why.
type ClampState int

const (
	// ClampOK means the clamp (if any) is a normal, reachable progress id.
	ClampOK ClampState = 0
	// ClampReachableViaFork means the clamped point only survives inside a
	// parked branch-fork table; BranchFork must be called to reach it.
	ClampReachableViaFork ClampState = -1
	// ClampLostToTrim means a maximal-items trim discarded the ids the
	// clamp depended on.
	ClampLostToTrim ClampState = -2
	// ClampLostToRedoFlush means a forward edit discarded the redo tail
	// the clamp depended on, with branch-forks disabled.
	ClampLostToRedoFlush ClampState = -3
)

// HistoryHost is the callback surface LocalHistory drives to apply the
// inverse of a logged item. The TextBuffer facade implements this; history
// itself never touches rows or the document cursor directly (same
// decoupling rationale as Trimmer/Swap, spec §9).
type HistoryHost interface {
	// RemoveSpan deletes the data range [from, to) and returns what was
	// removed, for undoing a WRITE or redoing a REMOVE.
	RemoveSpan(from, to int) ([]RemovedEntry, error)
	// ReinsertRemoved writes removed back at data position at, for undoing
	// a REMOVE/REMOVE_RANGE or redoing a WRITE.
	ReinsertRemoved(at int, removed []RemovedEntry) error
	// RestoreMarks replaces the marker set with the one described by
	// coord/cursor, returning the marker set it just replaced so the
	// caller can build a redo counterpart.
	RestoreMarks(coord []int, cursor *int) (prevCoord []int, prevCursor *int, err error)
	// SetCursor moves the document cursor to dataPos, returning its
	// previous position.
	SetCursor(dataPos int) (prev int, err error)
	// AppendRestrictRemoved re-appends rows a restrictive trim discarded,
	// at the document's current bottom.
	AppendRestrictRemoved(rows []vt.PersistRow) error
}

// Config configures a LocalHistory instance.
type Config struct {
	// MaximalItems and Chunk bound the log: MaximalItemsTrim drops the
	// oldest Chunk ids once the progress id exceeds MaximalItems+Chunk.
	// Recording items does not run that trim by itself.
	MaximalItems int
	Chunk        int

	UndoLockEnabled   bool
	BranchForkEnabled bool

	Logger *zap.Logger
}

func sugared(l *zap.Logger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// LocalHistory is the reversible-edit log described by spec §4.5: an
// append-only chronological store with held-item coalescing, unification
// scopes, an undo/redo engine, an optional undo-lock, and an optional
// branch-fork store.
type LocalHistory struct {
	store *Store
	cfg   Config
	host  HistoryHost
	log   *zap.SugaredLogger

	held *HistoryItem

	nextID     int
	progressID int

	uniteDepth      int
	uniteID         int
	uniteOrder      int
	uniteHadOrdered bool

	locked bool

	forkID int

	clamp ClampState
}

// New creates a LocalHistory backed by store, driving host for undo/redo
// inverses.
func New(store *Store, host HistoryHost, cfg Config) (*LocalHistory, error) {
	undoID, forkID, err := store.LoadMetas()
	if err != nil {
		return nil, err
	}
	h := &LocalHistory{
		store:      store,
		cfg:        cfg,
		host:       host,
		log:        sugared(cfg.Logger),
		nextID:     1,
		progressID: undoID,
		forkID:     forkID,
	}
	if h.progressID > 0 {
		h.nextID = h.progressID + 1
	}
	return h, nil
}

// SetHost rebinds the HistoryHost, used when a TextBuffer facade is
// constructed after its LocalHistory (to break the construction cycle).
func (h *LocalHistory) SetHost(host HistoryHost) { h.host = host }

// ProgressID reports the current chronological cursor.
func (h *LocalHistory) ProgressID() int { return h.progressID }

// Locked reports whether the undo-lock is currently engaged.
func (h *LocalHistory) Locked() bool { return h.locked }

// Clamp reports the last recorded clamp outcome.
func (h *LocalHistory) Clamp() ClampState { return h.clamp }

func (h *LocalHistory) checkLock() error {
	if h.locked {
		return ErrUndoLocked
	}
	return nil
}

// Unite opens a unification scope (spec "Unification"): every item dumped
// before the returned func is called shares one chronological id, ordered
// by a descending order counter. Nested Unite calls are a no-op past the
// first. The returned func MUST be called on every path (the scope is not
// exception-safe otherwise); callers should `defer` it.
func (h *LocalHistory) Unite() func() {
	if h.uniteDepth > 0 {
		h.uniteDepth++
		return func() { h.uniteDepth-- }
	}
	h.uniteDepth = 1
	h.uniteID = h.nextID
	h.uniteOrder = 0
	h.uniteHadOrdered = false
	return func() {
		if h.uniteDepth == 0 {
			return
		}
		h.uniteDepth--
		if h.uniteDepth > 0 {
			return
		}
		h.dumpHeld()
		if h.uniteHadOrdered {
			h.nextID++
			h.progressID = h.uniteID
			h.saveMetas()
		}
	}
}

func (h *LocalHistory) uniting() bool { return h.uniteDepth > 0 }

func (h *LocalHistory) currentID() int {
	if h.uniting() {
		return h.uniteID
	}
	return h.nextID
}

func (h *LocalHistory) allocOrder() int {
	if h.uniting() {
		o := h.uniteOrder
		h.uniteOrder--
		h.uniteHadOrdered = true
		return o
	}
	return 0
}

func (h *LocalHistory) saveMetas() {
	if err := h.store.SaveMetas(h.progressID, h.forkID); err != nil {
		h.log.Warnw("save history metas failed", "error", err)
	}
}

// dumpHeld commits the currently-held coalesced item, if any.
func (h *LocalHistory) dumpHeld() error {
	if h.held == nil {
		return nil
	}
	item := *h.held
	h.held = nil
	item.ID = h.currentID()
	item.Order = h.allocOrder()
	if err := h.store.InsertItem(item); err != nil {
		return err
	}
	if !h.uniting() {
		h.nextID++
		h.progressID = item.ID
		h.saveMetas()
		if err := h.flushRedoOnWrite(); err != nil {
			return err
		}
	}
	return nil
}

// record holds or coalesces item as the pending item, dumping any
// previously-held item first if it cannot be extended. back selects the
// coalescing direction (REMOVE items coalesce either forward, on delete,
// or backward, on backspace).
func (h *LocalHistory) record(item *HistoryItem, back bool) error {
	if err := h.checkLock(); err != nil {
		return err
	}
	if h.held != nil && h.held.Type == item.Type && h.held.contiguous(item, back) {
		h.held.Coord = append(h.held.Coord, item.Coord...)
		h.held.Removed = append(h.held.Removed, item.Removed...)
		return nil
	}
	if err := h.dumpHeld(); err != nil {
		return err
	}
	h.held = item
	return nil
}

// RecordWrite logs a WRITE (or RE_WRITE redo-replay) item.
func (h *LocalHistory) RecordWrite(workRow, start, end int, removed []RemovedEntry, redo bool) error {
	t := TypeWrite
	if redo {
		t = TypeRewrite
	}
	return h.record(&HistoryItem{
		Type: t, TypeVal: ValWrite,
		WorkRow: workRow, Coord: []int{start, end},
		Removed: removed,
	}, false)
}

// RecordRemove logs a single-char removal, coalesced by direction (back =
// true for backspace, false for delete).
func (h *LocalHistory) RecordRemove(workRow, at int, removed RemovedEntry, back bool) error {
	tv := ValDelete
	if back {
		tv = ValBackspace
	}
	return h.record(&HistoryItem{
		Type: TypeRemove, TypeVal: tv,
		WorkRow: workRow, Coord: []int{at},
		Removed: []RemovedEntry{removed},
	}, back)
}

// RecordRemoveRange logs a multi-row/range removal.
func (h *LocalHistory) RecordRemoveRange(workRow, start int, removed []RemovedEntry) error {
	cursor := start
	if err := h.dumpHeld(); err != nil {
		return err
	}
	return h.record(&HistoryItem{
		Type: TypeRemoveRange, TypeVal: ValWRemove,
		WorkRow: workRow, Coord: []int{start},
		Removed: removed,
		Cursor:  &cursor,
	}, false)
}

// RecordMarks logs a pre-edit snapshot of the marker set.
func (h *LocalHistory) RecordMarks(coord []int, cursor *int) error {
	if err := h.dumpHeld(); err != nil {
		return err
	}
	return h.record(&HistoryItem{
		Type: TypeMarks, TypeVal: ValPosition,
		Coord: coord, Cursor: cursor,
	}, false)
}

// RecordCursor logs a special (non-motion-editing) cursor jump.
func (h *LocalHistory) RecordCursor(dataPos int) error {
	if err := h.dumpHeld(); err != nil {
		return err
	}
	cursor := dataPos
	return h.record(&HistoryItem{Type: TypeCursor, TypeVal: ValPosition, Cursor: &cursor}, false)
}

// RecordRestrictRemovement logs rows a restrictive trim discarded.
func (h *LocalHistory) RecordRestrictRemovement(rows []vt.PersistRow) error {
	if err := h.dumpHeld(); err != nil {
		return err
	}
	return h.record(&HistoryItem{Type: TypeRestrictRemovement, TypeVal: ValPosition, RestrictRemoved: rows}, false)
}

// invert applies item's inverse through host and returns the counterpart
// item to log in its place.
func (h *LocalHistory) invert(item HistoryItem) (HistoryItem, error) {
	switch item.Type {
	case TypeWrite, TypeRewrite:
		start, end := item.Coord[0], item.Coord[1]
		removed, err := h.host.RemoveSpan(start, end)
		if err != nil {
			return HistoryItem{}, err
		}
		if item.Removed != nil {
			if err := h.host.ReinsertRemoved(start, item.Removed); err != nil {
				return HistoryItem{}, err
			}
		}
		counterType := TypeRemove
		newEnd := start + lenEntries(removed)
		return HistoryItem{
			Type: counterType, TypeVal: ValWRemove,
			WorkRow: item.WorkRow, Coord: []int{start, newEnd},
			Removed: removed,
		}, nil

	case TypeRemove, TypeRemoveRange:
		at := item.Coord[0]
		if item.Type == TypeRemoveRange && item.Cursor != nil {
			at = *item.Cursor
		}
		if err := h.host.ReinsertRemoved(at, item.Removed); err != nil {
			return HistoryItem{}, err
		}
		end := at + lenEntries(item.Removed)
		return HistoryItem{
			Type: TypeWrite, TypeVal: ValWrite,
			WorkRow: item.WorkRow, Coord: []int{at, end},
		}, nil

	case TypeRestrictRemovement:
		if err := h.host.AppendRestrictRemoved(item.RestrictRemoved); err != nil {
			return HistoryItem{}, err
		}
		return HistoryItem{Type: TypeRestrictRemovement, TypeVal: ValPosition, RestrictRemoved: item.RestrictRemoved}, nil

	case TypeMarks:
		prevCoord, prevCursor, err := h.host.RestoreMarks(item.Coord, item.Cursor)
		if err != nil {
			return HistoryItem{}, err
		}
		return HistoryItem{Type: TypeMarks, TypeVal: ValPosition, Coord: prevCoord, Cursor: prevCursor}, nil

	case TypeCursor:
		prev, err := h.host.SetCursor(*item.Cursor)
		if err != nil {
			return HistoryItem{}, err
		}
		return HistoryItem{Type: TypeCursor, TypeVal: ValPosition, Cursor: &prev}, nil

	default:
		return HistoryItem{}, nil
	}
}

func sortByOrderAsc(items []HistoryItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Order < items[j].Order })
}

// Undo replays the items at the current progress id in reverse, writing
// their inverses under the dedicated redo id -progress. A no-op past
// chronological progress 0.
func (h *LocalHistory) Undo() error {
	if err := h.dumpHeld(); err != nil {
		return err
	}
	if h.progressID <= 0 {
		return nil
	}
	cursor := h.progressID
	items, err := h.store.LoadItemsByID(cursor)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		h.progressID = cursor - 1
		h.saveMetas()
		return nil
	}
	sortByOrderAsc(items)
	dedicatedID := -cursor
	for i := len(items) - 1; i >= 0; i-- {
		counter, err := h.invert(items[i])
		if err != nil {
			return err
		}
		counter.ID = dedicatedID
		counter.Order = i
		if err := h.store.InsertItem(counter); err != nil {
			return err
		}
	}
	if err := h.store.DeleteItemsByID(cursor); err != nil {
		return err
	}
	h.progressID = cursor - 1
	h.saveMetas()
	if h.cfg.UndoLockEnabled {
		h.locked = true
	}
	return nil
}

// Redo replays the parked redo tail at -(progress+1) forward, writing
// counterparts at the new positive progress id. A no-op if there is no
// redo tail.
func (h *LocalHistory) Redo() error {
	if err := h.dumpHeld(); err != nil {
		return err
	}
	redoID := -(h.progressID + 1)
	items, err := h.store.LoadItemsByID(redoID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	sortByOrderAsc(items)
	newID := h.progressID + 1
	for i := len(items) - 1; i >= 0; i-- {
		counter, err := h.invert(items[i])
		if err != nil {
			return err
		}
		counter.ID = newID
		counter.Order = i
		if err := h.store.InsertItem(counter); err != nil {
			return err
		}
	}
	if err := h.store.DeleteItemsByID(redoID); err != nil {
		return err
	}
	h.progressID = newID
	if newID+1 > h.nextID {
		h.nextID = newID + 1
	}
	h.saveMetas()
	return nil
}

// LockRelease clears the undo-lock and flushes the redo tail, per spec
// "Undo-lock": this is the only way to resume editing after the first
// Undo() while the lock is configured.
func (h *LocalHistory) LockRelease() error {
	h.locked = false
	return h.flushRedoOnWrite()
}

// flushRedoOnWrite discards (or, with branch-forks enabled, parks) the
// redo tail below the current progress id. Called whenever a forward edit
// commits, per spec "Writing flushes redo entries".
func (h *LocalHistory) flushRedoOnWrite() error {
	lo, err := h.store.MinNegativeID()
	if err != nil {
		return err
	}
	if lo == 0 {
		return nil
	}
	hi := -1
	if !h.cfg.BranchForkEnabled {
		return h.store.DeleteIDRange(lo, hi)
	}

	h.forkID++
	items, err := h.collectRange(lo, hi)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := h.store.InsertBranchItem(h.forkID, it); err != nil {
			return err
		}
	}
	cursor := h.progressID
	meta := HistoryItem{
		ID: 0, Type: TypeBranchMetadata, TypeVal: ValPosition,
		Coord:  []int{h.progressID, lo},
		Cursor: &cursor,
		Order:  0,
	}
	if err := h.store.InsertBranchItem(h.forkID, meta); err != nil {
		return err
	}
	if err := h.store.DeleteIDRange(lo, hi); err != nil {
		return err
	}
	h.saveMetas()
	return nil
}

func (h *LocalHistory) collectRange(lo, hi int) ([]HistoryItem, error) {
	var out []HistoryItem
	for id := lo; id <= hi; id++ {
		items, err := h.store.LoadItemsByID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// BranchFork swaps the current redo tail with the most recently parked
// branch: it aligns the document's cursor to the fork's recorded branch
// point via undo/redo, then copies the branch's rows back into the main
// table. If redoHint > 0, it re-runs Redo up to redoHint times (or to
// exhaustion) after the swap. Returns ErrNothingToForkTo if no branch is
// parked.
func (h *LocalHistory) BranchFork(redoHint int) (err error) {
	if h.forkID == 0 {
		return ErrNothingToForkTo
	}
	branchItems, loadErr := h.store.LoadBranchItems(h.forkID)
	if loadErr != nil {
		return loadErr
	}
	if len(branchItems) == 0 {
		return ErrNothingToForkTo
	}

	var meta *HistoryItem
	var rest []HistoryItem
	for i := range branchItems {
		it := branchItems[i]
		if it.Type == TypeBranchMetadata {
			meta = &it
			continue
		}
		rest = append(rest, it)
	}
	if meta == nil || meta.Cursor == nil {
		return ErrForkCursorMismatch
	}

	targetProgress := meta.Coord[0]
	for h.progressID > targetProgress {
		if uErr := h.Undo(); uErr != nil {
			return uErr
		}
	}
	for h.progressID < targetProgress {
		if rErr := h.Redo(); rErr != nil {
			return rErr
		}
	}

	lo, hiErr := h.store.MinNegativeID()
	if hiErr != nil {
		return hiErr
	}
	if lo != 0 {
		if dErr := h.store.DeleteIDRange(lo, -1); dErr != nil {
			return dErr
		}
	}
	for _, it := range rest {
		if iErr := h.store.InsertItem(it); iErr != nil {
			return iErr
		}
	}
	if dbErr := h.store.DeleteBranchFork(h.forkID); dbErr != nil {
		err = multierr.Append(err, dbErr)
	}
	h.forkID--
	h.saveMetas()

	if redoHint > 0 {
		for i := 0; i < redoHint; i++ {
			before := h.progressID
			if rErr := h.Redo(); rErr != nil {
				return multierr.Append(err, rErr)
			}
			if h.progressID == before {
				break
			}
		}
	} else if redoHint < 0 {
		for {
			before := h.progressID
			if rErr := h.Redo(); rErr != nil {
				return multierr.Append(err, rErr)
			}
			if h.progressID == before {
				break
			}
		}
	}
	return err
}

// MaximalItemsTrim runs the configured maximal-items policy: once the
// progress id exceeds MaximalItems+Chunk, it invokes action (the caller's
// `maximal_items_action` hook), deletes the lowest Chunk ids from the main
// table, and renumbers what remains there downward. The parked branch-fork
// table is not touched: its items and metadata keep their old ids.
func (h *LocalHistory) MaximalItemsTrim(action func(droppedThrough int) error) error {
	if h.cfg.MaximalItems <= 0 || h.cfg.Chunk <= 0 {
		return nil
	}
	if h.progressID <= h.cfg.MaximalItems+h.cfg.Chunk {
		return nil
	}
	shift := h.cfg.Chunk
	if action != nil {
		if err := action(shift); err != nil {
			return err
		}
	}
	if err := h.store.DeleteIDRange(1, shift); err != nil {
		return err
	}
	if err := h.store.RenumberShift(shift); err != nil {
		return err
	}
	h.progressID -= shift
	h.nextID -= shift
	if h.progressID < 0 {
		h.clamp = ClampLostToTrim
	}
	h.saveMetas()
	return nil
}
