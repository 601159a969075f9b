package swap

import (
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	vt "github.com/srccircumflex/vtbuffer"
)

// Config bundles what Swap needs to decode/encode rows while paging them,
// mirroring the Row construction parameters a buffer is opened with (spec
// §4.1 "Opening parameters").
type Config struct {
	Path       string
	TabSize    int
	VisualMax  int
	TabToBlank bool
	Logger     *zap.Logger
}

func sugared(l *zap.Logger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Swap is the paging engine from spec §4.4: it owns the on-disk Store and
// the in-memory MetaIndex together, and moves whole chunks between them.
// Position-id algebra (which slot sits at position -1/+1/...) is entirely
// delegated to MetaIndex; Swap's job is turning MetaIndex's decisions into
// store reads/writes and decoded/encoded rows.
type Swap struct {
	store *Store
	mi    *vt.MetaIndex

	nextSlot int

	tabSize    int
	visualMax  int
	tabToBlank bool

	log *zap.SugaredLogger
}

// New opens (or creates) the swap store at cfg.Path and wraps it together
// with mi, which the caller has already constructed (or reconstructed via
// Reopen) to describe the window's current start point.
func New(cfg Config, mi *vt.MetaIndex) (*Swap, error) {
	store, err := Open(cfg.Path, OpenOrCreate)
	if err != nil {
		return nil, err
	}
	return &Swap{
		store:      store,
		mi:         mi,
		nextSlot:   1,
		tabSize:    cfg.TabSize,
		visualMax:  cfg.VisualMax,
		tabToBlank: cfg.TabToBlank,
		log:        sugared(cfg.Logger),
	}, nil
}

// Reopen loads an existing store and rebuilds its MetaIndex from the
// persisted chunk_index/metas tables, for resuming a session against a
// file left by a prior export_bufferdb/Close (spec §4.6 "import_bufferdb").
func Reopen(cfg Config) (*Swap, error) {
	store, err := Open(cfg.Path, OpenExisting)
	if err != nil {
		return nil, err
	}
	mi, err := rebuildMetaIndex(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	nextSlot, err := maxSlot(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Swap{
		store:      store,
		mi:         mi,
		nextSlot:   nextSlot + 1,
		tabSize:    cfg.TabSize,
		visualMax:  cfg.VisualMax,
		tabToBlank: cfg.TabToBlank,
		log:        sugared(cfg.Logger),
	}, nil
}

func maxSlot(s *Store) (int, error) {
	slotMap, err := s.LoadSlotMap()
	if err != nil {
		return 0, err
	}
	max := 0
	for _, slot := range slotMap {
		if slot > max {
			max = slot
		}
	}
	return max, nil
}

// rebuildMetaIndex replays the slot map (ordered by position id) back into
// a fresh MetaIndex's top/bottom lists, reading each entry's chunk_index
// row for its Point/NRows/NNewlines.
func rebuildMetaIndex(s *Store) (*vt.MetaIndex, error) {
	topID, btmID, _, err := s.LoadMetasHead()
	if err != nil {
		return nil, err
	}
	slotMap, err := s.LoadSlotMap()
	if err != nil {
		return nil, err
	}
	mi := vt.NewMetaIndex(vt.Point{})
	for pos := -1; pos >= topID; pos-- {
		slot, ok := slotMap[pos]
		if !ok {
			return nil, &vt.DatabaseCorruptedError{Reason: "missing top slot-map entry"}
		}
		entry, ok, err := s.LoadChunkIndex(slot)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &vt.DatabaseCorruptedError{Reason: "missing chunk_index row"}
		}
		mi.AdoptTop(entry)
	}
	for pos := 1; pos <= btmID; pos++ {
		slot, ok := slotMap[pos]
		if !ok {
			return nil, &vt.DatabaseCorruptedError{Reason: "missing bottom slot-map entry"}
		}
		entry, ok, err := s.LoadChunkIndex(slot)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &vt.DatabaseCorruptedError{Reason: "missing chunk_index row"}
		}
		mi.AdoptBottom(entry)
	}
	if mi.TopLen() > 0 {
		top, _ := mi.TopAt(0)
		rows, err := s.LoadRows(top.Slot)
		if err != nil {
			return nil, err
		}
		sp := spanOf(rows)
		mi.SetWindowStart(vt.Point{
			Data:    top.Start.Data + sp.DData,
			Content: top.Start.Content + sp.DContent,
			Row:     top.Start.Row + sp.DRow,
			Line:    top.Start.Line + sp.DLine,
		})
	}
	return mi, nil
}

// MetaIndex exposes the wrapped index. The buffer facade shares it to
// resolve coordinates and also moves the window start and the start points
// below the window itself (SetWindowStart, AdjustSequenceBelowWindow);
// chunk entries are added and removed only through Swap's own methods.
func (s *Swap) MetaIndex() *vt.MetaIndex { return s.mi }

// TopLen/BtmLen report how many chunks currently sit on each side of the
// window without touching the store.
func (s *Swap) TopLen() int { return s.mi.TopLen() }
func (s *Swap) BtmLen() int { return s.mi.BtmLen() }

// PositionIDs returns the outermost position ids currently swapped out.
func (s *Swap) PositionIDs() (topID, btmID int) { return s.mi.PositionIDs() }

func (s *Swap) allocSlot() int {
	slot := s.nextSlot
	s.nextSlot++
	return slot
}

func countNewlines(rows []vt.PersistRow) int {
	n := 0
	for _, r := range rows {
		if r.End.IsLineBreak() {
			n++
		}
	}
	return n
}

func spanOf(rows []vt.PersistRow) vt.Span {
	var sp vt.Span
	for _, r := range rows {
		n := len([]rune(r.Content))
		sp.DData += n + r.End.Width()
		sp.DContent += n
		sp.DRow++
		if r.End.IsLineBreak() {
			sp.DLine++
		}
	}
	return sp
}

// PushTop dumps rows as a brand-new chunk immediately above the window
// (spec §4.4 "dump_chunk"). It allocates a fresh, never-reused slot,
// persists the rows, and records the chunk's MetaEntry both in the
// in-memory index and in swap_chunk_index.
func (s *Swap) PushTop(rows []vt.PersistRow) (vt.MetaEntry, error) {
	slot := s.allocSlot()
	nNL := countNewlines(rows)
	entry := s.mi.CutToTop(slot, len(rows), nNL, spanOf(rows))
	if err := s.store.InsertRows(slot, rows); err != nil {
		return vt.MetaEntry{}, err
	}
	if err := s.store.UpsertChunkIndex(entry); err != nil {
		return vt.MetaEntry{}, err
	}
	s.log.Debugw("swap: dumped chunk above window", "slot", slot, "rows", len(rows))
	return entry, nil
}

// PushBottom dumps rows as a brand-new chunk immediately below the window.
func (s *Swap) PushBottom(start vt.Point, rows []vt.PersistRow) (vt.MetaEntry, error) {
	slot := s.allocSlot()
	nNL := countNewlines(rows)
	entry := s.mi.CutToBottom(slot, start, len(rows), nNL)
	if err := s.store.InsertRows(slot, rows); err != nil {
		return vt.MetaEntry{}, err
	}
	if err := s.store.UpsertChunkIndex(entry); err != nil {
		return vt.MetaEntry{}, err
	}
	s.log.Debugw("swap: dumped chunk below window", "slot", slot, "rows", len(rows))
	return entry, nil
}

// PopTop loads the chunk nearest the window on the top side back into the
// caller's hands, removing it from the store and from MetaIndex (spec
// §4.4 "load_chunk"). ok is false if there is nothing left on that side.
func (s *Swap) PopTop() ([]vt.PersistRow, vt.MetaEntry, bool, error) {
	entry, ok := s.mi.LoadFromTop()
	if !ok {
		return nil, vt.MetaEntry{}, false, nil
	}
	rows, err := s.store.LoadRows(entry.Slot)
	if err != nil {
		return nil, vt.MetaEntry{}, false, err
	}
	if err := s.store.DeleteRows(entry.Slot); err != nil {
		return nil, vt.MetaEntry{}, false, err
	}
	if err := s.store.DeleteChunkIndex(entry.Slot); err != nil {
		return nil, vt.MetaEntry{}, false, err
	}
	s.log.Debugw("swap: loaded chunk from top", "slot", entry.Slot, "rows", len(rows))
	return rows, entry, true, nil
}

// PopBottom is PopTop's mirror on the bottom side.
func (s *Swap) PopBottom() ([]vt.PersistRow, vt.MetaEntry, bool, error) {
	entry, ok := s.mi.LoadFromBottom()
	if !ok {
		return nil, vt.MetaEntry{}, false, nil
	}
	rows, err := s.store.LoadRows(entry.Slot)
	if err != nil {
		return nil, vt.MetaEntry{}, false, err
	}
	if err := s.store.DeleteRows(entry.Slot); err != nil {
		return nil, vt.MetaEntry{}, false, err
	}
	if err := s.store.DeleteChunkIndex(entry.Slot); err != nil {
		return nil, vt.MetaEntry{}, false, err
	}
	s.log.Debugw("swap: loaded chunk from bottom", "slot", entry.Slot, "rows", len(rows))
	return rows, entry, true, nil
}

// DropChunk garbage-collects a chunk emptied by a ChunkBuffer edit (spec
// §3 "dies when the last row is removed"). Callers must have already
// folded the chunk's removal into a MetaIndex adjustment (Span zeroing its
// extent) before calling this, since RemoveSlot does not shift any start
// points itself.
func (s *Swap) DropChunk(slot int) error {
	position, ok := s.mi.RemoveSlot(slot)
	if !ok {
		return nil
	}
	if err := s.store.DeleteRows(slot); err != nil {
		return err
	}
	_ = position
	return s.store.DeleteChunkIndex(slot)
}

// DemandParams describes the window's current live shape, needed to
// decide whether it should be topped up from swap (spec §4.4 "Auto-fill").
type DemandParams struct {
	// CursorRowIndex is the cursor's row index within the window.
	CursorRowIndex int
	WindowLen      int
	RowsMax        int
	LoadDistance   int
}

// DemandResult reports which rows, from which side, the caller must splice
// into the live window; NewWindowStart is set whenever a top load shifted
// the window's absolute start point.
type DemandResult struct {
	TopLoaded      []vt.PersistRow
	BtmLoaded      []vt.PersistRow
	NewWindowStart *vt.Point
}

// Demand tops up the window from swap until it reaches RowsMax or both
// sides are exhausted, preferring whichever side the cursor is closer to
// (spec §4.4 "Auto-fill (demand)"). It commits each popped chunk to the
// in-memory MetaIndex and store as it goes, so a failure partway through
// still leaves a consistent state.
func (s *Swap) Demand(p DemandParams) (DemandResult, error) {
	var res DemandResult
	windowLen := p.WindowLen
	cursorRow := p.CursorRowIndex

	for windowLen < p.RowsMax {
		loadedAny := false

		if cursorRow < p.LoadDistance && s.mi.TopLen() > 0 {
			rows, entry, ok, err := s.PopTop()
			if err != nil {
				return res, err
			}
			if ok {
				res.TopLoaded = append(rows, res.TopLoaded...)
				cursorRow += len(rows)
				windowLen += len(rows)
				start := entry.Start
				res.NewWindowStart = &start
				loadedAny = true
			}
		}

		if windowLen < p.RowsMax && (p.WindowLen-cursorRow) < p.LoadDistance && s.mi.BtmLen() > 0 {
			rows, _, ok, err := s.PopBottom()
			if err != nil {
				return res, err
			}
			if ok {
				res.BtmLoaded = append(res.BtmLoaded, rows...)
				windowLen += len(rows)
				loadedAny = true
			}
		}

		if !loadedAny {
			break
		}
	}

	for windowLen < p.RowsMax {
		if s.mi.TopLen() > 0 {
			rows, entry, ok, err := s.PopTop()
			if err != nil {
				return res, err
			}
			if !ok {
				break
			}
			res.TopLoaded = append(rows, res.TopLoaded...)
			windowLen += len(rows)
			start := entry.Start
			res.NewWindowStart = &start
		} else if s.mi.BtmLen() > 0 {
			rows, _, ok, err := s.PopBottom()
			if err != nil {
				return res, err
			}
			if !ok {
				break
			}
			res.BtmLoaded = append(res.BtmLoaded, rows...)
			windowLen += len(rows)
		} else {
			break
		}
	}

	return res, nil
}

// Poll is the cheap, per-cursor-move counterpart to Demand (spec §4.4
// "Poll (auto_call)"): it loads at most one chunk, on whichever side the
// cursor has just reached the edge of.
func (s *Swap) Poll(cursorRowIndex, windowLen int) (DemandResult, error) {
	var res DemandResult
	if cursorRowIndex <= 0 && s.mi.TopLen() > 0 {
		rows, entry, ok, err := s.PopTop()
		if err != nil {
			return res, err
		}
		if ok {
			res.TopLoaded = rows
			start := entry.Start
			res.NewWindowStart = &start
		}
		return res, nil
	}
	if cursorRowIndex >= windowLen-1 && s.mi.BtmLen() > 0 {
		rows, _, ok, err := s.PopBottom()
		if err != nil {
			return res, err
		}
		if ok {
			res.BtmLoaded = rows
		}
	}
	return res, nil
}

// Flush rewrites the store's metas table (head row + full slot map) from
// the current in-memory MetaIndex. Swap treats the MetaIndex as the live
// source of truth for the duration of a session and only syncs the
// disk-side position table at natural checkpoints -- Close, Unlink,
// CloneWithWindow -- rather than after every single push/pop, since the
// position-id-to-slot mapping shifts for every remaining chunk on a side
// whenever its nearest neighbor is loaded or dumped.
func (s *Swap) Flush() error {
	topID, btmID := s.mi.PositionIDs()
	if err := s.store.SaveMetasHead(topID, btmID, s.mi.TopLen()+s.mi.BtmLen()); err != nil {
		return err
	}
	for i := 0; i < s.mi.TopLen(); i++ {
		e, _ := s.mi.TopAt(i)
		if err := s.store.SaveSlotMapEntry(-(i + 1), e.Slot); err != nil {
			return err
		}
	}
	for i := 0; i < s.mi.BtmLen(); i++ {
		e, _ := s.mi.BtmAt(i)
		if err := s.store.SaveSlotMapEntry(i+1, e.Slot); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the position table and releases the underlying store
// connection without removing it.
func (s *Swap) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.store.Close()
}

// Unlink releases the store and deletes its backing file.
func (s *Swap) Unlink() error { return s.store.Unlink() }

// Path reports the store's path.
func (s *Swap) Path() string { return s.store.Path() }

// SaveMainMetas persists the document-level state a backup must round-trip
// alongside its chunks (spec §6 main_metas).
func (s *Swap) SaveMainMetas(cursorData int, markingsJSON string, historyProgress int) error {
	return s.store.SaveMainMetas(cursorData, markingsJSON, historyProgress)
}

// LoadMainMetas reads back the document-level state saved by
// SaveMainMetas, if any.
func (s *Swap) LoadMainMetas() (cursorData int, markingsJSON string, historyProgress int, ok bool, err error) {
	return s.store.LoadMainMetas()
}

// CloneWithWindow copies the swap store to destPath and appends the live
// window's rows as a final synthetic bottom chunk, so the destination
// fully represents the whole document on disk without mutating the
// source (spec §4.6 "export_bufferdb", §8 "Clone swap with_current_buffer").
func (s *Swap) CloneWithWindow(destPath string, windowStart vt.Point, windowRows []vt.PersistRow) (*Swap, error) {
	dest, err := Open(destPath, CreateNew)
	if err != nil {
		return nil, err
	}
	if err := s.store.CloneInto(dest); err != nil {
		dest.Close()
		return nil, err
	}
	clone := &Swap{
		store:      dest,
		mi:         s.mi.Clone(),
		nextSlot:   s.nextSlot,
		tabSize:    s.tabSize,
		visualMax:  s.visualMax,
		tabToBlank: s.tabToBlank,
		log:        s.log,
	}
	if len(windowRows) > 0 {
		if _, err := clone.PushBottom(windowStart, windowRows); err != nil {
			dest.Close()
			return nil, err
		}
	}
	if err := clone.Flush(); err != nil {
		dest.Close()
		return nil, err
	}
	return clone, nil
}

// UniqueBackupPath builds a collision-free backup file name under dir,
// used by callers implementing periodic/manual backups (spec §4.6
// "backup").
func UniqueBackupPath(dir string) string {
	return filepath.Join(dir, "vtbuffer-backup-"+uuid.NewString()+".db")
}
