package vtbuffer

import "fmt"

// Point is an absolute coordinate quadruple: data offset, content offset,
// row number, line number (spec §3 "start_point_*").
type Point struct {
	Data, Content, Row, Line int
}

// Span is a local extent expressed as the same four dimensions; adding a
// Span to a Point gives the Point immediately after that extent.
type Span struct {
	DData, DContent, DRow, DLine int
}

func addSpan(p Point, s Span) Point {
	return Point{p.Data + s.DData, p.Content + s.DContent, p.Row + s.DRow, p.Line + s.DLine}
}

// MetaEntry is one chunk's MetaIndex record: its slot, its absolute start
// point, and its local row/newline counts (spec §3 "MetaIndex entry").
type MetaEntry struct {
	Slot      int
	Start     Point
	NRows     int
	NNewlines int
}

// MetaIndex tracks, for every chunk currently paged to swap, the absolute
// coordinates of its first character plus local counts (spec §4.4). top[0]
// is position -1 (adjacent to the window); higher indices are further
// above (more negative). btm[0] is position +1; higher indices are
// further below.
type MetaIndex struct {
	windowStart Point
	top         []MetaEntry
	btm         []MetaEntry

	shadow *MetaIndexShadow
}

// NewMetaIndex creates an index for a freshly (re)initialized document
// whose window starts at the origin.
func NewMetaIndex(windowStart Point) *MetaIndex {
	return &MetaIndex{windowStart: windowStart}
}

func (m *MetaIndex) assertReadable() {
	if m.shadow != nil {
		panic("vtbuffer: MetaIndex read while shadow mode is open")
	}
}

// WindowStart returns the absolute start point of the in-RAM window
// (Invariant 2).
func (m *MetaIndex) WindowStart() Point {
	m.assertReadable()
	return m.windowStart
}

// TopLen and BtmLen report how many chunks are currently paged above/below
// the window.
func (m *MetaIndex) TopLen() int { m.assertReadable(); return len(m.top) }
func (m *MetaIndex) BtmLen() int { m.assertReadable(); return len(m.btm) }

// TopAt returns the entry at position -(i+1); i==0 is adjacent to the
// window.
func (m *MetaIndex) TopAt(i int) (MetaEntry, bool) {
	m.assertReadable()
	if i < 0 || i >= len(m.top) {
		return MetaEntry{}, false
	}
	return m.top[i], true
}

// BtmAt returns the entry at position i+1; i==0 is adjacent to the window.
func (m *MetaIndex) BtmAt(i int) (MetaEntry, bool) {
	m.assertReadable()
	if i < 0 || i >= len(m.btm) {
		return MetaEntry{}, false
	}
	return m.btm[i], true
}

// PositionIDs returns (top_id, btm_id): the outermost currently-allocated
// position on each side, 0 meaning "no chunks there" (spec §4.4 "Position
// algebra"). top_id is <= 0, btm_id is >= 0.
func (m *MetaIndex) PositionIDs() (topID, btmID int) {
	m.assertReadable()
	topID = -len(m.top)
	btmID = len(m.btm)
	return
}

// FindSlot reports the position id of the given slot, if it is currently
// in the index (0 means the window itself is not addressed by FindSlot;
// callers check the window separately).
func (m *MetaIndex) FindSlot(slot int) (position int, found bool) {
	m.assertReadable()
	for i, e := range m.top {
		if e.Slot == slot {
			return -(i + 1), true
		}
	}
	for i, e := range m.btm {
		if e.Slot == slot {
			return i + 1, true
		}
	}
	return 0, false
}

// CutToTop records a new chunk cut out of the top of the window (Trimmer
// popping rows off the top into swap). The new chunk's start point is the
// window's current start; the window start then advances by span, the
// local extent of the rows that were cut (Invariant 1/2).
func (m *MetaIndex) CutToTop(slot, nRows, nNewlines int, span Span) MetaEntry {
	if m.shadow != nil {
		panic("vtbuffer: MetaIndex structural change while shadow mode is open")
	}
	entry := MetaEntry{Slot: slot, Start: m.windowStart, NRows: nRows, NNewlines: nNewlines}
	m.top = append([]MetaEntry{entry}, m.top...)
	m.windowStart = addSpan(m.windowStart, span)
	return entry
}

// CutToBottom records a new chunk cut out of the bottom of the window. Its
// start point is whatever the caller computed the cut rows' absolute start
// to be (the live window's own span is not tracked here -- only the
// indexer, which walks the real rows, knows it).
func (m *MetaIndex) CutToBottom(slot int, start Point, nRows, nNewlines int) MetaEntry {
	if m.shadow != nil {
		panic("vtbuffer: MetaIndex structural change while shadow mode is open")
	}
	entry := MetaEntry{Slot: slot, Start: start, NRows: nRows, NNewlines: nNewlines}
	m.btm = append([]MetaEntry{entry}, m.btm...)
	return entry
}

// LoadFromTop pops the chunk adjacent to the window on the top side (it is
// being loaded into RAM); the window start point retreats to that chunk's
// start (Invariant 2).
func (m *MetaIndex) LoadFromTop() (MetaEntry, bool) {
	if m.shadow != nil {
		panic("vtbuffer: MetaIndex structural change while shadow mode is open")
	}
	if len(m.top) == 0 {
		return MetaEntry{}, false
	}
	entry := m.top[0]
	m.top = m.top[1:]
	m.windowStart = entry.Start
	return entry, true
}

// LoadFromBottom pops the chunk adjacent to the window on the bottom side.
// The window's own start point is unaffected: the new rows are appended
// after the existing window content.
func (m *MetaIndex) LoadFromBottom() (MetaEntry, bool) {
	if m.shadow != nil {
		panic("vtbuffer: MetaIndex structural change while shadow mode is open")
	}
	if len(m.btm) == 0 {
		return MetaEntry{}, false
	}
	entry := m.btm[0]
	m.btm = m.btm[1:]
	return entry, true
}

// AdjustSequenceBelowWindow shifts every chunk below the window by span.
// Called whenever an edit inside the window changes the window's own
// total extent (Invariant 1, propagated downward).
func (m *MetaIndex) AdjustSequenceBelowWindow(span Span) {
	if span == (Span{}) {
		return
	}
	if m.shadow != nil {
		m.shadow.recordBelowWindow(span)
		return
	}
	for i := range m.btm {
		m.btm[i].Start = addSpan(m.btm[i].Start, span)
	}
}

// AdjustFromSlot applies a local count delta to the named slot's own
// MetaEntry and propagates span (the resulting change in that chunk's
// extent) to every chunk strictly downstream of it: for a top-side slot
// that means the top entries closer to the window, the window start
// itself, and every bottom entry; for a bottom-side slot it means only the
// bottom entries further from the window.
func (m *MetaIndex) AdjustFromSlot(slot int, dRows, dNewlines int, span Span) error {
	if m.shadow != nil {
		m.shadow.record(slot, dRows, dNewlines, span)
		return nil
	}
	return m.applyAdjustFromSlot(slot, dRows, dNewlines, span)
}

func (m *MetaIndex) applyAdjustFromSlot(slot int, dRows, dNewlines int, span Span) error {
	for i := range m.top {
		if m.top[i].Slot == slot {
			m.top[i].NRows += dRows
			m.top[i].NNewlines += dNewlines
			for j := i - 1; j >= 0; j-- {
				m.top[j].Start = addSpan(m.top[j].Start, span)
			}
			m.windowStart = addSpan(m.windowStart, span)
			for j := range m.btm {
				m.btm[j].Start = addSpan(m.btm[j].Start, span)
			}
			return nil
		}
	}
	for i := range m.btm {
		if m.btm[i].Slot == slot {
			m.btm[i].NRows += dRows
			m.btm[i].NNewlines += dNewlines
			for j := i + 1; j < len(m.btm); j++ {
				m.btm[j].Start = addSpan(m.btm[j].Start, span)
			}
			return nil
		}
	}
	return fmt.Errorf("vtbuffer: unknown slot %d", slot)
}

// docOrderSlots lists every currently-indexed slot in document order, used
// by shadow commit to apply diffs top-down in one pass.
func (m *MetaIndex) docOrderSlots() []int {
	out := make([]int, 0, len(m.top)+len(m.btm))
	for i := len(m.top) - 1; i >= 0; i-- {
		out = append(out, m.top[i].Slot)
	}
	for _, e := range m.btm {
		out = append(out, e.Slot)
	}
	return out
}

// MetaIndexShadow is a scoped overlay: while open, AdjustFromSlot and
// AdjustSequenceBelowWindow calls are recorded instead of applied, and any
// other read of the MetaIndex panics. Commit applies every recorded diff
// in a single top-down pass and closes the overlay (spec §4.4 "shadow
// mode", §9 design note: "re-enables reads on drop").
type MetaIndexShadow struct {
	mi           *MetaIndex
	perSlot      map[int]shadowDiff
	belowWindow  Span
	touchedOrder []int
}

type shadowDiff struct {
	dRows, dNewlines int
	span             Span
}

// BeginShadow opens a shadow overlay. Panics if one is already open --
// shadow scopes do not nest (there is only ever one ChunkIter editing
// pass active at a time, §5 "no suspension points").
func (m *MetaIndex) BeginShadow() *MetaIndexShadow {
	if m.shadow != nil {
		panic("vtbuffer: MetaIndex shadow mode already open")
	}
	s := &MetaIndexShadow{mi: m, perSlot: map[int]shadowDiff{}}
	m.shadow = s
	return s
}

func (s *MetaIndexShadow) record(slot int, dRows, dNewlines int, span Span) {
	d := s.perSlot[slot]
	if d.dRows == 0 && d.dNewlines == 0 && d.span == (Span{}) {
		s.touchedOrder = append(s.touchedOrder, slot)
	}
	d.dRows += dRows
	d.dNewlines += dNewlines
	d.span = Span{d.span.DData + span.DData, d.span.DContent + span.DContent, d.span.DRow + span.DRow, d.span.DLine + span.DLine}
	s.perSlot[slot] = d
}

func (s *MetaIndexShadow) recordBelowWindow(span Span) {
	s.belowWindow = Span{
		s.belowWindow.DData + span.DData,
		s.belowWindow.DContent + span.DContent,
		s.belowWindow.DRow + span.DRow,
		s.belowWindow.DLine + span.DLine,
	}
}

// Commit applies every recorded diff to the real MetaIndex in one
// top-down pass and reopens reads.
func (s *MetaIndexShadow) Commit() {
	mi := s.mi
	mi.shadow = nil
	for _, slot := range mi.docOrderSlots() {
		if d, ok := s.perSlot[slot]; ok {
			_ = mi.applyAdjustFromSlot(slot, d.dRows, d.dNewlines, d.span)
		}
	}
	mi.AdjustSequenceBelowWindow(s.belowWindow)
}

// Discard closes the overlay without applying anything recorded. Used on
// an error path where the caller chooses to abandon a ChunkIter pass.
func (s *MetaIndexShadow) Discard() {
	s.mi.shadow = nil
}

// Clone returns a deep copy of the index, used by Swap.CloneWithWindow so a cloned
// store and a cloned in-memory index travel together (spec §8 "Clone
// swap ... identical MetaIndex ... for every slot").
func (m *MetaIndex) Clone() *MetaIndex {
	m.assertReadable()
	out := &MetaIndex{windowStart: m.windowStart}
	out.top = append([]MetaEntry(nil), m.top...)
	out.btm = append([]MetaEntry(nil), m.btm...)
	return out
}

// AdoptTop appends entry as the new outermost top chunk, without touching
// windowStart. Used only when reconstructing a MetaIndex from a store's
// persisted slot map (Swap.Reopen); ordinary operation never calls this.
func (m *MetaIndex) AdoptTop(entry MetaEntry) {
	m.top = append(m.top, entry)
}

// AdoptBottom appends entry as the new outermost bottom chunk. See AdoptTop.
func (m *MetaIndex) AdoptBottom(entry MetaEntry) {
	m.btm = append(m.btm, entry)
}

// SetWindowStart overwrites the window's absolute start point. Swap.Reopen
// uses it when reconstructing from a store, and the buffer facade uses it
// after cutting rows off the window's top or loading a top chunk.
func (m *MetaIndex) SetWindowStart(p Point) {
	m.windowStart = p
}

// RemoveSlot deletes an arbitrary slot's entry (not necessarily adjacent
// to the window), used when a ChunkBuffer edit empties a chunk entirely
// (spec §3 "Chunks ... die when the last row ... is removed"). It does
// not shift any start points: removing a chunk without replaying its
// removal through AdjustFromSlot/AdjustSequenceBelowWindow would violate
// Invariant 1, so callers must first call AdjustFromSlot with a span that
// zeroes the removed chunk's extent, then RemoveSlot.
func (m *MetaIndex) RemoveSlot(slot int) (position int, ok bool) {
	if m.shadow != nil {
		panic("vtbuffer: MetaIndex structural change while shadow mode is open")
	}
	for i, e := range m.top {
		if e.Slot == slot {
			m.top = append(m.top[:i], m.top[i+1:]...)
			return -(i + 1), true
		}
	}
	for i, e := range m.btm {
		if e.Slot == slot {
			m.btm = append(m.btm[:i], m.btm[i+1:]...)
			return i + 1, true
		}
	}
	return 0, false
}
