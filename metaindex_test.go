package vtbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaIndexCutAndLoadTopSymmetry(t *testing.T) {
	mi := NewMetaIndex(Point{Data: 100, Content: 100, Row: 10, Line: 10})
	span := Span{DData: 20, DContent: 18, DRow: 2, DLine: 1}

	entry := mi.CutToTop(1, 2, 1, span)
	assert.Equal(t, Point{Data: 100, Content: 100, Row: 10, Line: 10}, entry.Start)
	assert.Equal(t, Point{Data: 120, Content: 118, Row: 12, Line: 11}, mi.WindowStart())

	loaded, ok := mi.LoadFromTop()
	require.True(t, ok)
	assert.Equal(t, entry, loaded)
	assert.Equal(t, Point{Data: 100, Content: 100, Row: 10, Line: 10}, mi.WindowStart())
}

func TestMetaIndexCutToBottomIndependentOfWindowStart(t *testing.T) {
	mi := NewMetaIndex(Point{Data: 0})
	before := mi.WindowStart()
	start := Point{Data: 50, Content: 50, Row: 5, Line: 5}
	mi.CutToBottom(9, start, 3, 2)
	assert.Equal(t, before, mi.WindowStart())

	entry, ok := mi.LoadFromBottom()
	require.True(t, ok)
	assert.Equal(t, start, entry.Start)
	assert.Equal(t, before, mi.WindowStart())
}

func TestMetaIndexPositionIDs(t *testing.T) {
	mi := NewMetaIndex(Point{})
	mi.CutToTop(1, 1, 0, Span{})
	mi.CutToTop(2, 1, 0, Span{})
	mi.CutToBottom(3, Point{}, 1, 0)
	topID, btmID := mi.PositionIDs()
	assert.Equal(t, -2, topID)
	assert.Equal(t, 1, btmID)
}

func TestMetaIndexFindSlotDeepChunk(t *testing.T) {
	mi := NewMetaIndex(Point{})
	mi.CutToTop(1, 1, 0, Span{DData: 10})
	mi.CutToTop(2, 1, 0, Span{DData: 10})
	mi.CutToTop(3, 1, 0, Span{DData: 10})

	pos, found := mi.FindSlot(1)
	require.True(t, found)
	assert.Equal(t, -3, pos) // oldest cut is furthest from the window

	pos, found = mi.FindSlot(3)
	require.True(t, found)
	assert.Equal(t, -1, pos) // most recent cut is adjacent
}

func TestMetaIndexAdjustFromSlotTopPropagatesToWindowAndBottom(t *testing.T) {
	mi := NewMetaIndex(Point{Data: 100})
	mi.CutToTop(1, 1, 0, Span{DData: 10})
	mi.CutToTop(2, 1, 0, Span{DData: 10})
	mi.CutToBottom(3, Point{Data: 200}, 1, 0)

	err := mi.AdjustFromSlot(1, 0, 0, Span{DData: 5})
	require.NoError(t, err)

	e1, _ := mi.TopAt(1) // slot 1 is the older (further) entry
	assert.Equal(t, 1, e1.NRows)
	windowStart := mi.WindowStart()
	assert.Equal(t, 125, windowStart.Data) // 120 original window start + 5

	e3, _ := mi.BtmAt(0)
	assert.Equal(t, 205, e3.Start.Data)
}

func TestMetaIndexAdjustFromSlotBottomOnlyPropagatesDownstream(t *testing.T) {
	mi := NewMetaIndex(Point{Data: 0})
	mi.CutToBottom(1, Point{Data: 100}, 1, 0)
	mi.CutToBottom(2, Point{Data: 200}, 1, 0)

	err := mi.AdjustFromSlot(2, 0, 0, Span{DData: 7})
	require.NoError(t, err)

	e1, _ := mi.BtmAt(1) // slot 1, further from window -- shifted downstream
	assert.Equal(t, 107, e1.Start.Data)
	e2, _ := mi.BtmAt(0) // slot 2 itself, adjacent -- its own Start is untouched
	assert.Equal(t, 200, e2.Start.Data)
}

func TestMetaIndexAdjustFromSlotUnknownSlot(t *testing.T) {
	mi := NewMetaIndex(Point{})
	err := mi.AdjustFromSlot(99, 0, 0, Span{})
	assert.Error(t, err)
}

func TestMetaIndexAssertReadablePanicsDuringShadow(t *testing.T) {
	mi := NewMetaIndex(Point{})
	mi.BeginShadow()
	assert.Panics(t, func() { mi.WindowStart() })
}

func TestMetaIndexShadowCommitAppliesRecordedDiffs(t *testing.T) {
	mi := NewMetaIndex(Point{Data: 0})
	mi.CutToTop(1, 1, 0, Span{DData: 10})
	mi.CutToBottom(2, Point{Data: 100}, 1, 0)

	shadow := mi.BeginShadow()
	assert.NoError(t, mi.AdjustFromSlot(1, 1, 0, Span{DData: 4}))
	mi.AdjustSequenceBelowWindow(Span{DData: 4})
	shadow.Commit()

	e1, _ := mi.TopAt(0)
	assert.Equal(t, 2, e1.NRows)
	assert.Equal(t, 14, mi.WindowStart().Data)
	// the bottom side picks up the slot-1 propagation (applied during
	// Commit's per-slot pass, +4) and the separately recorded
	// below-window span (applied right after, +4) -- both land on it.
	e2, _ := mi.BtmAt(0)
	assert.Equal(t, 108, e2.Start.Data)
}

func TestMetaIndexShadowDiscardAppliesNothing(t *testing.T) {
	mi := NewMetaIndex(Point{Data: 0})
	mi.CutToTop(1, 1, 0, Span{DData: 10})
	shadow := mi.BeginShadow()
	assert.NoError(t, mi.AdjustFromSlot(1, 5, 0, Span{DData: 99}))
	shadow.Discard()

	e1, _ := mi.TopAt(0)
	assert.Equal(t, 1, e1.NRows)
	assert.Equal(t, 10, mi.WindowStart().Data)
}

func TestMetaIndexCloneIsIndependent(t *testing.T) {
	mi := NewMetaIndex(Point{Data: 0})
	mi.CutToTop(1, 1, 0, Span{DData: 10})
	clone := mi.Clone()
	mi.CutToTop(2, 1, 0, Span{DData: 10})
	assert.Equal(t, 1, clone.TopLen())
	assert.Equal(t, 2, mi.TopLen())
}

func TestMetaIndexRemoveSlot(t *testing.T) {
	mi := NewMetaIndex(Point{})
	mi.CutToTop(1, 1, 0, Span{})
	mi.CutToTop(2, 1, 0, Span{})
	pos, ok := mi.RemoveSlot(1)
	require.True(t, ok)
	assert.Equal(t, -2, pos)
	assert.Equal(t, 1, mi.TopLen())
	_, found := mi.FindSlot(1)
	assert.False(t, found)
}

func TestMetaIndexAdoptAndSetWindowStart(t *testing.T) {
	mi := NewMetaIndex(Point{})
	mi.AdoptTop(MetaEntry{Slot: 5, Start: Point{Data: 1}})
	mi.AdoptBottom(MetaEntry{Slot: 6, Start: Point{Data: 2}})
	mi.SetWindowStart(Point{Data: 42})
	assert.Equal(t, 1, mi.TopLen())
	assert.Equal(t, 1, mi.BtmLen())
	assert.Equal(t, 42, mi.WindowStart().Data)
}
