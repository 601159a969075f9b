package vtbuffer

import "github.com/dlclark/regexp2"

// intLRU is a tiny fixed-capacity least-recently-used cache of int->int,
// sized per spec §4.2 ("six slots, default sizes 4/8/16/32/32/1").
type intLRU struct {
	cap   int
	order []int
	vals  map[int]int
}

func newIntLRU(capacity int) *intLRU {
	return &intLRU{cap: capacity, vals: make(map[int]int, capacity)}
}

func (c *intLRU) touch(k int) {
	for i, kk := range c.order {
		if kk == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, k)
}

func (c *intLRU) get(k int) (int, bool) {
	v, ok := c.vals[k]
	if ok {
		c.touch(k)
	}
	return v, ok
}

func (c *intLRU) put(k, v int) {
	if _, exists := c.vals[k]; exists {
		c.vals[k] = v
		c.touch(k)
		return
	}
	if c.cap > 0 && len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.vals, oldest)
	}
	c.order = append(c.order, k)
	c.vals[k] = v
}

func (c *intLRU) clear() {
	c.order = c.order[:0]
	for k := range c.vals {
		delete(c.vals, k)
	}
}

// defaultJumpPattern approximates word-boundary jump points: runs of
// word characters, or runs of non-word non-space characters, each treated
// as one jump stop. Written with regexp2 because it needs the same
// backtracking semantics the original's Python `re`-based jump points
// relied on (see SPEC_FULL.md DOMAIN STACK).
const defaultJumpPattern = `\w+|[^\w\s]+`

// RowCursor tracks a caret inside a Row in four coordinate systems --
// segment/in_segment (position within the tab-split raster),
// content (index into the row's raw content) and visual (display column
// with tabs expanded) -- translating between them through a small LRU
// cache (spec §4.2).
type RowCursor struct {
	row *Row

	content int

	visualToContentCache  *intLRU
	contentToSegCache      *intLRU
	contentToVisualCache   *intLRU
	segToContentCache      *intLRU
	jumpCache              *intLRU
	borderCache            *intLRU

	jumpRe *regexp2.Regexp
}

// NewRowCursor builds a cursor for row, parked at content offset 0.
func NewRowCursor(row *Row) *RowCursor {
	re := regexp2.MustCompile(defaultJumpPattern, regexp2.None)
	return &RowCursor{
		row:                   row,
		visualToContentCache:  newIntLRU(4),
		contentToSegCache:     newIntLRU(8),
		contentToVisualCache:  newIntLRU(16),
		segToContentCache:     newIntLRU(32),
		jumpCache:             newIntLRU(32),
		borderCache:           newIntLRU(1),
		jumpRe:                re,
	}
}

// invalidate drops every cached translation; called by the row's write
// scope guard on any mutation (spec §5 "Scoped resources").
func (c *RowCursor) invalidate() {
	c.visualToContentCache.clear()
	c.contentToSegCache.clear()
	c.contentToVisualCache.clear()
	c.segToContentCache.clear()
	c.jumpCache.clear()
	c.borderCache.clear()
}

// Content returns the cursor's current content offset.
func (c *RowCursor) Content() int { return c.content }

// PlaceContent moves the cursor directly to a content offset, clamped to
// the row's current content length. Used by navigation operations
// (goto_data/goto_row/goto_line) that place the cursor without going
// through a write/delete primitive.
func (c *RowCursor) PlaceContent(at int) { c.setContent(at) }

// setContent places the cursor directly at a content offset, clamped to
// the row's current content length.
func (c *RowCursor) setContent(at int) {
	if at < 0 {
		at = 0
	}
	if at > c.row.ContentLen() {
		at = c.row.ContentLen()
	}
	c.content = at
}

// SegmentPosition returns the cursor's (segment, in_segment) coordinates.
func (c *RowCursor) SegmentPosition() (segment, inSegment int) {
	return c.contentToSegment(c.content)
}

// Visual returns the cursor's display column.
func (c *RowCursor) Visual() int {
	return c.contentToVisual(c.content)
}

func (c *RowCursor) contentToSegment(content int) (segment, inSegment int) {
	if v, ok := c.contentToSegCache.get(content); ok {
		return v >> 32, v & 0xffffffff
	}
	segs := c.row.segments()
	idx := 0
	for i, s := range segs {
		if s.startContent <= content {
			idx = i
		} else {
			break
		}
	}
	inSeg := content - segs[idx].startContent
	c.contentToSegCache.put(content, (idx<<32)|(inSeg&0xffffffff))
	return idx, inSeg
}

func (c *RowCursor) segmentToContent(segment, inSegment int) int {
	key := (segment << 16) | (inSegment & 0xffff)
	if v, ok := c.segToContentCache.get(key); ok {
		return v
	}
	segs := c.row.segments()
	if segment < 0 {
		segment = 0
	}
	if segment >= len(segs) {
		segment = len(segs) - 1
	}
	content := segs[segment].startContent + inSegment
	c.segToContentCache.put(key, content)
	return content
}

func (c *RowCursor) contentToVisual(content int) int {
	if v, ok := c.contentToVisualCache.get(content); ok {
		return v
	}
	segs := c.row.segments()
	col := 0
	for i, s := range segs {
		if content <= s.startContent+s.visualWidth {
			col += content - s.startContent
			c.contentToVisualCache.put(content, col)
			return col
		}
		col += s.visualWidth
		if i != len(segs)-1 {
			col += c.row.tabStopWidth(col)
		}
	}
	col += content - segs[len(segs)-1].startContent - segs[len(segs)-1].visualWidth
	c.contentToVisualCache.put(content, col)
	return col
}

// VisualToContent returns the content offset whose display column is
// closest to (without exceeding) visual.
func (c *RowCursor) VisualToContent(visual int) int {
	if v, ok := c.visualToContentCache.get(visual); ok {
		return v
	}
	segs := c.row.segments()
	col := 0
	for i, s := range segs {
		segEnd := col + s.visualWidth
		if visual <= segEnd {
			content := s.startContent + (visual - col)
			c.visualToContentCache.put(visual, content)
			return content
		}
		col = segEnd
		if i != len(segs)-1 {
			col += c.row.tabStopWidth(col)
			if visual < col {
				// visual falls inside this tab's expansion: the tab itself
				// is the closest offset that does not exceed it.
				content := s.startContent + s.visualWidth
				c.visualToContentCache.put(visual, content)
				return content
			}
		}
	}
	content := c.row.ContentLen()
	c.visualToContentCache.put(visual, content)
	return content
}

// contentLimit is content_limit from spec §4.2: visual_max mapped back to
// a content offset if the row is capped, else the row's raw content
// length.
func (c *RowCursor) contentLimit() int {
	if c.row.visualMax > 0 {
		return c.VisualToContent(c.row.visualMax)
	}
	return c.row.ContentLen()
}

// NewContentCursor computes a candidate new content offset without moving
// the cursor there: in jump mode it leaps to the next/previous jump-point
// boundary; border means go to offset 0 or contentLimit(); otherwise it is
// simply content+delta, bounded by contentLimit() (or, with asFar=false,
// returned unbounded so the caller can detect and raise
// CursorPlacingError).
func (c *RowCursor) NewContentCursor(delta int, jump, border, asFar bool) int {
	if border {
		if delta < 0 {
			return 0
		}
		return c.contentLimit()
	}
	if jump {
		return c.jumpContentCursor(delta)
	}
	target := c.content + delta
	limit := c.contentLimit()
	if target < 0 {
		if asFar {
			return 0
		}
		return target
	}
	if target > limit {
		if asFar {
			return limit
		}
		return target
	}
	return target
}

func (c *RowCursor) jumpContentCursor(delta int) int {
	key := (c.content << 4) | (delta & 0xf)
	if v, ok := c.jumpCache.get(key); ok {
		return v
	}
	text := c.row.Content()
	limit := c.contentLimit()
	result := c.content
	if delta >= 0 {
		matches, _ := c.jumpRe.FindStringMatch(text)
		best := limit
		for matches != nil {
			g := matches.Groups()[0]
			if g.Index > c.content {
				best = g.Index
				break
			}
			matches, _ = c.jumpRe.FindNextMatch(matches)
		}
		result = minInt(best, limit)
	} else {
		matches, _ := c.jumpRe.FindStringMatch(text)
		best := 0
		for matches != nil {
			g := matches.Groups()[0]
			if g.Index >= c.content {
				break
			}
			best = g.Index
			matches, _ = c.jumpRe.FindNextMatch(matches)
		}
		result = maxInt(best, 0)
	}
	c.jumpCache.put(key, result)
	return result
}
