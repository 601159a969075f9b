package vtbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeEofSource struct {
	data, content, rows, lines int
	calls                      int
}

func (f *fakeEofSource) ComputeTotals() (int, int, int, int) {
	f.calls++
	return f.data, f.content, f.rows, f.lines
}

func TestEofMetasLazyRecompute(t *testing.T) {
	src := &fakeEofSource{data: 10, content: 8, rows: 2, lines: 1}
	e := NewEofMetas(src)

	assert.Equal(t, 10, e.DataChars())
	assert.Equal(t, 8, e.ContentChars())
	assert.Equal(t, 2, e.Rows())
	assert.Equal(t, 1, e.Lines())
	assert.Equal(t, 1, src.calls, "reading all four fields once should recompute only once")

	assert.Equal(t, 10, e.DataChars())
	assert.Equal(t, 1, src.calls, "a second read before invalidation must not recompute")
}

func TestEofMetasInvalidateForcesRecompute(t *testing.T) {
	src := &fakeEofSource{data: 1}
	e := NewEofMetas(src)
	_ = e.DataChars()
	assert.Equal(t, 1, src.calls)

	src.data = 99
	e.Invalidate()
	assert.Equal(t, 99, e.DataChars())
	assert.Equal(t, 2, src.calls)
}
